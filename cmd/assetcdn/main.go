package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"assetcdn/internal/mirror"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "assetcdn",
	Short: "Map local static assets to verified CDN mirrors",
	Long: `assetcdn decides which public CDN URL can replace a locally served script,
style or emoji directory, verifies the mirrored bytes against the local copy,
and remembers the decision for a bounded time.`,
	Example: `  # Run the rewrite service
  assetcdn serve --config assetcdn.yaml

  # Inspect and maintain the stored decisions
  assetcdn paths list active
  assetcdn clean starting-with /wp-includes/
  assetcdn queue process`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger(logFormat, logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getenvDefault("ASSETCDN_CONFIG", "assetcdn.yaml"), "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

func loadConfig() (mirror.Config, error) {
	cfg, err := mirror.LoadConfig(configPath)
	if err != nil {
		return mirror.Config{}, fmt.Errorf("load config: %w", err)
	}
	if logFormat == "" && logLevel == "" {
		initLogger(cfg.Logging.Format, cfg.Logging.Level)
	}
	return cfg, nil
}

// openEngine opens storage for a one-shot command. The returned close
// function waits for background work and closes storage.
func openEngine() (*mirror.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	kv, err := mirror.OpenKV(cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	engine, err := mirror.NewEngine(cfg, kv, nil, slog.Default())
	if err != nil {
		_ = kv.Close()
		return nil, nil, err
	}
	return engine, func() {
		engine.Close()
		if err := kv.Close(); err != nil {
			slog.Error("close storage", "error", err)
		}
	}, nil
}
