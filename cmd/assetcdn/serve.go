package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"assetcdn/internal/mirror"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rewrite service",
	Long: `Start the HTTP service answering rewrite lookups, draining the queue in the
background and sweeping expired decisions.

Endpoints:
  GET  /rewrite?src=&handle=&type=   rewrite a script or style URL
  GET  /rewrite/emoji?src=           rewrite the emoji sprite directory
  POST /invalidate?kind=&target=     evict stored decisions
  GET  /status                       stored state summary
  GET  /metrics                      Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	svc, err := mirror.NewService(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("assetcdn listening", "addr", addr, "mirror", cfg.Mirror.BaseURL, "storage", cfg.Storage.Backend)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
