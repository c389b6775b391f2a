package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		DrainEvery    string `yaml:"drainEvery"`
		SweepEvery    string `yaml:"sweepEvery"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		drainEveryDur    time.Duration
		sweepEveryDur    time.Duration
		logStatsEveryDur time.Duration
	} `yaml:"server"`

	Storage struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		WriteBuffer string `yaml:"writeBuffer"`
		ValkeyAddr  string `yaml:"valkeyAddr"`
		KeyPrefix   string `yaml:"keyPrefix"`

		writeBufferBytes int64
	} `yaml:"storage"`

	Mirror struct {
		BaseURL        string `yaml:"baseURL"`
		PlatformRepo   string `yaml:"platformRepo"`
		ExtensionsPath string `yaml:"extensionsPath"`
		ThemesPath     string `yaml:"themesPath"`
		FetchTimeout   string `yaml:"fetchTimeout"`
		MaxBody        string `yaml:"maxBody"`
		UserAgent      string `yaml:"userAgent"`

		fetchTimeoutDur time.Duration
		maxBodyBytes    int64
	} `yaml:"mirror"`

	Registry RegistryConfig `yaml:"registry"`

	Site SiteConfig `yaml:"site"`

	Packages []PackageConfig `yaml:"packages"`

	Policy PolicyConfig `yaml:"policy"`

	Logging struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`
}

type RegistryConfig struct {
	CoreVersionsURL  string `yaml:"coreVersionsURL"`
	ExtensionInfoURL string `yaml:"extensionInfoURL"`
	ThemeInfoURL     string `yaml:"themeInfoURL"`
	GitHubAPI        string `yaml:"githubAPI"`
}

type SiteConfig struct {
	URL           string            `yaml:"url"`
	ContentURL    string            `yaml:"contentURL"`
	PluginsURL    string            `yaml:"pluginsURL"`
	ThemesURL     string            `yaml:"themesURL"`
	Version       string            `yaml:"version"`
	DefaultDirs   []string          `yaml:"defaultDirs"`
	DefaultThemes []string          `yaml:"defaultThemes"`
	ScriptDebug   bool              `yaml:"scriptDebug"`
	Extensions    []ExtensionConfig `yaml:"extensions"`
	Themes        []ThemeConfig     `yaml:"themes"`
	Assets        []AssetConfig     `yaml:"assets"`
}

type ExtensionConfig struct {
	Slug       string `yaml:"slug"`
	File       string `yaml:"file"`
	Version    string `yaml:"version"`
	Repository string `yaml:"repository"`
	Private    bool   `yaml:"private"`
}

type ThemeConfig struct {
	Slug       string `yaml:"slug"`
	Version    string `yaml:"version"`
	Repository string `yaml:"repository"`
	Private    bool   `yaml:"private"`
}

type AssetConfig struct {
	Handle  string         `yaml:"handle"`
	Type    DependencyType `yaml:"type"`
	Version string         `yaml:"version"`
}

type PackageConfig struct {
	Handle   string         `yaml:"handle"`
	Type     DependencyType `yaml:"type"`
	Package  string         `yaml:"package"`
	File     string         `yaml:"file"`
	Minified string         `yaml:"minified"`
}

type PolicyConfig struct {
	TTL struct {
		NPM                      string `yaml:"npm"`
		Core                     string `yaml:"core"`
		Extension                string `yaml:"extension"`
		Theme                    string `yaml:"theme"`
		Emoji                    string `yaml:"emoji"`
		Inactive                 string `yaml:"inactive"`
		InactiveRecentlyUpgraded string `yaml:"inactiveRecentlyUpgraded"`
		Queued                   string `yaml:"queued"`
		Versions                 string `yaml:"versions"`
		PlatformVersions         string `yaml:"platformVersions"`
	} `yaml:"ttl"`

	MaxPerDrain   int      `yaml:"maxPerDrain"`
	StrictCompare *bool    `yaml:"strictCompare"`
	SkipCompare   []string `yaml:"skipCompare"`
	Integrity     *bool    `yaml:"integrity"`

	ExposeInstalled struct {
		PlatformMinor *bool `yaml:"platformMinor"`
		PlatformMajor *bool `yaml:"platformMajor"`
		Extension     *bool `yaml:"extension"`
		Theme         *bool `yaml:"theme"`
	} `yaml:"exposeInstalled"`

	DefaultThemeCoreFallback *bool `yaml:"defaultThemeCoreFallback"`

	RecentlyUpgradedFor string `yaml:"recentlyUpgradedFor"`
	LockFor             string `yaml:"lockFor"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.SweepEvery == "" {
		cfg.Server.SweepEvery = "12h"
	}
	durs := []struct {
		key string
		in  string
		out *time.Duration
	}{
		{"server.drainEvery", cfg.Server.DrainEvery, &cfg.Server.drainEveryDur},
		{"server.sweepEvery", cfg.Server.SweepEvery, &cfg.Server.sweepEveryDur},
		{"server.logStatsEvery", cfg.Server.LogStatsEvery, &cfg.Server.logStatsEveryDur},
	}
	for _, d := range durs {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.out = v
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	switch cfg.Storage.Backend {
	case "leveldb":
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = filepath.Join(xdg.DataHome, "assetcdn", "leveldb")
		}
	case "valkey":
		if cfg.Storage.ValkeyAddr == "" {
			cfg.Storage.ValkeyAddr = "localhost:6379"
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "assetcdn:"
	}
	if cfg.Storage.WriteBuffer != "" {
		n, err := parseBytes(cfg.Storage.WriteBuffer)
		if err != nil {
			return fmt.Errorf("storage.writeBuffer: %w", err)
		}
		cfg.Storage.writeBufferBytes = n
	}

	if cfg.Mirror.BaseURL == "" {
		cfg.Mirror.BaseURL = "https://cdn.jsdelivr.net"
	}
	cfg.Mirror.BaseURL = strings.TrimRight(cfg.Mirror.BaseURL, "/")
	if cfg.Mirror.PlatformRepo == "" {
		cfg.Mirror.PlatformRepo = "wordpress/wordpress"
	}
	if cfg.Mirror.ExtensionsPath == "" {
		cfg.Mirror.ExtensionsPath = "/wp/plugins"
	}
	if cfg.Mirror.ThemesPath == "" {
		cfg.Mirror.ThemesPath = "/wp/themes"
	}
	if cfg.Mirror.FetchTimeout == "" {
		cfg.Mirror.FetchTimeout = "30s"
	}
	d, err := time.ParseDuration(cfg.Mirror.FetchTimeout)
	if err != nil {
		return fmt.Errorf("mirror.fetchTimeout: %w", err)
	}
	cfg.Mirror.fetchTimeoutDur = d
	if cfg.Mirror.MaxBody == "" {
		cfg.Mirror.MaxBody = "16mb"
	}
	n, err := parseBytes(cfg.Mirror.MaxBody)
	if err != nil {
		return fmt.Errorf("mirror.maxBody: %w", err)
	}
	cfg.Mirror.maxBodyBytes = n
	if cfg.Mirror.UserAgent == "" {
		cfg.Mirror.UserAgent = "assetcdn/" + SchemaVersion
	}

	if cfg.Registry.CoreVersionsURL == "" {
		cfg.Registry.CoreVersionsURL = "https://api.wordpress.org/core/version-check/1.7/"
	}
	if cfg.Registry.ExtensionInfoURL == "" {
		cfg.Registry.ExtensionInfoURL = "https://api.wordpress.org/plugins/info/1.2/"
	}
	if cfg.Registry.ThemeInfoURL == "" {
		cfg.Registry.ThemeInfoURL = "https://api.wordpress.org/themes/info/1.2/"
	}
	if cfg.Registry.GitHubAPI == "" {
		cfg.Registry.GitHubAPI = "https://api.github.com"
	}
	cfg.Registry.GitHubAPI = strings.TrimRight(cfg.Registry.GitHubAPI, "/")

	if cfg.Site.URL == "" {
		return fmt.Errorf("site.url is required")
	}
	if cfg.Site.Version == "" {
		return fmt.Errorf("site.version is required")
	}
	for i, a := range cfg.Site.Assets {
		if a.Handle == "" {
			return fmt.Errorf("site.assets[%d].handle: empty handle", i)
		}
		if a.Type != DependencyScript && a.Type != DependencyStyle {
			return fmt.Errorf("site.assets[%d].type: want script or style, got %q", i, a.Type)
		}
	}
	for i, p := range cfg.Packages {
		if p.Handle == "" || p.Package == "" || p.File == "" {
			return fmt.Errorf("packages[%d]: handle, package and file are required", i)
		}
	}

	if _, err := cfg.Policy.compile(); err != nil {
		return err
	}
	return nil
}

// ResolvedPolicy returns the policy. Values were validated by
// LoadConfig, so only hand-built configs can fail here.
func (cfg *Config) ResolvedPolicy() (Policy, error) {
	return cfg.Policy.compile()
}

func (pc PolicyConfig) compile() (Policy, error) {
	p := DefaultPolicy()
	durs := []struct {
		key string
		in  string
		out *time.Duration
	}{
		{"policy.ttl.npm", pc.TTL.NPM, &p.NPMTTL},
		{"policy.ttl.core", pc.TTL.Core, &p.CoreTTL},
		{"policy.ttl.extension", pc.TTL.Extension, &p.ExtensionTTL},
		{"policy.ttl.theme", pc.TTL.Theme, &p.ThemeTTL},
		{"policy.ttl.emoji", pc.TTL.Emoji, &p.EmojiTTL},
		{"policy.ttl.inactive", pc.TTL.Inactive, &p.InactiveTTL},
		{"policy.ttl.inactiveRecentlyUpgraded", pc.TTL.InactiveRecentlyUpgraded, &p.InactiveRecentlyUpgradedTTL},
		{"policy.ttl.queued", pc.TTL.Queued, &p.QueuedTTL},
		{"policy.ttl.versions", pc.TTL.Versions, &p.VersionsTTL},
		{"policy.ttl.platformVersions", pc.TTL.PlatformVersions, &p.PlatformVersionsTTL},
		{"policy.recentlyUpgradedFor", pc.RecentlyUpgradedFor, &p.RecentlyUpgradedFor},
		{"policy.lockFor", pc.LockFor, &p.LockFor},
	}
	for _, d := range durs {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return Policy{}, fmt.Errorf("%s: must be positive", d.key)
		}
		*d.out = v
	}

	if pc.MaxPerDrain < 0 {
		return Policy{}, fmt.Errorf("policy.maxPerDrain: must not be negative")
	}
	if pc.MaxPerDrain > 0 {
		p.MaxPerDrain = pc.MaxPerDrain
	}
	boolOr(&p.StrictCompare, pc.StrictCompare)
	boolOr(&p.Integrity, pc.Integrity)
	boolOr(&p.ExposeInstalledPlatformMinor, pc.ExposeInstalled.PlatformMinor)
	boolOr(&p.ExposeInstalledPlatformMajor, pc.ExposeInstalled.PlatformMajor)
	boolOr(&p.ExposeInstalledExtension, pc.ExposeInstalled.Extension)
	boolOr(&p.ExposeInstalledTheme, pc.ExposeInstalled.Theme)
	boolOr(&p.DefaultThemeCoreFallback, pc.DefaultThemeCoreFallback)
	p.SkipCompare = append(p.SkipCompare, pc.SkipCompare...)
	return p, nil
}

func boolOr(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
