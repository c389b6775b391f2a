package mirror

import (
	"strings"
	"time"
)

// Policy holds every tunable of the resolution engine. It is resolved once
// from configuration and handed to the components that need it.
type Policy struct {
	NPMTTL       time.Duration
	CoreTTL      time.Duration
	ExtensionTTL time.Duration
	ThemeTTL     time.Duration
	EmojiTTL     time.Duration

	InactiveTTL                 time.Duration
	InactiveRecentlyUpgradedTTL time.Duration
	QueuedTTL                   time.Duration

	VersionsTTL         time.Duration
	PlatformVersionsTTL time.Duration

	MaxPerDrain int

	// StrictCompare requires byte equality between mirror and origin.
	// SkipCompare lists handles or origin-path prefixes exempt from it.
	StrictCompare bool
	SkipCompare   []string

	Integrity bool

	// ExposeInstalled* keep the installed version in mirror URLs when an
	// update is pending. Turning one off targets the newer release instead.
	ExposeInstalledPlatformMinor bool
	ExposeInstalledPlatformMajor bool
	ExposeInstalledExtension     bool
	ExposeInstalledTheme         bool

	DefaultThemeCoreFallback bool

	RecentlyUpgradedFor time.Duration
	LockFor             time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		NPMTTL:                       7 * 24 * time.Hour,
		CoreTTL:                      2 * 24 * time.Hour,
		ExtensionTTL:                 24 * time.Hour,
		ThemeTTL:                     3 * 24 * time.Hour,
		EmojiTTL:                     7 * 24 * time.Hour,
		InactiveTTL:                  24 * time.Hour,
		InactiveRecentlyUpgradedTTL:  15 * time.Minute,
		QueuedTTL:                    time.Hour,
		VersionsTTL:                  30 * time.Minute,
		PlatformVersionsTTL:          time.Hour,
		MaxPerDrain:                  10,
		StrictCompare:                true,
		Integrity:                    true,
		ExposeInstalledPlatformMinor: true,
		ExposeInstalledPlatformMajor: true,
		ExposeInstalledExtension:     true,
		ExposeInstalledTheme:         true,
		DefaultThemeCoreFallback:     true,
		RecentlyUpgradedFor:          3 * time.Hour,
		LockFor:                      5 * time.Minute,
	}
}

// skipsCompare reports whether content comparison is waived for the asset.
func (p Policy) skipsCompare(handle, path string) bool {
	if !p.StrictCompare {
		return true
	}
	for _, s := range p.SkipCompare {
		if s == "" {
			continue
		}
		if s == handle || strings.HasPrefix(path, s) {
			return true
		}
	}
	return false
}
