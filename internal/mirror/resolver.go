package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"
)

const emojiProbeFile = "1f1f7-1f1f8.svg"

// Asset is a queued candidate: the origin path (cache key), the URL it was
// served from and how it was registered.
type Asset struct {
	OriginPath string
	Src        string
	Handle     string
	Type       DependencyType
}

// Resolution is a verified mirror mapping.
type Resolution struct {
	RemotePath string
	TTL        time.Time
	Integrity  string
	// Strategy names the candidate that produced the mapping.
	Strategy string
}

// MirrorLayout names the paths of the public mirror.
type MirrorLayout struct {
	BaseURL        string
	PlatformRepo   string
	ExtensionsPath string
	ThemesPath     string
}

func (m MirrorLayout) URL(remotePath string) string {
	return m.BaseURL + remotePath
}

// Resolver runs the candidate-strategy chain for one asset at a time.
type Resolver struct {
	site     *Site
	packages *Packages
	versions *VersionResolver
	upgrades *UpgradeFlag
	fetch    Fetcher
	layout   MirrorLayout
	policy   Policy
	log      *slog.Logger
	now      func() time.Time
}

func NewResolver(site *Site, packages *Packages, versions *VersionResolver, upgrades *UpgradeFlag, fetch Fetcher, layout MirrorLayout, policy Policy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		site:     site,
		packages: packages,
		versions: versions,
		upgrades: upgrades,
		fetch:    fetch,
		layout:   layout,
		policy:   policy,
		log:      logger,
		now:      time.Now,
	}
}

// attempt carries the per-asset state of one resolution; the origin body is
// fetched at most once however many candidates are tried.
type attempt struct {
	r    *Resolver
	in   Asset
	path string // origin path without disambiguation prefix

	origin    []byte
	originErr error
	fetched   bool
}

func (a *attempt) originContent(ctx context.Context) ([]byte, error) {
	if !a.fetched {
		a.fetched = true
		a.origin, a.originErr = a.r.fetch.Fetch(ctx, a.in.Src)
	}
	return a.origin, a.originErr
}

// Resolve maps an asset to a verified mirror path or fails with a classified
// *ResolveError.
func (r *Resolver) Resolve(ctx context.Context, in Asset) (Resolution, error) {
	path := SanitizePath(in.OriginPath)
	ext := pathExtension(path)
	if ext == "" || ext == "php" {
		return Resolution{}, failf(KindNotApplicable, in.OriginPath, "dynamic or extensionless file")
	}

	a := &attempt{r: r, in: in, path: path}
	res, npmErr := a.npm(ctx)
	if npmErr == nil {
		return res, nil
	}

	switch {
	case r.site.InDefaultDir(path):
		return a.core(ctx)
	case strings.HasPrefix(in.Src, r.site.PluginsURL()):
		return a.extension(ctx)
	case strings.HasPrefix(in.Src, r.site.ThemesURL()):
		return a.theme(ctx)
	}
	if KindOf(npmErr) != KindNotApplicable {
		return Resolution{}, npmErr
	}
	return Resolution{}, failf(KindNotApplicable, in.OriginPath, "no candidate strategy applies")
}

// ResolveEmojiDir maps the emoji sprite directory to the mirrored sprite
// package. Only presence of a known sprite is checked.
func (r *Resolver) ResolveEmojiDir(ctx context.Context, src string) (Resolution, error) {
	ver, err := EmojiVersionFromURL(src)
	if err != nil {
		return Resolution{}, err
	}
	remotePath := "/npm/twemoji@" + ver + "/2/svg/"
	if _, err := r.fetch.Fetch(ctx, r.layout.URL(remotePath+emojiProbeFile)); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		RemotePath: remotePath,
		TTL:        r.now().Add(r.policy.EmojiTTL),
		Strategy:   "emoji",
	}, nil
}

func (a *attempt) active(strategy, remotePath string, remote []byte, ttl time.Duration) Resolution {
	res := Resolution{
		RemotePath: remotePath,
		TTL:        a.r.now().Add(ttl),
		Strategy:   strategy,
	}
	if a.r.policy.Integrity {
		res.Integrity = Integrity(remote)
	}
	return res
}

// compare fetches the mirror copy and checks it against the origin body.
func (a *attempt) compare(ctx context.Context, remotePath string) ([]byte, error) {
	remoteURL := a.r.layout.URL(remotePath)
	remote, err := a.r.fetch.Fetch(ctx, remoteURL)
	if err != nil {
		return nil, err
	}
	origin, err := a.originContent(ctx)
	if err != nil {
		return nil, err
	}
	if err := verify(remote, origin, false, remoteURL); err != nil {
		return nil, err
	}
	return remote, nil
}

func (a *attempt) npm(ctx context.Context) (Resolution, error) {
	r := a.r
	pkg, ok := r.packages.Lookup(a.in.Handle, a.in.Type)
	if !ok {
		return Resolution{}, failf(KindNotApplicable, a.in.OriginPath, "handle %q has no package data", a.in.Handle)
	}
	version, ok := r.site.AssetVersion(a.in.Type, a.in.Handle)
	if !ok {
		version = VersionFromURL(a.in.Src)
	}
	if version == "" {
		return Resolution{}, failf(KindVersionUnavailable, a.in.OriginPath, "no version for handle %q", a.in.Handle)
	}

	remotePath := pkg.MirrorPath(version, a.in.Type, r.site.ScriptDebug)
	remoteURL := r.layout.URL(remotePath)
	remote, err := r.fetch.Fetch(ctx, remoteURL)
	if err != nil {
		return Resolution{}, err
	}
	origin, err := a.originContent(ctx)
	if err != nil {
		return Resolution{}, err
	}

	if !bytes.Equal(remote, origin) {
		o, m := origin, remote
		if n, ok := normalizerFor(a.in.Handle, a.in.Type, r.site.ScriptDebug); ok {
			o, m = n(origin, remote)
		}
		if err := verify(m, o, r.policy.skipsCompare(a.in.Handle, a.path), remoteURL); err != nil {
			return Resolution{}, err
		}
	}
	// integrity always covers the bytes the mirror serves
	return a.active("npm", remotePath, remote, r.policy.NPMTTL), nil
}

func (a *attempt) github(ctx context.Context, repo, tag, file string, ttl time.Duration) (Resolution, error) {
	remotePath := "/gh/" + repo + "@" + tag + file
	remote, err := a.compare(ctx, remotePath)
	if err != nil {
		return Resolution{}, err
	}
	return a.active("github", remotePath, remote, ttl), nil
}

func (a *attempt) core(ctx context.Context) (Resolution, error) {
	r := a.r
	installed := r.site.Version
	version := installed

	latest, err := r.versions.LatestPlatformVersion(ctx)
	if err != nil {
		return Resolution{}, err
	}

	majorOptOut := false
	if CompareVersions(latest, version) > 0 {
		branchLatest, err := r.versions.LatestVersionInBranch(ctx, version)
		if err != nil {
			return Resolution{}, err
		}
		if branchLatest != latest && CompareVersions(branchLatest, version) == 0 {
			// installed is the newest of its branch, a newer branch exists
			if !r.policy.ExposeInstalledPlatformMajor {
				version = latest
				majorOptOut = true
			}
		} else if !r.policy.ExposeInstalledPlatformMinor {
			version = branchLatest
		}
	}

	file := removeVerArg(a.path)
	res, err := a.github(ctx, r.layout.PlatformRepo, GitHubTagFor(version), file, r.policy.CoreTTL)
	if err == nil {
		res.Strategy = "core"
		return res, nil
	}
	lastErr := err

	if !majorOptOut && r.upgrades.IsSet(ctx) {
		if prev, perr := PreviousMinorInBranch(installed); perr == nil {
			res, err := a.github(ctx, r.layout.PlatformRepo, GitHubTagFor(prev), file, r.policy.CoreTTL)
			if err == nil {
				res.Strategy = "core"
				return res, nil
			}
			lastErr = err
		}
	}

	if version != latest {
		res, err := a.github(ctx, r.layout.PlatformRepo, GitHubTagFor(latest), file, r.policy.CoreTTL)
		if err == nil {
			res.Strategy = "core"
			return res, nil
		}
		lastErr = err
	}

	return Resolution{}, fail(KindNotFound, a.in.OriginPath, lastErr)
}

func (a *attempt) extension(ctx context.Context) (Resolution, error) {
	r := a.r
	rel := strings.Replace(a.in.Src, r.site.PluginsURL(), "", 1)
	slug := dirOf(rel)
	ext, ok := r.site.Extension(slug)
	if !ok {
		return Resolution{}, failf(KindNotFound, a.in.OriginPath, "unknown extension %q", slug)
	}

	version := ext.Version
	if !r.policy.ExposeInstalledExtension {
		latest, err := r.versions.LatestExtensionVersion(ctx, ext)
		if err != nil {
			return Resolution{}, err
		}
		if CompareVersions(latest, version) > 0 {
			version = latest
		}
	}

	file := removeVerArg(strings.Replace(rel, "/"+slug, "", 1))

	if ext.Repository != "" {
		if res, err := a.github(ctx, ext.Repository, version, file, r.policy.ExtensionTTL); err == nil {
			return res, nil
		}
	}
	if ext.Private {
		return Resolution{}, failf(KindNotPubliclyHosted, a.in.OriginPath, "extension %q is not publicly hosted", slug)
	}

	remotePath := r.layout.ExtensionsPath + "/" + slug + "/tags/" + version + file
	remote, err := a.compare(ctx, remotePath)
	if err != nil {
		return Resolution{}, err
	}
	return a.active("extension", remotePath, remote, r.policy.ExtensionTTL), nil
}

func (a *attempt) theme(ctx context.Context) (Resolution, error) {
	r := a.r
	rel := strings.Replace(a.in.Src, r.site.ThemesURL(), "", 1)
	slug := dirOf(rel)
	theme, ok := r.site.Theme(slug)
	if !ok {
		return Resolution{}, failf(KindNotFound, a.in.OriginPath, "unknown theme %q", slug)
	}

	version := theme.Version
	updateOptOut := false
	if !r.policy.ExposeInstalledTheme {
		latest, err := r.versions.LatestThemeVersion(ctx, theme)
		if err != nil {
			return Resolution{}, err
		}
		if CompareVersions(latest, version) > 0 {
			version = latest
			updateOptOut = true
		}
	}

	file := strings.Replace(removeVerArg(rel), "/"+slug, "", 1)

	if theme.Repository != "" {
		if res, err := a.github(ctx, theme.Repository, version, file, r.policy.ThemeTTL); err == nil {
			return res, nil
		}
	}
	if theme.Private {
		return Resolution{}, failf(KindNotPubliclyHosted, a.in.OriginPath, "theme %q is not publicly hosted", slug)
	}

	remotePath := r.layout.ThemesPath + "/" + slug + "/" + version + file
	remote, err := a.compare(ctx, remotePath)
	if err != nil {
		if !updateOptOut && r.policy.DefaultThemeCoreFallback && r.site.DefaultThemes[slug] {
			return a.core(ctx)
		}
		return Resolution{}, err
	}
	return a.active("theme", remotePath, remote, r.policy.ThemeTTL), nil
}
