package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"
)

const (
	keyPlatformVersions  = "versions:platform"
	keyExtensionVersions = "versions:extension"
	keyThemeVersions     = "versions:theme"
)

var emojiVersionRe = regexp.MustCompile(`emoji/(.*?[0-9.])/svg/`)

// ---- pure helpers ----

// StableVersion strips any prerelease suffix: "4.9.2-src" becomes "4.9.2".
func StableVersion(v string) string {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i]
	}
	return v
}

// BranchOf returns the major.minor release train of v.
func BranchOf(v string) string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' })
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

// GitHubTagFor returns the repository tag of a platform release. Tags are
// always three-part, so "4.9" becomes "4.9.0".
func GitHubTagFor(v string) string {
	v = StableVersion(v)
	if strings.Count(v, ".") == 1 {
		v += ".0"
	}
	return v
}

// PreviousMinorInBranch returns the release before v in the same branch:
// "4.9.2" gives "4.9.1" and "4.9.1" gives "4.9". A bare branch version has no
// predecessor.
func PreviousMinorInBranch(v string) (string, error) {
	v = StableVersion(v)
	parts := strings.Split(v, ".")
	if len(parts) == 3 {
		if n, err := strconv.Atoi(parts[2]); err == nil {
			switch {
			case n-1 > 0:
				parts[2] = strconv.Itoa(n - 1)
			case n-1 == 0:
				parts = parts[:2]
			}
		}
	}
	prev := strings.Join(parts, ".")
	if prev == v {
		return "", failf(KindVersionUnavailable, "", "no previous version in branch of %s", v)
	}
	return prev, nil
}

// VersionFromURL returns the "ver" query argument of a URL or path, or "".
func VersionFromURL(src string) string {
	i := strings.IndexByte(src, '?')
	if i < 0 {
		return ""
	}
	q, err := url.ParseQuery(src[i+1:])
	if err != nil {
		return ""
	}
	return q.Get("ver")
}

// EmojiVersionFromURL extracts the sprite-set version from an emoji directory
// URL such as https://s.w.org/images/core/emoji/2.4/svg/.
func EmojiVersionFromURL(src string) (string, error) {
	m := emojiVersionRe.FindStringSubmatch(src)
	if len(m) < 2 {
		return "", failf(KindVersionUnavailable, src, "could not find emoji version")
	}
	return m[1], nil
}

// CompareVersions orders two release strings. Values semver cannot parse are
// compared segment by segment, numerically where both segments are numbers.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return compareSegments(a, b)
}

func compareSegments(a, b string) int {
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' || r == '+' })
	}
	pa, pb := split(a), split(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x == y {
			continue
		}
		nx, ex := strconv.Atoi(x)
		ny, ey := strconv.Atoi(y)
		switch {
		case x == "":
			return -1
		case y == "":
			return 1
		case ex == nil && ey == nil:
			if nx < ny {
				return -1
			}
			return 1
		case x < y:
			return -1
		default:
			return 1
		}
	}
	return 0
}

// ---- registry lookups ----

type platformOffer struct {
	Response string `json:"response"`
	Version  string `json:"version"`
}

type cachedVersion struct {
	Version   string
	ExpiresAt time.Time
}

// VersionResolver answers "what is the latest release" questions against the
// public registries. Answers are cached in the KV store, apart from the
// resolution snapshot.
type VersionResolver struct {
	kv     KV
	fetch  Fetcher
	reg    RegistryConfig
	policy Policy
	log    *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

func NewVersionResolver(kv KV, fetch Fetcher, reg RegistryConfig, policy Policy, logger *slog.Logger) *VersionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionResolver{
		kv:     kv,
		fetch:  fetch,
		reg:    reg,
		policy: policy,
		log:    logger,
		now:    time.Now,
	}
}

func (v *VersionResolver) platformOffers(ctx context.Context) ([]platformOffer, error) {
	out, err, _ := v.group.Do(keyPlatformVersions, func() (any, error) {
		if b, ok, err := v.kv.Get(ctx, keyPlatformVersions); err == nil && ok {
			var offers []platformOffer
			if err := decodeGob(b, &offers); err == nil {
				return offers, nil
			}
		}

		registryLookups.WithLabelValues("platform").Inc()
		body, err := v.fetch.Fetch(ctx, v.reg.CoreVersionsURL)
		if err != nil {
			return nil, fail(KindVersionUnavailable, v.reg.CoreVersionsURL, err)
		}
		var resp struct {
			Offers []platformOffer `json:"offers"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(string(body))), &resp); err != nil {
			return nil, fail(KindVersionUnavailable, v.reg.CoreVersionsURL, err)
		}
		if resp.Offers == nil {
			return nil, failf(KindVersionUnavailable, v.reg.CoreVersionsURL, "response has no offers")
		}
		if b, err := encodeGob(resp.Offers); err == nil {
			if err := v.kv.Set(ctx, keyPlatformVersions, b, v.policy.PlatformVersionsTTL); err != nil {
				v.log.Error("cache platform versions", "error", err)
			}
		}
		return resp.Offers, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]platformOffer), nil
}

// LatestPlatformVersion returns the newest release offered as an upgrade.
func (v *VersionResolver) LatestPlatformVersion(ctx context.Context) (string, error) {
	offers, err := v.platformOffers(ctx)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, o := range offers {
		if o.Response != "upgrade" || o.Version == "" {
			continue
		}
		if latest == "" || CompareVersions(o.Version, latest) > 0 {
			latest = o.Version
		}
	}
	if latest == "" {
		return "", failf(KindVersionUnavailable, "", "latest platform version cannot be found")
	}
	return latest, nil
}

// LatestVersionInBranch returns the newest offered release in the branch of
// version.
func (v *VersionResolver) LatestVersionInBranch(ctx context.Context, version string) (string, error) {
	offers, err := v.platformOffers(ctx)
	if err != nil {
		return "", err
	}
	branch := BranchOf(version)
	latest := ""
	for _, o := range offers {
		if o.Version == "" || BranchOf(o.Version) != branch {
			continue
		}
		if latest == "" || CompareVersions(o.Version, latest) > 0 {
			latest = o.Version
		}
	}
	if latest == "" {
		return "", failf(KindVersionUnavailable, "", "latest platform version in branch %s cannot be found", branch)
	}
	return latest, nil
}

// LatestExtensionVersion returns the newest published release of e, from its
// source repository when it declares one.
func (v *VersionResolver) LatestExtensionVersion(ctx context.Context, e Extension) (string, error) {
	cacheKey := e.File
	if cacheKey == "" {
		cacheKey = e.Slug
	}
	return v.latestCached(ctx, keyExtensionVersions, cacheKey, func() (string, error) {
		if e.Repository != "" {
			return v.latestOnGitHub(ctx, e.Repository)
		}
		return v.latestOnRegistry(ctx, v.reg.ExtensionInfoURL, "plugin", e.Slug)
	})
}

func (v *VersionResolver) LatestThemeVersion(ctx context.Context, t Theme) (string, error) {
	return v.latestCached(ctx, keyThemeVersions, t.Slug, func() (string, error) {
		if t.Repository != "" {
			return v.latestOnGitHub(ctx, t.Repository)
		}
		return v.latestOnRegistry(ctx, v.reg.ThemeInfoURL, "theme", t.Slug)
	})
}

func (v *VersionResolver) latestCached(ctx context.Context, blobKey, key string, lookup func() (string, error)) (string, error) {
	out, err, _ := v.group.Do(blobKey+":"+key, func() (any, error) {
		now := v.now()
		if cached, ok := v.loadVersions(ctx, blobKey)[key]; ok && now.Before(cached.ExpiresAt) {
			return cached.Version, nil
		}

		version, err := lookup()
		if err != nil {
			return "", err
		}

		// re-read so concurrent lookups for other keys are not lost
		blob := v.loadVersions(ctx, blobKey)
		for k, c := range blob {
			if !now.Before(c.ExpiresAt) {
				delete(blob, k)
			}
		}
		blob[key] = cachedVersion{Version: version, ExpiresAt: now.Add(v.policy.VersionsTTL)}
		if b, err := encodeGob(blob); err == nil {
			if err := v.kv.Set(ctx, blobKey, b, v.policy.VersionsTTL); err != nil {
				v.log.Error("cache latest versions", "key", blobKey, "error", err)
			}
		}
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (v *VersionResolver) loadVersions(ctx context.Context, blobKey string) map[string]cachedVersion {
	blob := map[string]cachedVersion{}
	b, ok, err := v.kv.Get(ctx, blobKey)
	if err != nil || !ok {
		return blob
	}
	if err := decodeGob(b, &blob); err != nil {
		return map[string]cachedVersion{}
	}
	return blob
}

func (v *VersionResolver) latestOnGitHub(ctx context.Context, repo string) (string, error) {
	registryLookups.WithLabelValues("github").Inc()
	u := v.reg.GitHubAPI + "/repos/" + repo + "/tags"
	body, err := v.fetch.Fetch(ctx, u)
	if err != nil {
		return "", fail(KindVersionUnavailable, u, err)
	}
	var tags []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(body))), &tags); err != nil {
		return "", fail(KindVersionUnavailable, u, err)
	}
	if len(tags) == 0 || tags[0].Name == "" {
		return "", failf(KindVersionUnavailable, u, "latest version on GitHub cannot be found")
	}
	return tags[0].Name, nil
}

func (v *VersionResolver) latestOnRegistry(ctx context.Context, base, kind, slug string) (string, error) {
	registryLookups.WithLabelValues(kind).Inc()
	q := url.Values{}
	q.Set("action", kind+"_information")
	q.Set("request[slug]", slug)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	u := base + sep + q.Encode()

	body, err := v.fetch.Fetch(ctx, u)
	if err != nil {
		return "", fail(KindVersionUnavailable, u, err)
	}
	var info struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(body))), &info); err != nil {
		return "", fail(KindVersionUnavailable, u, err)
	}
	if info.Version == "" {
		return "", failf(KindVersionUnavailable, u, "latest %s version cannot be found", kind)
	}
	return info.Version, nil
}

// ClearCaches drops every cached registry answer.
func (v *VersionResolver) ClearCaches(ctx context.Context) error {
	if err := v.kv.Delete(ctx, keyPlatformVersions, keyExtensionVersions, keyThemeVersions); err != nil {
		return fmt.Errorf("clear version caches: %w", err)
	}
	return nil
}
