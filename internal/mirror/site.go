package mirror

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	prefixSite    = "#SITE#"
	prefixContent = "#CONTENT#"
)

var relativePrefixRe = regexp.MustCompile(`#(SITE|CONTENT)#`)

type Extension struct {
	Slug    string
	File    string
	Version string
	// Repository is an owner/name pair when the extension is also published
	// from a source repository.
	Repository string
	Private    bool
}

type Theme struct {
	Slug       string
	Version    string
	Repository string
	Private    bool
}

// Site describes the installation whose assets are being mapped: where it is
// served from, what is installed and which asset versions were registered.
type Site struct {
	siteURL    string
	contentURL string
	pluginsURL string
	themesURL  string

	Version       string
	DefaultDirs   []string
	DefaultThemes map[string]bool
	ScriptDebug   bool

	extensions map[string]Extension
	themes     map[string]Theme
	assets     map[assetKey]string
}

type assetKey struct {
	typ    DependencyType
	handle string
}

func NewSite(sc SiteConfig) *Site {
	siteURL := strings.TrimRight(sc.URL, "/")
	contentURL := strings.TrimRight(sc.ContentURL, "/")
	if contentURL == "" {
		contentURL = siteURL + "/wp-content"
	}
	pluginsURL := strings.TrimRight(sc.PluginsURL, "/")
	if pluginsURL == "" {
		pluginsURL = contentURL + "/plugins"
	}
	themesURL := strings.TrimRight(sc.ThemesURL, "/")
	if themesURL == "" {
		themesURL = contentURL + "/themes"
	}

	s := &Site{
		siteURL:       siteURL,
		contentURL:    contentURL,
		pluginsURL:    pluginsURL,
		themesURL:     themesURL,
		Version:       sc.Version,
		DefaultDirs:   mergeDirs([]string{"/wp-admin/", "/wp-includes/"}, sc.DefaultDirs),
		DefaultThemes: map[string]bool{},
		ScriptDebug:   sc.ScriptDebug,
		extensions:    map[string]Extension{},
		themes:        map[string]Theme{},
		assets:        map[assetKey]string{},
	}
	for _, t := range sc.DefaultThemes {
		s.DefaultThemes[t] = true
	}
	for _, e := range sc.Extensions {
		s.extensions[e.Slug] = Extension{
			Slug:       e.Slug,
			File:       e.File,
			Version:    e.Version,
			Repository: SanitizeRepository(e.Repository),
			Private:    e.Private,
		}
	}
	for _, t := range sc.Themes {
		s.themes[t.Slug] = Theme{
			Slug:       t.Slug,
			Version:    t.Version,
			Repository: SanitizeRepository(t.Repository),
			Private:    t.Private,
		}
	}
	for _, a := range sc.Assets {
		s.assets[assetKey{a.Type, a.Handle}] = a.Version
	}
	return s
}

// RootURL returns the root that relative paths of the given kind ("site" or
// "content") are computed against. With the default layout, where content
// lives in /wp-content under the site, both kinds share the site root.
func (s *Site) RootURL(kind string) string {
	if s.contentURL == s.siteURL+"/wp-content" {
		return s.siteURL
	}
	if kind == "content" {
		return s.contentURL
	}
	return s.siteURL
}

// Prefix returns the disambiguation prefix for relative paths of kind, or ""
// when both roots coincide.
func (s *Site) Prefix(kind string) string {
	if s.RootURL("content") == s.RootURL("site") {
		return ""
	}
	if kind == "content" {
		return prefixContent
	}
	return prefixSite
}

func (s *Site) PluginsURL() string { return s.pluginsURL }
func (s *Site) ThemesURL() string  { return s.themesURL }

// RelativePath maps a full asset URL to its origin path, the cache key.
func (s *Site) RelativePath(src string) (string, error) {
	siteRoot := s.RootURL("site")
	contentRoot := s.RootURL("content")

	var path string
	switch {
	case contentRoot == siteRoot:
		path = strings.ReplaceAll(src, siteRoot, "")
	case strings.HasPrefix(src, contentRoot):
		path = prefixContent + strings.ReplaceAll(src, contentRoot, "")
	case strings.HasPrefix(src, siteRoot):
		path = prefixSite + strings.ReplaceAll(src, siteRoot, "")
	default:
		return "", fmt.Errorf("url %q is not from this site", src)
	}
	if path == src {
		return "", fmt.Errorf("url %q is not from this site", src)
	}
	return path, nil
}

// SanitizePath strips the disambiguation prefixes from an origin path.
func SanitizePath(path string) string {
	return relativePrefixRe.ReplaceAllString(path, "")
}

func (s *Site) InDefaultDir(path string) bool {
	for _, d := range s.DefaultDirs {
		if strings.HasPrefix(path, d) {
			return true
		}
	}
	return false
}

// DefaultDirPrefixes returns the default directories as origin-path
// prefixes, as stored in the snapshot.
func (s *Site) DefaultDirPrefixes() []string {
	p := s.Prefix("site")
	out := make([]string, 0, len(s.DefaultDirs))
	for _, d := range s.DefaultDirs {
		out = append(out, p+d)
	}
	return out
}

func (s *Site) Extension(slug string) (Extension, bool) {
	e, ok := s.extensions[slug]
	return e, ok
}

// ExtensionByFile finds an extension by its main file ("akismet/akismet.php")
// or, failing that, by its slug.
func (s *Site) ExtensionByFile(file string) (Extension, bool) {
	for _, e := range s.extensions {
		if e.File == file {
			return e, true
		}
	}
	return s.Extension(dirOf(file))
}

func (s *Site) Theme(slug string) (Theme, bool) {
	t, ok := s.themes[slug]
	return t, ok
}

// AssetVersion returns the version an asset was registered with.
func (s *Site) AssetVersion(typ DependencyType, handle string) (string, bool) {
	v, ok := s.assets[assetKey{typ, handle}]
	return v, ok && v != ""
}

// pluginsDirRel is the plugins directory relative to the content root, e.g.
// "/wp-content/plugins" with the default layout or "/plugins" with a custom
// content directory.
func (s *Site) pluginsDirRel() string {
	return strings.Replace(s.pluginsURL, s.RootURL("content"), "", 1)
}

func (s *Site) themesDirRel() string {
	return strings.Replace(s.themesURL, s.RootURL("content"), "", 1)
}

// SanitizeRepository turns a repository URL or owner/name pair into a
// lowercase owner/name pair.
func SanitizeRepository(repo string) string {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return ""
	}
	if u, err := url.Parse(repo); err == nil && u.Host != "" {
		repo = u.Path
	}
	return strings.Trim(strings.ToLower(repo), "/")
}

// dirOf returns the first directory of a slash-separated path.
func dirOf(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// removeVerArg drops the "ver" query argument from a path, keeping any other
// arguments.
func removeVerArg(path string) string {
	i := strings.IndexByte(path, '?')
	if i < 0 {
		return path
	}
	q, err := url.ParseQuery(path[i+1:])
	if err != nil {
		return path[:i]
	}
	q.Del("ver")
	if len(q) == 0 {
		return path[:i]
	}
	return path[:i] + "?" + q.Encode()
}

// pathExtension returns the lowercased extension of the path part of p.
func pathExtension(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	slash := strings.LastIndexByte(p, '/')
	dot := strings.LastIndexByte(p, '.')
	if dot < 0 || dot < slash {
		return ""
	}
	return strings.ToLower(p[dot+1:])
}

// mergeDirs appends extra to base, skipping blanks and duplicates.
func mergeDirs(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, d := range append(append([]string(nil), base...), extra...) {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
