package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePathDefaultLayout(t *testing.T) {
	s := NewSite(SiteConfig{URL: "https://example.com/"})

	p, err := s.RelativePath("https://example.com/wp-includes/js/a.js?ver=1")
	require.NoError(t, err)
	assert.Equal(t, "/wp-includes/js/a.js?ver=1", p)

	p, err = s.RelativePath("https://example.com/wp-content/plugins/x/a.js")
	require.NoError(t, err)
	assert.Equal(t, "/wp-content/plugins/x/a.js", p)

	_, err = s.RelativePath("https://cdn.example.net/a.js")
	assert.Error(t, err)

	assert.Equal(t, "", s.Prefix("content"))
	assert.Equal(t, []string{"/wp-admin/", "/wp-includes/"}, s.DefaultDirPrefixes())
	assert.Equal(t, "/wp-content/plugins", s.pluginsDirRel())
	assert.Equal(t, "/wp-content/themes", s.themesDirRel())
}

func TestRelativePathCustomContentDir(t *testing.T) {
	s := NewSite(SiteConfig{URL: "https://example.com", ContentURL: "https://static.example.com/app"})

	p, err := s.RelativePath("https://static.example.com/app/plugins/x/a.js")
	require.NoError(t, err)
	assert.Equal(t, "#CONTENT#/plugins/x/a.js", p)
	assert.Equal(t, "/plugins/x/a.js", SanitizePath(p))

	p, err = s.RelativePath("https://example.com/wp-includes/js/a.js")
	require.NoError(t, err)
	assert.Equal(t, "#SITE#/wp-includes/js/a.js", p)
	assert.True(t, s.InDefaultDir(SanitizePath(p)))

	assert.Equal(t, []string{"#SITE#/wp-admin/", "#SITE#/wp-includes/"}, s.DefaultDirPrefixes())
	assert.Equal(t, "/plugins", s.pluginsDirRel())
	assert.Equal(t, "https://static.example.com/app/themes", s.ThemesURL())
}

func TestDefaultDirsAreMerged(t *testing.T) {
	s := NewSite(SiteConfig{
		URL:         "https://example.com",
		DefaultDirs: []string{"/core-admin/", "/wp-includes/", " ", "/core-admin/"},
	})
	assert.Equal(t, []string{"/wp-admin/", "/wp-includes/", "/core-admin/"}, s.DefaultDirs)
	assert.True(t, s.InDefaultDir("/wp-admin/js/a.js"))
	assert.True(t, s.InDefaultDir("/core-admin/js/a.js"))
	assert.False(t, s.InDefaultDir("/wp-content/plugins/x/a.js"))
}

func TestSiteLookups(t *testing.T) {
	s := NewSite(SiteConfig{
		URL: "https://example.com",
		Extensions: []ExtensionConfig{
			{Slug: "akismet", File: "akismet/akismet.php", Version: "4.0.1"},
			{Slug: "hello", File: "hello.php", Version: "1.6", Repository: "https://github.com/WordPress/Hello-Dolly.git"},
		},
		Assets: []AssetConfig{
			{Handle: "jquery-core", Type: DependencyScript, Version: "1.12.4"},
			{Handle: "no-version", Type: DependencyScript},
		},
	})

	e, ok := s.ExtensionByFile("akismet/akismet.php")
	require.True(t, ok)
	assert.Equal(t, "akismet", e.Slug)

	e, ok = s.ExtensionByFile("hello.php")
	require.True(t, ok)
	assert.Equal(t, "wordpress/hello-dolly.git", e.Repository)

	_, ok = s.ExtensionByFile("missing/missing.php")
	assert.False(t, ok)

	v, ok := s.AssetVersion(DependencyScript, "jquery-core")
	assert.True(t, ok)
	assert.Equal(t, "1.12.4", v)
	_, ok = s.AssetVersion(DependencyStyle, "jquery-core")
	assert.False(t, ok)
	_, ok = s.AssetVersion(DependencyScript, "no-version")
	assert.False(t, ok)
}

func TestSanitizeRepository(t *testing.T) {
	assert.Equal(t, "acme/repo", SanitizeRepository("https://github.com/Acme/Repo/"))
	assert.Equal(t, "acme/repo", SanitizeRepository(" Acme/Repo "))
	assert.Equal(t, "", SanitizeRepository(""))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/a.js", removeVerArg("/a.js?ver=1.2"))
	assert.Equal(t, "/a.js?b=2", removeVerArg("/a.js?ver=1.2&b=2"))
	assert.Equal(t, "/a.js", removeVerArg("/a.js"))

	assert.Equal(t, "js", pathExtension("/a.min.js?x=1.php"))
	assert.Equal(t, "css", pathExtension("/a.CSS"))
	assert.Equal(t, "", pathExtension("/dir.v2/file"))
	assert.Equal(t, "php", pathExtension("/wp-admin/load-scripts.php?c=1"))

	assert.Equal(t, "akismet", dirOf("akismet/akismet.php"))
	assert.Equal(t, "akismet", dirOf("/akismet/_inc/a.js"))
	assert.Equal(t, "hello.php", dirOf("hello.php"))
}
