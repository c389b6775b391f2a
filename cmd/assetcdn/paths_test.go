package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetcdn/internal/mirror"
)

func testSnapshot(now time.Time) *mirror.Snapshot {
	s := mirror.NewSnapshot()
	s.Active["/wp-includes/js/b.js"] = mirror.ActivePath{RemotePath: "/gh/wordpress/wordpress@4.9.1/wp-includes/js/b.js", TTL: now.Add(48 * time.Hour)}
	s.Active["/wp-includes/js/a.js"] = mirror.ActivePath{RemotePath: "/gh/wordpress/wordpress@4.9.1/wp-includes/js/a.js", TTL: now.Add(48 * time.Hour)}
	s.Inactive["/wp-content/plugins/x/c.js"] = mirror.InactivePath{TTL: now.Add(-time.Hour)}
	s.Queue["/wp-content/themes/y/d.css"] = mirror.QueuedPath{Src: "https://example.com/wp-content/themes/y/d.css", Handle: "d", Type: mirror.DependencyStyle, TTL: now.Add(time.Hour)}
	return s
}

func TestCollectRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := testSnapshot(now)

	rows := collectRows(snap, "")
	require.Len(t, rows, 4)
	assert.Equal(t, "/wp-includes/js/a.js", rows[0].OriginPath)
	assert.Equal(t, "active", rows[1].State)
	assert.Equal(t, "inactive", rows[2].State)
	assert.Equal(t, "queue", rows[3].State)
	assert.Equal(t, "style", rows[3].Type)

	rows = collectRows(snap, "inactive")
	require.Len(t, rows, 1)
	assert.Equal(t, "/wp-content/plugins/x/c.js", rows[0].OriginPath)
}

func TestRenderRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderRows(&buf, collectRows(testSnapshot(now), ""), now)
	out := buf.String()

	assert.Contains(t, out, "Origin Path")
	assert.NotContains(t, out, "ORIGIN PATH")
	assert.Contains(t, out, "Remote Path / Source")
	assert.Contains(t, out, "/gh/wordpress/wordpress@4.9.1/wp-includes/js/a.js")
	assert.Contains(t, out, "https://example.com/wp-content/themes/y/d.css")
	assert.Contains(t, out, "2 days from now")
	assert.Contains(t, out, "1 hour ago")
}

func TestMaintenanceCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "assetcdn.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
site:
  url: https://example.com
  version: "4.9.1"
storage:
  path: `+filepath.Join(dir, "db")+`
logging:
  level: error
`), 0o644))

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("clean", "starting-with", "/wp-includes/")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 0 paths.\n", out)

	_, err = run("paths", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "there are no stored paths")

	_, err = run("paths", "list", "pending")
	assert.Error(t, err)

	out, err = run("queue", "process")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Processed 0 paths"), out)

	out, err = run("clean", "all")
	require.NoError(t, err)
	assert.Equal(t, "Deleted all stored paths.\n", out)
}
