package mirror

import (
	"crypto/sha512"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackagesMirrorPath(t *testing.T) {
	p := NewPackages([]PackageConfig{
		{Handle: "select2", Type: DependencyScript, Package: "select2", File: "dist/js/select2", Minified: ".min"},
		{Handle: "select2", Type: DependencyStyle, Package: "select2", File: "dist/css/select2", Minified: ".min"},
	})

	pkg, ok := p.Lookup("jquery-core", DependencyScript)
	require.True(t, ok)
	assert.Equal(t, "/npm/jquery@1.12.4/dist/jquery.min.js", pkg.MirrorPath("1.12.4", DependencyScript, false))
	assert.Equal(t, "/npm/jquery@1.12.4/dist/jquery.js", pkg.MirrorPath("1.12.4", DependencyScript, true))

	pkg, ok = p.Lookup("mediaelement", DependencyStyle)
	require.True(t, ok)
	assert.Equal(t, "/npm/mediaelement@4.2.6/build/mediaelementplayer-legacy.min.css", pkg.MirrorPath("4.2.6", DependencyStyle, false))

	pkg, ok = p.Lookup("select2", DependencyStyle)
	require.True(t, ok)
	assert.Equal(t, "/npm/select2@4.0.5/dist/css/select2.min.css", pkg.MirrorPath("4.0.5", DependencyStyle, false))

	_, ok = p.Lookup("jquery-core", DependencyStyle)
	assert.False(t, ok)
}

func TestNormalizerOnlyForMinifiedScripts(t *testing.T) {
	_, ok := normalizerFor("jquery-core", DependencyScript, false)
	assert.True(t, ok)
	_, ok = normalizerFor("jquery-core", DependencyScript, true)
	assert.False(t, ok)
	_, ok = normalizerFor("underscore", DependencyStyle, false)
	assert.False(t, ok)
}

func TestIntegrity(t *testing.T) {
	content := []byte("alert(1);")
	sum := sha512.Sum384(content)
	assert.Equal(t, "sha384-"+base64.StdEncoding.EncodeToString(sum[:]), Integrity(content))
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"100":   100,
		"512k":  512 << 10,
		"1.5kb": 1536,
		"16mb":  16 << 20,
		"2 GB":  2 << 30,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "b", "-1", "lots"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}

	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "16mb", formatBytes(16<<20))
}

func TestHitRatio(t *testing.T) {
	var s *statsCollector
	s.ObserveRewrite(outcomeHit)
	s.ObserveDrain(DrainReport{Skipped: true})

	s = newStatsCollector()
	assert.Zero(t, s.Snapshot().HitRatio())
	for _, o := range []string{outcomeHit, outcomeHit, outcomeHit, outcomeQueued, outcomeBypass} {
		s.ObserveRewrite(o)
	}
	ss := s.Snapshot()
	assert.Equal(t, uint64(1), ss.Bypass)
	assert.InDelta(t, 0.75, ss.HitRatio(), 1e-9)
}
