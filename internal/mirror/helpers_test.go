package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeHost serves canned bodies by path. Registry info requests are keyed by
// path plus "#" and the requested slug.
type fakeHost struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{files: map[string][]byte{}, hits: map[string]int{}}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

func (h *fakeHost) serve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if slug := r.URL.Query().Get("request[slug]"); slug != "" {
		key += "#" + slug
	}
	h.mu.Lock()
	h.hits[key]++
	b, ok := h.files[key]
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(b)
}

func (h *fakeHost) Put(path, body string) {
	h.mu.Lock()
	h.files[path] = []byte(body)
	h.mu.Unlock()
}

func (h *fakeHost) Remove(path string) {
	h.mu.Lock()
	delete(h.files, path)
	h.mu.Unlock()
}

func (h *fakeHost) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

// testWorld is an engine wired to an origin site, a mirror and the release
// registries, all served from memory.
type testWorld struct {
	origin   *fakeHost
	cdn      *fakeHost
	registry *fakeHost

	clock  *fakeClock
	cfg    Config
	kv     *LevelKV
	engine *Engine
}

const testConfig = `
server:
  sweepEvery: 1h
site:
  url: %[1]s
  version: "4.9.1"
  defaultDirs: ["/core-admin/", "/core-includes/"]
  defaultThemes: ["twentyseventeen"]
  extensions:
    - slug: akismet
      file: akismet/akismet.php
      version: "4.0.1"
    - slug: private-ext
      file: private-ext/private-ext.php
      version: "1.0"
      private: true
    - slug: gh-ext
      file: gh-ext/gh-ext.php
      version: "2.0.0"
      repository: https://github.com/Acme/GH-Ext/
  themes:
    - slug: twentyseventeen
      version: "1.4"
    - slug: custom
      version: "1.0"
  assets:
    - handle: jquery-core
      type: script
      version: "1.12.4"
mirror:
  baseURL: %[2]s
registry:
  coreVersionsURL: %[3]s/core/version-check/1.7/
  extensionInfoURL: %[3]s/plugins/info/1.2/
  themeInfoURL: %[3]s/themes/info/1.2/
  githubAPI: %[3]s/github
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemKV(t *testing.T, clock *fakeClock) *LevelKV {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	kv := NewLevelKV(db)
	if clock != nil {
		kv.now = clock.Now
	}
	return kv
}

func newTestWorld(t *testing.T, mutate ...func(*Config)) *testWorld {
	t.Helper()
	w := &testWorld{
		origin:   newFakeHost(t),
		cdn:      newFakeHost(t),
		registry: newFakeHost(t),
		clock:    newFakeClock(),
	}
	w.registry.Put("/core/version-check/1.7/", `{"offers":[{"response":"upgrade","version":"4.9.1"}]}`)

	cfg, err := ParseConfig([]byte(fmt.Sprintf(testConfig, w.origin.URL, w.cdn.URL, w.registry.URL)))
	require.NoError(t, err)
	for _, m := range mutate {
		m(&cfg)
	}
	w.cfg = cfg

	w.kv = newMemKV(t, w.clock)
	w.engine, err = NewEngine(cfg, w.kv, nil, testLogger())
	require.NoError(t, err)
	w.engine.SetClock(w.clock.Now)
	t.Cleanup(func() {
		w.engine.Close()
		_ = w.kv.Close()
	})
	return w
}

// asset publishes body at path on the origin and returns its full URL.
func (w *testWorld) asset(path, body string) string {
	w.origin.Put(path, body)
	return w.origin.URL + path
}

func (w *testWorld) resolve(t *testing.T, src, handle string, typ DependencyType) (Resolution, error) {
	t.Helper()
	key, err := w.engine.Site.RelativePath(src)
	require.NoError(t, err)
	return w.engine.Resolver.Resolve(context.Background(), Asset{OriginPath: key, Src: src, Handle: handle, Type: typ})
}

func boolPtr(v bool) *bool { return &v }
