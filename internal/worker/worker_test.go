package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/cachestore"
	"swcache/internal/host"
	"swcache/internal/network"
	"swcache/internal/strategy"
)

type fakeNet struct {
	mu      sync.Mutex
	pages   map[string]string
	offline bool
	calls   map[string]int
}

func newFakeNet(extra map[string]string) *fakeNet {
	pages := map[string]string{
		"/":              "home",
		"/offline":       "offline page",
		"/manifest.json": "{}",
		"/favicon.ico":   "ico",
	}
	for k, v := range extra {
		pages[k] = v
	}
	return &fakeNet{pages: pages, calls: map[string]int{}}
}

func (f *fakeNet) Fetch(_ context.Context, r *http.Request) (cachestore.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := r.URL.RequestURI()
	f.calls[uri]++
	if f.offline {
		return cachestore.Entry{}, network.ErrOffline
	}
	body, ok := f.pages[uri]
	if !ok {
		return cachestore.Entry{URL: uri, Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	ent := cachestore.Entry{
		URL:    uri,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
	ent.Checksum()
	return ent, nil
}

func (f *fakeNet) SameOrigin(u *url.URL) bool {
	return !u.IsAbs() || u.Host == "origin.test"
}

func (f *fakeNet) set(path, body string) {
	f.mu.Lock()
	f.pages[path] = body
	f.mu.Unlock()
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeNet) callsTo(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func testSettings(version string) Settings {
	return Settings{
		Name:        "site",
		Version:     version,
		OfflinePage: "/offline",
		Precache:    []string{"/", "/offline", "/manifest.json", "/favicon.ico"},
		Strategies:  strategy.DefaultTable(),
	}
}

type env struct {
	t       *testing.T
	storage *cachestore.Storage
	net     *fakeNet
	host    *host.Host
	reg     *host.Registration

	mu     sync.Mutex
	script *Script
}

func newEnv(t *testing.T, settings Settings, extra map[string]string) *env {
	t.Helper()
	return newEnvWith(t, cachestore.NewMemory(0), settings, extra)
}

func newEnvWith(t *testing.T, backend cachestore.Backend, settings Settings, extra map[string]string) *env {
	t.Helper()
	e := &env{t: t, net: newFakeNet(extra)}
	e.storage = cachestore.New(backend, cachestore.Options{})
	t.Cleanup(func() { _ = e.storage.Close() })

	e.script = e.newScript(settings)
	e.host = host.New(host.Options{
		Source: host.ScriptSourceFunc(func(context.Context) (host.Script, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.script, nil
		}),
		Network: e.net,
	})
	t.Cleanup(e.host.Close)

	reg, err := e.host.Register(context.Background())
	require.NoError(t, err)
	e.host.Settle()
	e.reg = reg
	return e
}

func (e *env) newScript(settings Settings) *Script {
	sc, err := New(settings, Deps{Storage: e.storage, Network: e.net})
	require.NoError(e.t, err)
	e.t.Cleanup(sc.Close)
	return sc
}

func (e *env) deploy(settings Settings) *Script {
	sc := e.newScript(settings)
	e.mu.Lock()
	e.script = sc
	e.mu.Unlock()
	require.NoError(e.t, e.reg.Update(context.Background()))
	e.host.Settle()
	return sc
}

func (e *env) get(path string, header ...string) cachestore.Entry {
	e.t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	ent, handled, err := e.host.Fetch(context.Background(), "", r)
	require.NoError(e.t, err)
	require.True(e.t, handled, "request %s should be intercepted", path)
	return ent
}

func (e *env) flush() {
	require.NoError(e.t, e.storage.Flush(context.Background()))
}

func (e *env) keys(store string) []string {
	st, err := e.storage.Open(context.Background(), store)
	require.NoError(e.t, err)
	keys, err := st.Keys(context.Background())
	require.NoError(e.t, err)
	return keys
}

func TestInstall_PrecachesManifest(t *testing.T) {
	e := newEnv(t, testSettings("v1"), nil)

	require.NotNil(t, e.reg.Active())
	assert.Equal(t, host.StateActivated, e.reg.Active().State())
	assert.Equal(t,
		[]string{"GET /", "GET /favicon.ico", "GET /manifest.json", "GET /offline"},
		e.keys("site-static-v1"))
}

func TestInstall_UnreachableAssetFailsAtomically(t *testing.T) {
	s := testSettings("v1")
	s.Precache = append(s.Precache, "/missing.css")
	e := newEnv(t, s, nil)

	assert.Nil(t, e.reg.Active())
	assert.Nil(t, e.reg.Waiting())
	assert.Empty(t, e.keys("site-static-v1"))
}

func TestCacheFirst_SecondRequestSkipsNetwork(t *testing.T) {
	e := newEnv(t, testSettings("v1"), map[string]string{"/assets/logo.png": "png-bytes"})

	first := e.get("/assets/logo.png")
	assert.Equal(t, "png-bytes", string(first.Body))
	assert.Equal(t, "cache-first", first.Header.Get(HeaderStrategy))
	assert.Equal(t, "network", first.Header.Get(HeaderSource))
	assert.Equal(t, 1, e.net.callsTo("/assets/logo.png"))

	e.flush()
	second := e.get("/assets/logo.png")
	assert.Equal(t, "png-bytes", string(second.Body))
	assert.Equal(t, "cache", second.Header.Get(HeaderSource))
	assert.Equal(t, 1, e.net.callsTo("/assets/logo.png"))
}

func TestCacheFirst_NonOKResponseIsNotStored(t *testing.T) {
	e := newEnv(t, testSettings("v1"), nil)

	ent := e.get("/assets/gone.js")
	assert.Equal(t, http.StatusNotFound, ent.Status)
	e.flush()
	e.get("/assets/gone.js")
	assert.Equal(t, 2, e.net.callsTo("/assets/gone.js"))
}

func TestNetworkFirst(t *testing.T) {
	t.Run("offline without copy yields synthetic 503", func(t *testing.T) {
		e := newEnv(t, testSettings("v1"), nil)
		e.net.setOffline(true)

		ent := e.get("/api/data")
		assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
		assert.Equal(t, "Offline", string(ent.Body))
		assert.Equal(t, "offline", ent.Header.Get(HeaderSource))
		assert.Equal(t, "network-first", ent.Header.Get(HeaderStrategy))
	})

	t.Run("offline with prior copy serves the copy", func(t *testing.T) {
		e := newEnv(t, testSettings("v1"), map[string]string{"/api/data": `{"n":1}`})
		assert.Equal(t, `{"n":1}`, string(e.get("/api/data").Body))
		e.flush()

		e.net.setOffline(true)
		ent := e.get("/api/data")
		assert.Equal(t, http.StatusOK, ent.Status)
		assert.Equal(t, `{"n":1}`, string(ent.Body))
		assert.Equal(t, "cache", ent.Header.Get(HeaderSource))
	})

	t.Run("offline navigation gets the offline page", func(t *testing.T) {
		e := newEnv(t, testSettings("v1"), nil)
		e.net.setOffline(true)

		ent := e.get("/services/anxiety", "Sec-Fetch-Mode", "navigate")
		assert.Equal(t, http.StatusOK, ent.Status)
		assert.Equal(t, "offline page", string(ent.Body))
		assert.Equal(t, "offline", ent.Header.Get(HeaderSource))
	})

	t.Run("precached page is served from the static store", func(t *testing.T) {
		e := newEnv(t, testSettings("v1"), nil)
		e.net.setOffline(true)

		ent := e.get("/", "Accept", "text/html")
		assert.Equal(t, "home", string(ent.Body))
		assert.Equal(t, "cache", ent.Header.Get(HeaderSource))
	})
}

func TestStaleWhileRevalidate_ServesCachedThenRefreshes(t *testing.T) {
	e := newEnv(t, testSettings("v1"), map[string]string{"/photo.webp": "old"})

	assert.Equal(t, "old", string(e.get("/photo.webp").Body))
	e.flush()

	e.net.set("/photo.webp", "new")
	stale := e.get("/photo.webp")
	assert.Equal(t, "old", string(stale.Body))
	assert.Equal(t, "cache", stale.Header.Get(HeaderSource))
	assert.Equal(t, "stale-while-revalidate", stale.Header.Get(HeaderStrategy))

	e.script.Wait()
	e.flush()
	assert.Equal(t, "new", string(e.get("/photo.webp").Body))
	e.script.Wait()
	assert.Equal(t, 4, e.net.callsTo("/photo.webp"))
}

func TestStaleWhileRevalidate_IgnoresStaticStore(t *testing.T) {
	s := testSettings("v1")
	s.Precache = append(s.Precache, "/hero.webp")
	e := newEnv(t, s, map[string]string{"/hero.webp": "precached"})

	e.net.set("/hero.webp", "fresh")
	ent := e.get("/hero.webp")
	assert.Equal(t, "fresh", string(ent.Body))
	assert.Equal(t, "network", ent.Header.Get(HeaderSource))
}

func TestFetch_LeavesNonGetAndCrossOriginAlone(t *testing.T) {
	e := newEnv(t, testSettings("v1"), nil)
	ctx := context.Background()

	_, handled, err := e.host.Fetch(ctx, "", httptest.NewRequest(http.MethodPost, "/contact", nil))
	require.NoError(t, err)
	assert.False(t, handled)

	_, handled, err = e.host.Fetch(ctx, "", httptest.NewRequest(http.MethodGet, "http://cdn.example/lib.js", nil))
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestActivate_PurgesObsoleteStores(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testSettings("a"), map[string]string{"/assets/app.js": "js"})
	e.get("/assets/app.js")
	e.flush()

	names, err := e.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-runtime-a", "site-static-a"}, names)

	e.deploy(testSettings("b"))
	assert.Equal(t, testSettings("b").Token(), e.reg.Active().Token())

	names, err = e.storage.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "site-static-a")
	assert.NotContains(t, names, "site-runtime-a")
	assert.Contains(t, names, "site-static-b")
}

func TestActivate_KeepsCurrentStores(t *testing.T) {
	e := newEnv(t, testSettings("v1"), map[string]string{"/assets/app.js": "js"})
	first := e.reg.Active()
	e.get("/assets/app.js")
	e.flush()

	next := testSettings("v1")
	next.Build = "2026-10-17"
	e.deploy(next)
	require.NotSame(t, first, e.reg.Active())
	assert.Equal(t, next.Token(), e.reg.Active().Token())

	ent := e.get("/assets/app.js")
	assert.Equal(t, "cache", ent.Header.Get(HeaderSource))
	assert.Equal(t, 1, e.net.callsTo("/assets/app.js"))
}

func TestMessage_CacheURLs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testSettings("v1"), map[string]string{"/a.css": "a", "/b.css": "b"})

	err := e.reg.Active().Dispatch(ctx, NewCacheURLsMessage([]string{"/a.css", "/b.css"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /a.css", "GET /b.css"}, e.keys("site-runtime-v1"))
}

func TestMessage_Malformed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testSettings("v1"), nil)
	v := e.reg.Active()

	tests := []struct {
		name string
		msg  host.Message
	}{
		{"unknown type", host.Message{Type: "RELOAD"}},
		{"missing payload", host.Message{Type: host.MessageCacheURLs}},
		{"wrong payload shape", host.Message{Type: host.MessageCacheURLs, Payload: json.RawMessage(`{"urls":"nope"}`)}},
		{"empty url list", host.Message{Type: host.MessageCacheURLs, Payload: json.RawMessage(`{"urls":[]}`)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Dispatch(ctx, tc.msg), ErrMalformedMessage)
		})
	}
	assert.Equal(t, host.StateActivated, v.State())
}

func TestMessage_ClearCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testSettings("v1"), map[string]string{"/assets/app.js": "js"})

	require.NoError(t, e.reg.Active().Dispatch(ctx, host.Message{Type: host.MessageClearCache}))
	names, err := e.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-runtime-v1"}, names)
	assert.Empty(t, e.keys("site-runtime-v1"))

	e.get("/assets/app.js")
	e.flush()
	assert.Equal(t, []string{"GET /assets/app.js"}, e.keys("site-runtime-v1"))
}

func TestSettings_Token(t *testing.T) {
	base := testSettings("v1")
	assert.Len(t, base.Token(), 12)
	assert.Equal(t, base.Token(), testSettings("v1").Token())

	build := testSettings("v1")
	build.Build = "abc"
	assert.NotEqual(t, base.Token(), build.Token())

	rules := testSettings("v1")
	rules.Strategies.CacheFirst = append([]string{`^/fonts/`}, rules.Strategies.CacheFirst...)
	assert.NotEqual(t, base.Token(), rules.Token())

	assert.Equal(t, "site-static-v1", base.StaticStore())
	assert.Equal(t, "site-runtime-v1", base.RuntimeStore())
}

func TestSource_ReusesScriptWhileTokenIsUnchanged(t *testing.T) {
	storage := cachestore.New(cachestore.NewMemory(0), cachestore.Options{})
	defer storage.Close()

	settings := testSettings("v1")
	src := NewSource(func(context.Context) (Settings, error) { return settings, nil },
		Deps{Storage: storage, Network: newFakeNet(nil)})
	defer src.Close()

	a, err := src.Load(context.Background())
	require.NoError(t, err)
	b, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)

	settings.Build = "next"
	c, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.Token(), c.Token())
	assert.Same(t, c, src.Current())
}

func TestFetch_SupersededVersionDoesNotRecreateItsStore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testSettings("v1"), map[string]string{"/assets/app.js": "js"})
	old := e.script

	e.deploy(testSettings("v2"))
	require.Equal(t, testSettings("v2").Token(), e.reg.Active().Token())

	// A request the old version was still answering finishes after the purge.
	r := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	ent, handled := old.fetch(ctx, &host.FetchEvent{Request: r})
	require.True(t, handled)
	assert.Equal(t, "js", string(ent.Body))
	old.Wait()
	e.flush()

	names, err := e.storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-runtime-v2", "site-static-v2"}, names)
}

// stallingBackend blocks every single-entry write until released, then fails it.
type stallingBackend struct {
	*cachestore.Memory
	entered chan string
	release chan struct{}
}

func (b *stallingBackend) Put(context.Context, string, string, cachestore.Entry) error {
	b.entered <- "put"
	<-b.release
	return errors.New("disk full")
}

func TestCacheFirst_SlowWriteDoesNotDelayResponse(t *testing.T) {
	b := &stallingBackend{
		Memory:  cachestore.NewMemory(0),
		entered: make(chan string, 1),
		release: make(chan struct{}),
	}
	e := newEnvWith(t, b, testSettings("v1"), map[string]string{"/assets/app.js": "js"})
	var once sync.Once
	unblock := func() { once.Do(func() { close(b.release) }) }
	t.Cleanup(unblock)

	type result struct {
		ent     cachestore.Entry
		handled bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		ent, handled, err := e.host.Fetch(context.Background(), "", httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
		done <- result{ent, handled, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response waited for the cache write")
	}
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cache write never started")
	}

	require.NoError(t, res.err)
	require.True(t, res.handled)
	unblock()
	e.flush()

	assert.Equal(t, http.StatusOK, res.ent.Status)
	assert.Equal(t, "js", string(res.ent.Body))
	assert.Equal(t, "network", res.ent.Header.Get(HeaderSource))
	assert.Empty(t, e.keys("site-runtime-v1"))
}

func TestInstall_OfflinePageSurvivesRuntimeGrowth(t *testing.T) {
	ldb, err := cachestore.OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), 8000)
	require.NoError(t, err)

	pages := map[string]string{}
	for i := 0; i < 40; i++ {
		pages[fmt.Sprintf("/assets/%d.js", i)] = strings.Repeat("x", 400)
	}
	e := newEnvWith(t, ldb, testSettings("v1"), pages)
	for path := range pages {
		e.get(path)
	}
	e.flush()

	assert.Equal(t,
		[]string{"GET /", "GET /favicon.ico", "GET /manifest.json", "GET /offline"},
		e.keys("site-static-v1"))
	assert.Less(t, len(e.keys("site-runtime-v1")), 40)

	e.net.setOffline(true)
	ent := e.get("/services/new", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, "offline page", string(ent.Body))
}
