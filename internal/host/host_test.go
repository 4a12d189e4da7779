package host

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/cachestore"
)

type testScript struct {
	token      string
	installErr error
	claim      bool
}

func (s *testScript) Token() string { return s.token }

func (s *testScript) Bind(d Dispatcher, sc Scope) {
	d.OnInstall(func(context.Context) error { return s.installErr })
	d.OnActivate(func(context.Context) error {
		if s.claim {
			sc.Claim()
		}
		return nil
	})
	d.OnMessage(func(_ context.Context, msg Message) error {
		switch msg.Type {
		case MessageSkipWaiting:
			sc.SkipWaiting()
			return nil
		case "PANIC":
			panic("boom")
		}
		return errors.New("unknown message")
	})
	d.OnFetch(func(_ context.Context, ev *FetchEvent) (cachestore.Entry, bool) {
		if ev.Request.Method != http.MethodGet {
			return cachestore.Entry{}, false
		}
		return cachestore.Entry{Status: http.StatusOK, Body: []byte(s.token)}, true
	})
}

type deploy struct {
	mu     sync.Mutex
	script *testScript
}

func (d *deploy) set(s *testScript) {
	d.mu.Lock()
	d.script = s
	d.mu.Unlock()
}

func (d *deploy) Load(context.Context) (Script, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.script == nil {
		return nil, errors.New("script not found")
	}
	return d.script, nil
}

type netFetcher struct{ calls atomic.Int32 }

func (n *netFetcher) Fetch(_ context.Context, r *http.Request) (cachestore.Entry, error) {
	n.calls.Add(1)
	return cachestore.Entry{URL: r.URL.RequestURI(), Status: http.StatusOK, Body: []byte("network")}, nil
}

func newHost(t *testing.T, first *testScript) (*Host, *deploy, *netFetcher) {
	t.Helper()
	d := &deploy{script: first}
	n := &netFetcher{}
	h := New(Options{Source: d, Network: n})
	t.Cleanup(h.Close)
	return h, d, n
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func TestRegister_FirstVersionActivatesAndClaims(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHost(t, &testScript{token: "v1", claim: true})

	page := h.NewClient()
	var changes atomic.Int32
	page.OnControllerChange(func() { changes.Add(1) })

	reg, err := page.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	active := reg.Active()
	require.NotNil(t, active)
	assert.Equal(t, StateActivated, active.State())
	assert.Nil(t, reg.Waiting())
	assert.Same(t, active, page.Controller())
	assert.Equal(t, int32(1), changes.Load())

	again, err := page.Register(ctx)
	require.NoError(t, err)
	assert.Same(t, reg, again)
}

func TestUpdate_WaitsWhilePagesAreControlled(t *testing.T) {
	ctx := context.Background()
	h, d, _ := newHost(t, &testScript{token: "v1", claim: true})

	page := h.NewClient()
	var changes atomic.Int32
	page.OnControllerChange(func() { changes.Add(1) })
	reg, err := page.Register(ctx)
	require.NoError(t, err)
	h.Settle()
	v1 := reg.Active()

	var found atomic.Int32
	reg.OnUpdateFound(func() { found.Add(1) })
	d.set(&testScript{token: "v2", claim: true})
	require.NoError(t, reg.Update(ctx))

	waiting := reg.Waiting()
	require.NotNil(t, waiting)
	assert.Equal(t, "v2", waiting.Token())
	assert.Equal(t, StateInstalled, waiting.State())
	assert.Equal(t, int32(1), found.Load())
	assert.Same(t, v1, page.Controller())

	ent, handled, err := page.Fetch(ctx, get("/"))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "v1", string(ent.Body), "old version keeps serving until handover")

	var states []State
	var mu sync.Mutex
	v1.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	waiting.PostMessage(Message{Type: MessageSkipWaiting})
	h.Settle()

	assert.Same(t, waiting, reg.Active())
	assert.Equal(t, StateActivated, waiting.State())
	assert.Same(t, waiting, page.Controller())
	assert.Equal(t, int32(2), changes.Load())
	mu.Lock()
	assert.Equal(t, []State{StateRedundant}, states)
	mu.Unlock()

	ent, _, err = page.Fetch(ctx, get("/"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(ent.Body))
}

func TestUpdate_SameTokenIsNoop(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHost(t, &testScript{token: "v1"})

	reg, err := h.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	var found atomic.Int32
	reg.OnUpdateFound(func() { found.Add(1) })
	require.NoError(t, reg.Update(ctx))

	assert.Zero(t, found.Load())
	assert.Nil(t, reg.Installing())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, "v1", reg.Active().Token())
}

func TestUpdate_FailedInstallBecomesRedundant(t *testing.T) {
	ctx := context.Background()
	h, d, _ := newHost(t, &testScript{token: "v1", claim: true})

	page := h.NewClient()
	reg, err := page.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	var last atomic.Value
	reg.OnUpdateFound(func() {
		reg.Installing().OnStateChange(func(s State) { last.Store(s) })
	})
	d.set(&testScript{token: "v2", installErr: errors.New("precache failed")})
	err = reg.Update(ctx)
	require.Error(t, err)

	assert.Equal(t, StateRedundant, last.Load())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, "v1", reg.Active().Token())
	assert.Equal(t, "v1", page.Controller().Token())
}

func TestClose_LastPageLetsWaitingVersionActivate(t *testing.T) {
	ctx := context.Background()
	h, d, _ := newHost(t, &testScript{token: "v1", claim: true})

	page := h.NewClient()
	reg, err := page.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	d.set(&testScript{token: "v2"})
	require.NoError(t, reg.Update(ctx))
	require.NotNil(t, reg.Waiting())

	page.Close()
	page.Close()
	h.Settle()

	assert.Nil(t, reg.Waiting())
	assert.Equal(t, "v2", reg.Active().Token())
	assert.Zero(t, h.Clients())

	reopened := h.NewClient()
	require.NotNil(t, reopened.Controller())
	assert.Equal(t, "v2", reopened.Controller().Token())
}

func TestFetch_PassesThroughWhenUnhandled(t *testing.T) {
	ctx := context.Background()
	h, _, n := newHost(t, &testScript{token: "v1"})

	ent, handled, err := h.Fetch(ctx, "", get("/before"))
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, "network", string(ent.Body))

	_, err = h.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	ent, handled, err = h.Fetch(ctx, "", get("/after"))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "v1", string(ent.Body))

	_, handled, err = h.Fetch(ctx, "", httptest.NewRequest(http.MethodPost, "/api/form", nil))
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, int32(2), n.calls.Load())
}

func TestDispatch_ErrorsAndPanicsStayWithHandler(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHost(t, &testScript{token: "v1"})
	reg, err := h.Register(ctx)
	require.NoError(t, err)
	h.Settle()

	v := reg.Active()
	assert.Error(t, v.Dispatch(ctx, Message{Type: "NOPE"}))
	assert.ErrorContains(t, v.Dispatch(ctx, Message{Type: "PANIC"}), "panic")

	v.PostMessage(Message{Type: "PANIC"})
	h.Settle()
	assert.Equal(t, StateActivated, v.State())
}

func TestRegister_Unsupported(t *testing.T) {
	h := New(Options{})
	defer h.Close()
	_, err := h.Register(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegister_ScriptLoadFailure(t *testing.T) {
	h, _, _ := newHost(t, nil)
	_, err := h.Register(context.Background())
	require.Error(t, err)
	assert.Nil(t, h.Registration())
}

func TestNetworkStatus_FiresOnTransitionsOnly(t *testing.T) {
	n := NewNetworkStatus(true)
	var online, offline int
	n.OnOnline(func() { online++ })
	remove := n.OnOffline(func() { offline++ })

	n.SetOnline(true)
	n.SetOnline(false)
	n.SetOnline(false)
	n.SetOnline(true)
	remove()
	n.SetOnline(false)

	assert.Equal(t, 1, online)
	assert.Equal(t, 1, offline)
	assert.False(t, n.Online())
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   bool
	}{
		{"fetch metadata navigate", map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"fetch metadata cors", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"html accept", map[string]string{"Accept": "text/html,application/xhtml+xml"}, true},
		{"image", map[string]string{"Accept": "image/avif,image/webp"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := get("/")
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, IsNavigation(r))
		})
	}
}
