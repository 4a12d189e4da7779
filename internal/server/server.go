// Package server exposes the interceptor host over HTTP: site traffic is
// routed through the active interceptor, and a small control API under
// /_sw/ lets an operator inspect and drive the lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swcache/internal/cachestore"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/metrics"
	"swcache/internal/strategy"
	"swcache/internal/worker"
)

// HeaderClient optionally names the page a request comes from.
const HeaderClient = "X-SW-Client"

// Updater is the operator page's update control.
type Updater interface {
	UpdateAvailable() bool
	ApplyUpdate() bool
	Check(ctx context.Context) error
}

// Deps wire the server to the rest of the process.
type Deps struct {
	Host    *host.Host
	Updater Updater
	// Connectivity reports online state. Defaults to the host's network status.
	Connectivity interface{ Online() bool }
	Stats        metrics.StatsSource
	Metrics      *metrics.Metrics
	// Gatherer serves MetricsPath when both are set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Logger      logger.Logger
}

type Server struct {
	deps Deps
	log  logger.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Server{deps: deps, log: deps.Logger.With(logger.String("component", "server"))}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Gatherer != nil && s.deps.MetricsPath != "" {
		r.Method(http.MethodGet, s.deps.MetricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/_sw", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/message", s.message)
		r.Post("/update", s.update)
		r.Post("/check", s.check)
	})
	r.HandleFunc("/*", s.proxy)
	return r
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	ent, handled, err := s.deps.Host.Fetch(r.Context(), r.Header.Get(HeaderClient), r)
	if err != nil {
		if r.Context().Err() == nil {
			s.log.Debug("Passthrough fetch failed", logger.String("path", r.URL.Path), logger.Error(err))
		}
		worker.SetHeaders(w.Header(), "", "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	name := strategy.Name(ent.Header.Get(worker.HeaderStrategy))
	src := worker.Source(ent.Header.Get(worker.HeaderSource))
	if !handled {
		name, src = "", worker.SourceBypass
		if ent.Header == nil {
			ent.Header = http.Header{}
		}
		worker.SetHeaders(ent.Header, name, src)
	}
	writeEntry(w, r, ent)
	s.deps.Metrics.ObserveResponse(name, src, len(ent.Body))
}

func writeEntry(w http.ResponseWriter, r *http.Request, ent cachestore.Entry) {
	for k, vs := range ent.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(ent.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(ent.Body)
}

type versionView struct {
	ID    int        `json:"id"`
	Token string     `json:"token"`
	State host.State `json:"state"`
}

type statusView struct {
	Online          bool           `json:"online"`
	UpdateAvailable bool           `json:"updateAvailable"`
	Clients         int            `json:"clients"`
	Registered      bool           `json:"registered"`
	Installing      *versionView   `json:"installing,omitempty"`
	Waiting         *versionView   `json:"waiting,omitempty"`
	Active          *versionView   `json:"active,omitempty"`
	Stores          map[string]int `json:"stores,omitempty"`
}

func viewOf(v *host.Version) *versionView {
	if v == nil {
		return nil
	}
	return &versionView{ID: v.ID(), Token: v.Token(), State: v.State()}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := statusView{
		Online:  s.deps.Host.Network().Online(),
		Clients: s.deps.Host.Clients(),
	}
	if s.deps.Connectivity != nil {
		out.Online = s.deps.Connectivity.Online()
	}
	if s.deps.Updater != nil {
		out.UpdateAvailable = s.deps.Updater.UpdateAvailable()
	}
	if reg := s.deps.Host.Registration(); reg != nil {
		out.Registered = true
		out.Installing = viewOf(reg.Installing())
		out.Waiting = viewOf(reg.Waiting())
		out.Active = viewOf(reg.Active())
	}
	if s.deps.Stats != nil {
		stats, err := s.deps.Stats.Stats(r.Context())
		if err != nil {
			s.log.Warn("Storage stats failed", logger.Error(err))
		} else {
			out.Stores = stats
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// message posts a command to the interceptor. SKIP_WAITING goes to the
// waiting version; everything else goes to the active one.
func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var msg host.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	msg.Type = host.MessageType(strings.ToUpper(strings.TrimSpace(string(msg.Type))))

	reg := s.deps.Host.Registration()
	if reg == nil {
		writeError(w, http.StatusConflict, "no registration")
		return
	}
	target := reg.Active()
	if msg.Type == host.MessageSkipWaiting {
		target = reg.Waiting()
	}
	if target == nil {
		writeError(w, http.StatusConflict, "no interceptor to receive "+string(msg.Type))
		return
	}

	if err := target.Dispatch(r.Context(), msg); err != nil {
		if errors.Is(err, worker.ErrMalformedMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Warn("Message failed", logger.String("type", string(msg.Type)), logger.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"type": msg.Type, "version": target.ID()})
}

func (s *Server) update(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Updater == nil || !s.deps.Updater.ApplyUpdate() {
		writeError(w, http.StatusConflict, "no update waiting")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"applied": true})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updater == nil {
		writeError(w, http.StatusConflict, "updates are not supported")
		return
	}
	if err := s.deps.Updater.Check(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"checked": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
