// Package health provides the optional HTTP surface of pingerd: health
// checks, Prometheus metrics and the latest probe results.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/pingerd/internal/latest"
	"github.com/postalsys/pingerd/internal/sysinfo"
)

// maxLongPoll bounds how long GET /latest?after=N may block.
const maxLongPoll = 30 * time.Second

// StatsProvider reports daemon state. *daemon.Daemon implements it.
type StatsProvider interface {
	// IsRunning returns true while the event loop is active.
	IsRunning() bool

	// InFlight returns the number of outstanding probes.
	InFlight() int
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:9110")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes. Must exceed the long-poll bound.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9110",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: maxLongPoll + 5*time.Second,
	}
}

// Server serves the HTTP endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	board    *latest.Board
	router   *chi.Mux
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates the HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(cfg ServerConfig, provider StatsProvider, board *latest.Board, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		board:    board,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/info", s.handleInfo)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/latest", s.handleLatest)
	s.router.Get("/latest/{host}", s.handleLatestHost)
	s.router.Get("/hosts", s.handleHosts)
	s.router.Mount("/debug", middleware.Profiler())

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats if running, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"running":    true,
		"in_flight":  s.provider.InFlight(),
		"result_seq": s.board.Seq(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysinfo.Collect())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handleLatest returns the most recent result. With ?after=N it blocks
// until a result newer than N exists, for at most ?wait (default and cap
// 30s), answering 204 if none arrives.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Has("after") {
		after, err := strconv.ParseUint(q.Get("after"), 10, 64)
		if err != nil {
			http.Error(w, "after must be a result sequence number", http.StatusBadRequest)
			return
		}

		wait := maxLongPoll
		if v := q.Get("wait"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				http.Error(w, "wait must be a non-negative duration", http.StatusBadRequest)
				return
			}
			wait = min(d, maxLongPoll)
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		res, err := s.board.Wait(ctx, after)
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, ok := s.board.Latest()
	if !ok {
		http.Error(w, "no results yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatestHost(w http.ResponseWriter, r *http.Request) {
	host, err := netip.ParseAddr(chi.URLParam(r, "host"))
	if err != nil {
		http.Error(w, "invalid host address", http.StatusBadRequest)
		return
	}

	res, ok := s.board.Host(host)
	if !ok {
		http.Error(w, "no results for host", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	results := s.board.Hosts()
	slices.SortFunc(results, func(a, b latest.Result) int {
		return a.Host.Compare(b.Host)
	})
	writeJSON(w, http.StatusOK, map[string]any{"hosts": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
