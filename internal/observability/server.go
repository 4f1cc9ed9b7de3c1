// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package observability serves metrics, health probes and a read-only view
// of the plugin registry over HTTP.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin"
)

// ReadinessChecker returns whether the runtime is ready to serve plugins.
type ReadinessChecker func() bool

// Registry is the view of the plugin manager the server exposes.
type Registry interface {
	Plugins() []plugin.Info
	PluginsByStatus(status plugin.Status) []plugin.Info
	Plugin(id string) (plugin.Info, bool)
	SearchCommands(query string) []plugin.CommandInfo
	Stats() plugin.Stats
	Subscribe(buffer int) (<-chan plugin.Notification, func())
}

const writeTimeout = 5 * time.Second

// Server provides the HTTP endpoints.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	plugins    Registry
	isReady    ReadinessChecker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	running    atomic.Bool

	done    chan struct{}
	streams sync.WaitGroup
}

// NewServer creates a server listening on addr ("host:port"; port 0 picks
// a free port). plugins may be nil, in which case only metrics and health
// are served.
func NewServer(addr string, plugins Registry, isReady ReadinessChecker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	plugin.RegisterMetrics(reg)

	return &Server{
		addr:     addr,
		registry: reg,
		plugins:  plugins,
		isReady:  isReady,
		logger:   logger.With("component", "observability"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
	}
}

// Registry returns the Prometheus registry.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.Get("/healthz/liveness", s.handleLiveness)
	r.Get("/healthz/readiness", s.handleReadiness)
	if s.plugins != nil {
		r.Get("/stats", s.handleStats)
		r.Get("/commands", s.handleCommands)
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handlePlugins)
			r.Get("/{id}", s.handlePlugin)
		})
		r.Get("/events", s.handleEvents)
	}
	return r
}

// Start begins serving. The returned channel receives a serve error, and is
// closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener
	s.done = make(chan struct{})

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down and closes event streams.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.done)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return oops.In("observability").With("operation", "shutdown").Wrap(err)
	}
	s.streams.Wait()
	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady == nil || s.isReady() {
		writeText(w, http.StatusOK, "ok\n")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "not ready\n")
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("status"); q != "" {
		status := plugin.Status(q)
		if !slices.Contains(plugin.Statuses, status) {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status", "status": q, "valid": plugin.Statuses})
			return
		}
		s.writeJSON(w, http.StatusOK, s.plugins.PluginsByStatus(status))
		return
	}
	s.writeJSON(w, http.StatusOK, s.plugins.Plugins())
}

func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inf, ok := s.plugins.Plugin(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not found", "id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, inf)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.plugins.SearchCommands(r.URL.Query().Get("q")))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.plugins.Stats())
}

// handleEvents streams notifications as JSON text frames until the client
// goes away or the server stops. The subscription exists before the
// handshake completes, so clients see every notification after connecting.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.plugins.Subscribe(plugin.DefaultSubscriberBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer func() { _ = conn.Close() }()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(writeTimeout))
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte(body))
}

// sameHost accepts requests without an Origin header and same-host origins.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
