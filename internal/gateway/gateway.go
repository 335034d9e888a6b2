// Package gateway is the outward-facing surface of voxswitch: it accepts
// client WebSocket connections, authenticates the handshake, and runs one
// [pipeline.Pipeline] per connection until either side hangs up.
//
// Besides the realtime socket it serves a small HTTP API for magic links,
// usage queries, and checkpoint requests, plus the usual /healthz, /readyz
// and /metrics endpoints.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxswitch/voxswitch/internal/account"
	"github.com/voxswitch/voxswitch/internal/config"
	"github.com/voxswitch/voxswitch/internal/health"
	"github.com/voxswitch/voxswitch/internal/observe"
	"github.com/voxswitch/voxswitch/internal/persist"
	"github.com/voxswitch/voxswitch/internal/pipeline"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Deps carries everything a [Server] needs. Config and Accounts are
// required; Metrics and Log fall back to the package defaults.
type Deps struct {
	Config   *config.Config
	Accounts *account.Manager

	// Shared is the process-wide persistence handle for the postgres
	// backend. Nil when the file backend is configured; the server then
	// opens one file store per session.
	Shared persist.Store

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// activeSession tracks one live client connection so the admin API and the
// shutdown path can reach it.
type activeSession struct {
	pipe      *pipeline.Pipeline
	conn      *websocket.Conn
	accountID string
}

// Server accepts client sessions and serves the HTTP API.
type Server struct {
	cfg      *config.Config
	accounts *account.Manager
	shared   persist.Store
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*activeSession
	closed   bool
}

// New creates a Server from its dependencies.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:      d.Config,
		accounts: d.Accounts,
		shared:   d.Shared,
		metrics:  metrics,
		log:      log.With("component", "gateway"),
		sessions: make(map[string]*activeSession),
	}
}

// Handler returns the full HTTP handler tree, wrapped in the tracing and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.serveSession)

	mux.HandleFunc("POST /v1/links", s.handleIssueLink)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("POST /v1/sessions/{id}/checkpoint", s.handleCheckpoint)

	hc := health.New(s.healthCheckers()...)
	hc.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// healthCheckers builds the readiness probes: the shared persistence handle
// when one exists, otherwise nothing beyond liveness.
func (s *Server) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if s.shared != nil {
		checkers = append(checkers, health.StoreChecker("persistence", s.shared))
	}
	return checkers
}

// sessionBackend returns the persistence handle for one new session: the
// shared store when configured, or a fresh per-session file store.
func (s *Server) sessionBackend() (persist.Store, error) {
	if s.shared != nil {
		return s.shared, nil
	}
	return persist.NewFileStore(s.cfg.Persistence.FileRoot)
}

// pipelineDeps assembles the per-session pipeline configuration from the
// process config.
func (s *Server) pipelineDeps(backend persist.Store) (pipeline.Deps, error) {
	endpoints := make(map[rtevent.Vendor]pipeline.VendorEndpoint, 2)

	oa, err := openAIEndpoint(s.cfg.Vendors.OpenAI)
	if err != nil {
		return pipeline.Deps{}, err
	}
	endpoints[rtevent.VendorOpenAI] = oa

	gm, err := geminiEndpoint(s.cfg.Vendors.Gemini)
	if err != nil {
		return pipeline.Deps{}, err
	}
	endpoints[rtevent.VendorGemini] = gm

	return pipeline.Deps{
		Backend:            backend,
		Endpoints:          endpoints,
		SwitchThreshold:    time.Duration(s.cfg.Switch.ThresholdMs) * time.Millisecond,
		SwitchConsecutives: s.cfg.Switch.Consecutive,
		ConnectTimeout:     time.Duration(s.cfg.Upstream.ConnectTimeoutMs) * time.Millisecond,
		PingInterval:       time.Duration(s.cfg.Upstream.PingIntervalMs) * time.Millisecond,
		MaxRetries:         s.cfg.Upstream.MaxRetries,
		Metrics:            s.metrics,
		Log:                s.log,
	}, nil
}

// openAIEndpoint carries the credential as a bearer token plus the realtime
// opt-in header.
func openAIEndpoint(entry config.VendorEntry) (pipeline.VendorEndpoint, error) {
	header := http.Header{}
	if entry.APIKey != "" {
		header.Set("Authorization", "Bearer "+entry.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	for k, v := range entry.Headers {
		header.Set(k, v)
	}
	return pipeline.VendorEndpoint{URL: entry.URL, Header: header}, nil
}

// geminiEndpoint carries the credential as a "key" query parameter.
func geminiEndpoint(entry config.VendorEntry) (pipeline.VendorEndpoint, error) {
	u, err := url.Parse(entry.URL)
	if err != nil {
		return pipeline.VendorEndpoint{}, fmt.Errorf("gateway: gemini url: %w", err)
	}
	if entry.APIKey != "" {
		q := u.Query()
		q.Set("key", entry.APIKey)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	for k, v := range entry.Headers {
		header.Set(k, v)
	}
	return pipeline.VendorEndpoint{URL: u.String(), Header: header}, nil
}

// register adds a live session to the registry. Returns false when the
// server is shutting down or the session ID is already connected.
func (s *Server) register(sessionID string, as *activeSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, dup := s.sessions[sessionID]; dup {
		return false
	}
	s.sessions[sessionID] = as
	return true
}

func (s *Server) unregister(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Server) lookup(sessionID string) *activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// Shutdown tears down every live session. New upgrades are refused once it
// has been called. The ctx deadline bounds how long teardown may take in
// total; sessions not reached in time are abandoned to process exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	remaining := make(map[string]*activeSession, len(s.sessions))
	for id, as := range s.sessions {
		remaining[id] = as
	}
	s.mu.Unlock()

	for id, as := range remaining {
		select {
		case <-ctx.Done():
			s.log.Warn("shutdown deadline exceeded", "abandoned_sessions", len(remaining))
			return ctx.Err()
		default:
		}
		as.pipe.Cleanup()
		as.conn.Close(websocket.StatusGoingAway, "server shutting down")
		s.unregister(id)
	}
	s.log.Info("gateway shut down", "sessions_closed", len(remaining))
	return nil
}
