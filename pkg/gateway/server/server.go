// Package server assembles the relay gateway: routes, middleware, and
// the drain machinery for graceful shutdown.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/workshoplabs/voicerelay/pkg/audit"
	"github.com/workshoplabs/voicerelay/pkg/core/llm"
	"github.com/workshoplabs/voicerelay/pkg/gateway/config"
	"github.com/workshoplabs/voicerelay/pkg/gateway/handlers"
	"github.com/workshoplabs/voicerelay/pkg/gateway/lifecycle"
	"github.com/workshoplabs/voicerelay/pkg/gateway/metrics"
	"github.com/workshoplabs/voicerelay/pkg/gateway/mw"
	"github.com/workshoplabs/voicerelay/pkg/relay/sessions"
	"github.com/workshoplabs/voicerelay/pkg/tenant"
)

// Options carries the externally wired collaborators. Zero-value
// fields get defaults where one exists.
type Options struct {
	Resolver     *tenant.Resolver
	NewCompleter handlers.CompleterFactory
	Audit        audit.Recorder
	Metrics      *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

// New builds a gateway server. The resolver is required; completer
// factory and audit recorder default to the OpenAI-compatible client
// and a no-op recorder.
func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New("voicerelay")
	}

	newCompleter := opts.NewCompleter
	if newCompleter == nil {
		httpClient := &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
		newCompleter = func(apiKey string) llm.Completer {
			return llm.NewClient(apiKey, cfg.Model,
				llm.WithBaseURL(cfg.ModelBaseURL),
				llm.WithHTTPClient(httpClient),
				llm.WithMaxTokens(cfg.MaxTokens),
			)
		}
	}

	rec := opts.Audit
	if rec == nil {
		rec = audit.Noop{}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   m,
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	relay := handlers.RelayHandler{
		Config:       cfg,
		Logger:       logger,
		Resolver:     opts.Resolver,
		NewCompleter: newCompleter,
		Audit:        rec,
		Metrics:      m,
		Lifecycle:    s.lifecycle,
		Sessions:     s.sessions,
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: cfg, Lifecycle: s.lifecycle, Sessions: s.sessions})
	s.mux.Handle("/metrics", m.Handler())
	s.mux.Handle("/ws/", relay)
	s.mux.Handle("/ws", relay)

	return s
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the gateway into drain mode: readiness goes
// not-ready and new relay connections are refused.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifySessionsDraining tells live sessions the gateway is going away.
func (s *Server) NotifySessionsDraining() int {
	return s.sessions.NotifyAll("gateway is draining")
}

// WaitSessions blocks until live sessions finish or the context
// expires. Returns true when all sessions drained in time.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions force-stops all live sessions. Returns how many were
// canceled.
func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
