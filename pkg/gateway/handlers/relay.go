package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workshoplabs/voicerelay/pkg/audit"
	"github.com/workshoplabs/voicerelay/pkg/core/llm"
	"github.com/workshoplabs/voicerelay/pkg/gateway/config"
	"github.com/workshoplabs/voicerelay/pkg/gateway/lifecycle"
	"github.com/workshoplabs/voicerelay/pkg/gateway/metrics"
	"github.com/workshoplabs/voicerelay/pkg/gateway/mw"
	"github.com/workshoplabs/voicerelay/pkg/relay/protocol"
	"github.com/workshoplabs/voicerelay/pkg/relay/session"
	"github.com/workshoplabs/voicerelay/pkg/relay/sessions"
	"github.com/workshoplabs/voicerelay/pkg/tenant"
)

// CompleterFactory builds a completion backend client bound to one
// tenant's credential.
type CompleterFactory func(apiKey string) llm.Completer

// RelayHandler handles /ws/{sessionToken} relay connections.
type RelayHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Resolver     *tenant.Resolver
	NewCompleter CompleterFactory
	Audit        audit.Recorder
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	Sessions     *sessions.Tracker
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}

	// The session token is the only addressing: /ws/{sessionToken}.
	// A missing token is rejected before the upgrade so the telephony
	// layer sees a plain HTTP error.
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if token == "" || strings.Contains(token, "/") {
		http.Error(w, "missing session identifier", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}

	// Config resolution happens once, after the upgrade, so failures
	// can be reported on the socket itself.
	resolveCtx, cancel := context.WithTimeout(r.Context(), h.Config.HandshakeTimeout)
	cfg, err := h.Resolver.Resolve(resolveCtx, token)
	cancel()
	if err != nil {
		h.Metrics.ConfigResolutionObserved(resolutionLabel(err))
		logger.Warn("tenant resolution failed", "request_id", reqID, "session_token", token, "error", err)
		h.closeWithError(conn, resolutionMessage(err))
		return
	}
	h.Metrics.ConfigResolutionObserved("ok")

	sessionID := "s_" + uuid.NewString()
	logger.Info("session starting",
		"request_id", reqID,
		"session_id", sessionID,
		"session_token", token,
		"voice", cfg.Voice,
	)

	sess := session.New(session.Config{
		MaxJSONMessageBytes: h.Config.MaxJSONMessageBytes,
		TurnTimeout:         h.Config.TurnTimeout,
		PingInterval:        h.Config.WSPingInterval,
		WriteTimeout:        h.Config.WSWriteTimeout,
		ReadTimeout:         h.Config.WSReadTimeout,
		MaxSessionDuration:  h.Config.MaxSessionDuration,
		MaxHistoryTurns:     h.Config.MaxHistoryTurns,
		StreamTokens:        h.Config.StreamingTokens,
		FrameThreshold:      h.Config.FrameThreshold,
	}, session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Completer: h.NewCompleter(cfg.APIKey),
		Tenant:    cfg,
		Audit:     h.Audit,
		Metrics:   h.Metrics,
		SessionID: sessionID,
	})

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Token:  token,
		Cancel: sess.Cancel,
		Notify: sess.Notify,
	})
	defer unregister()

	if err := sess.Run(r.Context()); err != nil {
		logger.Error("session failed", "session_id", sessionID, "error", err)
	}
}

// closeWithError delivers one error frame and closes the socket; used
// for connect-time failures before the session loop exists.
func (h RelayHandler) closeWithError(conn *websocket.Conn, message string) {
	frame, err := json.Marshal(protocol.NewSessionError(message))
	if err == nil {
		deadline := time.Now().Add(h.Config.WSWriteTimeout)
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	}
	_ = conn.Close()
}

func resolutionMessage(err error) string {
	switch {
	case errors.Is(err, tenant.ErrSessionNotFound):
		return "unknown session"
	case errors.Is(err, tenant.ErrNoCredential):
		return "no credential configured for session"
	default:
		return "tenant configuration unavailable"
	}
}

func resolutionLabel(err error) string {
	switch {
	case errors.Is(err, tenant.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, tenant.ErrNoCredential):
		return "no_credential"
	default:
		return "error"
	}
}
