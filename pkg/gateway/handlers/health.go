package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/workshoplabs/voicerelay/pkg/gateway/config"
	"github.com/workshoplabs/voicerelay/pkg/gateway/lifecycle"
	"github.com/workshoplabs/voicerelay/pkg/relay/sessions"
)

// HealthHandler answers liveness probes.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler answers readiness probes. A draining gateway reports
// not-ready so load balancers stop routing new calls to it.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool   `json:"ok"`
		Draining      bool   `json:"draining"`
		DrainingSince string `json:"draining_since,omitempty"`
		Store         string `json:"store"`
		Sessions      int    `json:"sessions"`
	}

	resp := readyResp{
		OK:       !h.Lifecycle.IsDraining(),
		Draining: h.Lifecycle.IsDraining(),
		Store:    string(h.Config.Store),
		Sessions: h.Sessions.Count(),
	}
	if since, ok := h.Lifecycle.DrainingSince(); ok {
		resp.DrainingSince = since.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
