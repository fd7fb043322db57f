package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/mailgate/internal/mail"
	"github.com/alecgard/mailgate/internal/store"
)

const healthPingTimeout = 2 * time.Second

type healthHandler struct {
	dispatcher Dispatcher
	store      store.Store
}

func newHealthHandler(d Dispatcher, s store.Store) *healthHandler {
	return &healthHandler{dispatcher: d, store: s}
}

type serviceStatus struct {
	Configured bool `json:"configured"`
}

type healthResponse struct {
	Status    string                          `json:"status"`
	Timestamp time.Time                       `json:"timestamp"`
	Services  map[mail.Provider]serviceStatus `json:"services"`
	Store     string                          `json:"store"`
}

// Health handles GET /api/health. It needs no credentials and reports 503
// when the store cannot be reached.
func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[mail.Provider]serviceStatus, len(mail.Providers)),
		Store:     "connected",
	}
	for _, p := range mail.Providers {
		resp.Services[p] = serviceStatus{Configured: h.dispatcher != nil && h.dispatcher.Configured(p)}
	}

	status := http.StatusOK
	if h.store == nil {
		resp.Store = "none"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			slog.Warn("health check: store unreachable", "error", err)
			resp.Status = "degraded"
			resp.Store = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}
