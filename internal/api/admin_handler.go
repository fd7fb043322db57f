package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/mailgate/internal/ratelimit"
	"github.com/alecgard/mailgate/internal/store"
)

const defaultCleanupDays = 30

type adminHandler struct {
	store   store.Store
	gate    *ratelimit.Gate
	maxBody int64
	now     func() time.Time
}

func newAdminHandler(s store.Store, gate *ratelimit.Gate, maxBody int64) *adminHandler {
	return &adminHandler{store: s, gate: gate, maxBody: maxBody, now: time.Now}
}

type maintenanceRequest struct {
	Action   string `json:"action"`
	DaysOld  *int   `json:"daysOld"`
	ClientIP string `json:"clientIp"`
}

type cleanupResult struct {
	Action      string `json:"action"`
	DeletedLogs int64  `json:"deletedLogs"`
	Message     string `json:"message"`
}

type resetResult struct {
	Action   string `json:"action"`
	ClientIP string `json:"clientIp"`
	Message  string `json:"message"`
}

// Maintenance handles POST /api/admin/maintenance.
func (h *adminHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := readJSON(r, &req, h.maxBody); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	switch req.Action {
	case "":
		writeValidationError(w, "action is required")
	case "cleanup-logs":
		h.cleanupLogs(w, r, req)
	case "reset-rate-limit":
		h.resetRateLimit(w, r, req)
	default:
		writeValidationError(w, "Invalid action")
	}
}

// cleanupLogs purges old request records. A missing or zero daysOld means
// defaultCleanupDays.
func (h *adminHandler) cleanupLogs(w http.ResponseWriter, r *http.Request, req maintenanceRequest) {
	days := defaultCleanupDays
	if req.DaysOld != nil {
		if *req.DaysOld < 0 {
			writeValidationError(w, "daysOld must not be negative")
			return
		}
		if *req.DaysOld > 0 {
			days = *req.DaysOld
		}
	}

	cutoff := h.now().UTC().AddDate(0, 0, -days)
	deleted, err := h.store.PurgeRecords(r.Context(), cutoff)
	if err != nil {
		slog.Error("purging request logs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clean up logs")
		return
	}

	auditLog(r, "cleanup-logs", "request_logs", "", "days_old", days, "deleted", deleted)
	writeSuccess(w, cleanupResult{
		Action:      req.Action,
		DeletedLogs: deleted,
		Message:     fmt.Sprintf("Deleted %d logs older than %d days", deleted, days),
	})
}

func (h *adminHandler) resetRateLimit(w http.ResponseWriter, r *http.Request, req maintenanceRequest) {
	clientIP := strings.TrimSpace(req.ClientIP)
	if clientIP == "" {
		writeValidationError(w, "clientIp is required for reset-rate-limit action")
		return
	}

	var err error
	if h.gate != nil {
		_, err = h.gate.Reset(r.Context(), clientIP)
	} else {
		_, err = h.store.ResetWindows(r.Context(), clientIP)
	}
	if err != nil {
		slog.Error("resetting rate limit", "client_ip", clientIP, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset rate limit")
		return
	}

	auditLog(r, "reset-rate-limit", "rate_limits", clientIP)
	writeSuccess(w, resetResult{
		Action:   req.Action,
		ClientIP: clientIP,
		Message:  fmt.Sprintf("Rate limit reset for IP: %s", clientIP),
	})
}
