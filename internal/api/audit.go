package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/mailgate/internal/auth"
	"github.com/alecgard/mailgate/internal/ratelimit"
)

// auditLog emits a structured audit log entry for a maintenance action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", ratelimit.ClientKey(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if id := auth.IdentityFromContext(r.Context()); id != nil {
		attrs = append(attrs, "key_fingerprint", shortFingerprint(id.Fingerprint))
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
