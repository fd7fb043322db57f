package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/mailgate.json.
const wellKnownManifest = `{
  "name": "Mailgate",
  "description": "Email gateway for Gmail and SendGrid",
  "version": "0.1.0",
  "api_base": "/api",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "providers": ["gmail", "sendgrid"],
  "endpoints": {
    "send": "/api/email/send",
    "batch": "/api/email/batch",
    "logs": "/api/logs",
    "stats": "/api/stats",
    "api_key_stats": "/api/api-key-stats",
    "maintenance": "/api/admin/maintenance"
  },
  "health": "/api/health"
}`

// WellKnownHandler returns the static Mailgate well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
