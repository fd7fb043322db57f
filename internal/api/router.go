package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/mailgate/internal/auth"
	"github.com/alecgard/mailgate/internal/mail"
	"github.com/alecgard/mailgate/internal/metrics"
	"github.com/alecgard/mailgate/internal/ratelimit"
	"github.com/alecgard/mailgate/internal/store"
)

// Dispatcher sends messages through a named provider.
type Dispatcher interface {
	Send(ctx context.Context, name mail.Provider, msg *mail.Message) (mail.DispatchResult, error)
	SendBatch(ctx context.Context, name mail.Provider, msgs []*mail.Message) (mail.BatchResult, error)
	Configured(name mail.Provider) bool
}

// Recorder receives the request log and ledger updates for gated routes.
type Recorder interface {
	Record(rec store.RequestRecord)
	Track(fingerprint string, status int)
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Dispatcher Dispatcher
	// Auth guards every route under /api except /api/health.
	Auth *auth.Gate
	// RateGate may be nil to disable rate limiting.
	RateGate *ratelimit.Gate
	// RequestLog may be nil to skip request logging.
	RequestLog     Recorder
	Store          store.Store
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	MaxRequestSize int64
}

// rateClasses maps gated paths to their rate-limit class. Everything else
// falls under the general class.
var rateClasses = ratelimit.Routes{
	"/api/email/send":  ratelimit.ClassSend,
	"/api/email/batch": ratelimit.ClassBatch,
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(accessLog(deps.Metrics))

	// Handlers.
	email := newEmailHandler(deps.Dispatcher, deps.MaxRequestSize)
	logs := newLogsHandler(deps.Store)
	admin := newAdminHandler(deps.Store, deps.RateGate, deps.MaxRequestSize)
	health := newHealthHandler(deps.Dispatcher, deps.Store)

	// Well-known manifest.
	r.Get("/.well-known/mailgate.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.PrometheusHandler())
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	r.Route("/api", func(ar chi.Router) {
		ar.Get("/health", health.Health)

		ar.Group(func(gr chi.Router) {
			if deps.RequestLog != nil {
				gr.Use(trafficRecorder(deps.RequestLog))
			}
			gr.Use(auth.Middleware(deps.Auth, func(err error) {
				if deps.Metrics == nil {
					return
				}
				reason := "invalid"
				if errors.Is(err, auth.ErrMissingCredential) {
					reason = "missing"
				}
				deps.Metrics.IncAuthFailure(reason)
			}))
			if deps.RateGate != nil {
				gr.Use(ratelimit.Middleware(deps.RateGate, rateClasses.Classify, func(c ratelimit.Class) {
					if deps.Metrics != nil {
						deps.Metrics.IncRateLimitRejection(string(c))
					}
				}))
			}

			gr.Post("/email/send", email.Send)
			gr.Post("/email/batch", email.SendBatch)

			gr.Get("/logs", logs.ListLogs)
			gr.Get("/stats", logs.Stats)
			gr.Get("/api-key-stats", logs.KeyStats)

			gr.Post("/admin/maintenance", admin.Maintenance)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}
