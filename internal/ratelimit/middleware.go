package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

type rejection struct {
	Error      rejectionBody `json:"error"`
	Remaining  int           `json:"remaining"`
	RetryAfter int64         `json:"retryAfter"`
}

type rejectionBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Middleware returns an HTTP middleware that enforces the gate for every
// request. The endpoint class comes from classify and the client from
// ClientKey.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests left in the current window
//	X-RateLimit-Reset     unix timestamp at which the window closes
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header and a JSON error body. If the window store fails the
// request is let through and the error logged.
func Middleware(gate *Gate, classify func(*http.Request) Class, onReject ...func(Class)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := classify(r)
			d, err := gate.Check(r.Context(), ClientKey(r), class)
			if err != nil {
				slog.Error("rate limit check failed", "class", class, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				for _, fn := range onReject {
					fn(d.Class)
				}
				retry := int64(d.RetryAfter(gate.now()).Seconds())
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rejection{
					Error: rejectionBody{
						Code:    "rate_limited",
						Message: "Rate limit exceeded. Try again later.",
					},
					Remaining:  0,
					RetryAfter: retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
