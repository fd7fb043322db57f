package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/mailgate/internal/auth"
	"github.com/alecgard/mailgate/internal/store"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
	keyStatsLimit   = 100
	defaultStatsAge = 24 * time.Hour
)

type logsHandler struct {
	store store.Store
	now   func() time.Time
}

func newLogsHandler(s store.Store) *logsHandler {
	return &logsHandler{store: s, now: time.Now}
}

type pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"hasMore"`
}

type logsResponse struct {
	Success    bool                  `json:"success"`
	Data       []store.RequestRecord `json:"data"`
	Pagination pagination            `json:"pagination"`
	Timestamp  time.Time             `json:"timestamp"`
}

// ListLogs handles GET /api/logs.
func (h *logsHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q, err := buildLogQuery(r)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	records, total, err := h.store.ListRecords(r.Context(), q)
	if err != nil {
		slog.Error("listing request logs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list logs")
		return
	}
	if records == nil {
		records = []store.RequestRecord{}
	}

	writeJSON(w, http.StatusOK, logsResponse{
		Success: true,
		Data:    records,
		Pagination: pagination{
			Limit:   q.Limit,
			Offset:  q.Offset,
			Total:   total,
			HasMore: int64(q.Offset+q.Limit) < total,
		},
		Timestamp: h.now().UTC(),
	})
}

type period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type statsData struct {
	*store.Stats
	Period period `json:"period"`
}

// Stats handles GET /api/stats. The range defaults to the last 24 hours.
func (h *logsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("startDate"))
	if err != nil {
		writeValidationError(w, "invalid startDate")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("endDate"))
	if err != nil {
		writeValidationError(w, "invalid endDate")
		return
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultStatsAge)
	}
	if from.After(to) {
		writeValidationError(w, "startDate must be before endDate")
		return
	}

	stats, err := h.store.Stats(r.Context(), from, to)
	if err != nil {
		slog.Error("computing request stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute stats")
		return
	}

	writeSuccess(w, statsData{Stats: stats, Period: period{Start: from, End: to}})
}

type keyStatsList struct {
	Success   bool             `json:"success"`
	Data      []store.KeyUsage `json:"data"`
	Total     int              `json:"total"`
	Timestamp time.Time        `json:"timestamp"`
}

// KeyStats handles GET /api/api-key-stats. With ?apiKey= it reports one
// credential, looked up by fingerprint; otherwise the most recently used.
func (h *logsHandler) KeyStats(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("apiKey"); key != "" {
		usage, err := h.store.GetKeyUsage(r.Context(), auth.Fingerprint(key))
		if errors.Is(err, store.ErrNotFound) {
			writeSuccess(w, map[string]string{"message": "No stats found for this API key"})
			return
		}
		if err != nil {
			slog.Error("reading api key usage", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read api key stats")
			return
		}
		writeSuccess(w, usage)
		return
	}

	usage, err := h.store.ListKeyUsage(r.Context(), keyStatsLimit)
	if err != nil {
		slog.Error("listing api key usage", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list api key stats")
		return
	}
	if usage == nil {
		usage = []store.KeyUsage{}
	}
	writeJSON(w, http.StatusOK, keyStatsList{
		Success:   true,
		Data:      usage,
		Total:     len(usage),
		Timestamp: h.now().UTC(),
	})
}

// buildLogQuery constructs a LogQuery from query params.
func buildLogQuery(r *http.Request) (store.LogQuery, error) {
	params := r.URL.Query()
	q := store.LogQuery{
		Method: params.Get("method"),
		Path:   params.Get("path"),
		Limit:  defaultLogLimit,
	}

	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, maxLogLimit)
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	if v := params.Get("statusCode"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, errors.New("statusCode must be an integer")
		}
		q.StatusCode = n
	}

	var err error
	if q.From, err = parseTimeParam(params.Get("startDate")); err != nil {
		return q, errors.New("invalid startDate")
	}
	if q.To, err = parseTimeParam(params.Get("endDate")); err != nil {
		return q, errors.New("invalid endDate")
	}
	return q, nil
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	return time.Parse("2006-01-02", s)
}
