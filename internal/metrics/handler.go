package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP       httpSummary                `json:"http"`
	Dispatch   dispatchSummary            `json:"dispatch"`
	Providers  map[string]providerSummary `json:"providers"`
	RateLimit  rateLimitInfo              `json:"rateLimit"`
	RequestLog requestLogInfo             `json:"requestLog"`
	Auth       authInfo                   `json:"auth"`
	DB         dbInfo                     `json:"db"`
	Server     serverInfo                 `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type dispatchSummary struct {
	Sent           float64 `json:"sent"`
	Failed         float64 `json:"failed"`
	P50Provider    float64 `json:"p50Provider"`
	P95Provider    float64 `json:"p95Provider"`
	ProviderErrors float64 `json:"providerErrors"`
	TokenRefreshes float64 `json:"tokenRefreshes"`
	TokenFailures  float64 `json:"tokenFailures"`
}

type providerSummary struct {
	Sent   float64 `json:"sent"`
	Failed float64 `json:"failed"`
}

type rateLimitInfo struct {
	Rejections float64            `json:"rejections"`
	ByClass    map[string]float64 `json:"byClass"`
}

type requestLogInfo struct {
	Buffered     float64 `json:"buffered"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Dropped      float64 `json:"dropped"`
}

type authInfo struct {
	Failures float64 `json:"failures"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	Driver        string  `json:"driver,omitempty"`
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	Waits         float64 `json:"waits"`
}

// Handler returns an http.HandlerFunc that serves a live metrics summary in
// JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		families, err := m.registry.Gather()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summarize(index(families), time.Now()))
	}
}

func summarize(g gathered, now time.Time) Summary {
	const (
		httpTotal    = "mailgate_http_requests_total"
		httpDuration = "mailgate_http_request_duration_seconds"
		dispatch     = "mailgate_dispatch_total"
		providerDur  = "mailgate_provider_duration_seconds"
		refreshes    = "mailgate_token_refreshes_total"
		flushes      = "mailgate_requestlog_flushes_total"
		rejections   = "mailgate_ratelimit_rejections_total"
	)

	s := Summary{
		HTTP: httpSummary{
			TotalRequests: g.counter(httpTotal),
			ErrorRate:     g.errorShare(httpTotal),
			P50Latency:    g.quantile(httpDuration, 0.50),
			P95Latency:    g.quantile(httpDuration, 0.95),
			P99Latency:    g.quantile(httpDuration, 0.99),
		},
		Dispatch: dispatchSummary{
			Sent:           g.counter(dispatch, "outcome", "success"),
			Failed:         g.counter(dispatch, "outcome", "failure"),
			P50Provider:    g.quantile(providerDur, 0.50),
			P95Provider:    g.quantile(providerDur, 0.95),
			ProviderErrors: g.counter("mailgate_provider_errors_total"),
			TokenRefreshes: g.counter(refreshes),
			TokenFailures:  g.counter(refreshes, "outcome", "error"),
		},
		Providers: make(map[string]providerSummary),
		RateLimit: rateLimitInfo{
			Rejections: g.counter(rejections),
			ByClass:    g.counterBy(rejections, "class"),
		},
		RequestLog: requestLogInfo{
			Buffered:     g.gauge("mailgate_requestlog_buffered"),
			TotalFlushes: g.counter(flushes),
			FlushErrors:  g.counter(flushes, "status", "error"),
			Dropped:      g.counter("mailgate_requestlog_dropped_total"),
		},
		Auth: authInfo{
			Failures: g.counter("mailgate_auth_failures_total"),
		},
		DB: dbInfo{
			TotalConns:    g.gauge("mailgate_db_pool_total_conns"),
			IdleConns:     g.gauge("mailgate_db_pool_idle_conns"),
			AcquiredConns: g.gauge("mailgate_db_pool_acquired_conns"),
			Driver:        g.firstLabel("mailgate_db_pool_total_conns", "driver"),
			Waits:         g.counter("mailgate_db_pool_waits_total"),
		},
	}

	for provider, sent := range g.counterBy(dispatch, "provider", "outcome", "success") {
		p := s.Providers[provider]
		p.Sent = sent
		s.Providers[provider] = p
	}
	for provider, failed := range g.counterBy(dispatch, "provider", "outcome", "failure") {
		p := s.Providers[provider]
		p.Failed = failed
		s.Providers[provider] = p
	}

	start := g.gauge("mailgate_server_start_time_seconds")
	s.Server = serverInfo{StartTime: start, UptimeSeconds: float64(now.Unix()) - start}
	return s
}

// gathered indexes a registry snapshot by family name.
type gathered map[string]*dto.MetricFamily

func index(families []*dto.MetricFamily) gathered {
	g := make(gathered, len(families))
	for _, f := range families {
		g[f.GetName()] = f
	}
	return g
}

// matches reports whether m carries every name/value pair in labels.
func matches(m *dto.Metric, labels []string) bool {
	for i := 0; i+1 < len(labels); i += 2 {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// counter sums a counter family, optionally restricted to label pairs.
func (g gathered) counter(name string, labels ...string) float64 {
	var total float64
	for _, m := range g[name].GetMetric() {
		if m.GetCounter() != nil && matches(m, labels) {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// counterBy sums a counter family grouped by the value of label by.
func (g gathered) counterBy(name, by string, labels ...string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range g[name].GetMetric() {
		if m.GetCounter() != nil && matches(m, labels) {
			out[labelValue(m, by)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func (g gathered) firstLabel(name, label string) string {
	ms := g[name].GetMetric()
	if len(ms) == 0 {
		return ""
	}
	return labelValue(ms[0], label)
}

func (g gathered) gauge(name string) float64 {
	ms := g[name].GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorShare is the share of requests answered with 4xx or 5xx.
func (g gathered) errorShare(name string) float64 {
	var total, errs float64
	for _, m := range g[name].GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		if code := labelValue(m, "status_code"); code != "" && code[0] >= '4' {
			errs += v
		}
	}
	if total == 0 {
		return 0
	}
	return errs / total
}

// quantile estimates q from the merged histogram buckets of a family by
// linear interpolation within the bucket holding the rank.
func (g gathered) quantile(name string, q float64) float64 {
	var samples uint64
	cumulative := make(map[float64]uint64)
	for _, m := range g[name].GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		samples += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if samples == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	if len(bounds) == 0 {
		return 0
	}
	sort.Float64s(bounds)

	rank := q * float64(samples)
	var lower float64
	var below uint64
	for _, ub := range bounds {
		count := cumulative[ub]
		if float64(count) >= rank {
			inBucket := count - below
			if inBucket == 0 {
				return ub
			}
			return lower + (rank-float64(below))/float64(inBucket)*(ub-lower)
		}
		lower, below = ub, count
	}
	// Everything landed in +Inf; report the last finite bound.
	return bounds[len(bounds)-1]
}
