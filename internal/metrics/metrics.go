package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the mailgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Dispatch metrics.
	DispatchTotal       *prometheus.CounterVec
	ProviderDuration    *prometheus.HistogramVec
	ProviderErrorsTotal *prometheus.CounterVec
	TokenRefreshesTotal *prometheus.CounterVec

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Request log metrics.
	RequestLogBuffered     prometheus.Gauge
	RequestLogFlushesTotal *prometheus.CounterVec
	RequestLogDroppedTotal prometheus.Counter

	AuthFailuresTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_dispatch_total",
			Help: "Total number of send attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_provider_duration_seconds",
			Help:    "Provider send duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		ProviderErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_provider_errors_total",
			Help: "Total number of provider send errors by error type.",
		}, []string{"provider", "error_type"}),

		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_token_refreshes_total",
			Help: "Total number of OAuth2 token exchanges by outcome.",
		}, []string{"source", "outcome"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"class"}),

		RequestLogBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_requestlog_buffered",
			Help: "Current number of buffered request records.",
		}),

		RequestLogFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_requestlog_flushes_total",
			Help: "Total number of request log flushes.",
		}, []string{"kind", "status"}),

		RequestLogDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_requestlog_dropped_total",
			Help: "Total number of request records dropped after repeated flush failures.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"reason"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.DispatchTotal,
		m.ProviderDuration,
		m.ProviderErrorsTotal,
		m.TokenRefreshesTotal,
		m.RateLimitRejectionsTotal,
		m.RequestLogBuffered,
		m.RequestLogFlushesTotal,
		m.RequestLogDroppedTotal,
		m.AuthFailuresTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterStorePool exposes the store's connection pool, read through stats
// on every scrape.
func (m *Metrics) RegisterStorePool(driver string, stats func() PoolStats) {
	m.registry.MustRegister(newPoolCollector(driver, stats))
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pattern string, status int, seconds float64, reqBytes, respBytes int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
	m.HTTPRequestSize.WithLabelValues(method, pattern).Observe(float64(reqBytes))
	m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(respBytes))
}

// IncAuthFailure increments the auth failure counter.
func (m *Metrics) IncAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// IncRateLimitRejection increments the rejection counter for an endpoint class.
func (m *Metrics) IncRateLimitRejection(class string) {
	m.RateLimitRejectionsTotal.WithLabelValues(class).Inc()
}

// IncDispatch counts a send attempt.
func (m *Metrics) IncDispatch(provider, outcome string) {
	m.DispatchTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderDuration records how long a provider call took.
func (m *Metrics) ObserveProviderDuration(provider string, seconds float64) {
	m.ProviderDuration.WithLabelValues(provider).Observe(seconds)
}

// IncProviderError counts a classified provider error.
func (m *Metrics) IncProviderError(provider, errorType string) {
	m.ProviderErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

// ObserveTokenRefresh counts a token exchange; err decides the outcome label.
func (m *Metrics) ObserveTokenRefresh(source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TokenRefreshesTotal.WithLabelValues(source, outcome).Inc()
}

// SetRequestLogBuffered sets the request log buffer gauge.
func (m *Metrics) SetRequestLogBuffered(n int) {
	m.RequestLogBuffered.Set(float64(n))
}

// IncRequestLogFlush counts a request log flush.
func (m *Metrics) IncRequestLogFlush(kind, outcome string) {
	m.RequestLogFlushesTotal.WithLabelValues(kind, outcome).Inc()
}

// AddRequestLogDropped counts dropped request records.
func (m *Metrics) AddRequestLogDropped(n int) {
	m.RequestLogDroppedTotal.Add(float64(n))
}
