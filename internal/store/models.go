package store

import "time"

// WindowKey identifies one fixed rate-limit window for a client and endpoint
// class. Index is floor(unix time / window duration).
type WindowKey struct {
	ClientKey string
	Class     string
	Index     int64
}

// KeyUsage is the ledger row for one API credential. Key is a fingerprint,
// never the raw secret.
type KeyUsage struct {
	Key          string    `json:"apiKey"`
	TotalCount   int64     `json:"totalCount"`
	SuccessCount int64     `json:"successCount"`
	FailureCount int64     `json:"failureCount"`
	LastUsed     time.Time `json:"lastUsed"`
}

// KeyUsageDelta is an increment to apply to a ledger row.
type KeyUsageDelta struct {
	Key      string
	Success  int64
	Failure  int64
	LastUsed time.Time
}

// RequestRecord is an immutable entry in the request log.
type RequestRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	StatusCode    int       `json:"statusCode"`
	RequestBytes  int64     `json:"requestSize"`
	ResponseBytes int64     `json:"responseSize"`
	DurationMs    int64     `json:"duration"`
	ClientIP      string    `json:"clientIp"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
}

// LogQuery filters and paginates the request log. Zero values mean "no
// filter". Path matches as a substring.
type LogQuery struct {
	Method     string
	Path       string
	StatusCode int
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Stats aggregates the request log over a time range.
type Stats struct {
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	AverageResponseTime float64       `json:"averageResponseTime"`
	StatusCodeBreakdown map[int]int64 `json:"statusCodeBreakdown"`
}
