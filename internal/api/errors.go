package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// defaultMaxBodySize bounds request bodies when RouterDeps leaves it unset.
const defaultMaxBodySize = 10 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error         errorDetail `json:"error"`
	StatusCode    int         `json:"statusCode,omitempty"`
	StatusMessage string      `json:"statusMessage,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// successEnvelope wraps read endpoints.
type successEnvelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeValidationError writes a 400 that also carries the status fields
// existing clients read.
func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{
		Error:         errorDetail{Code: "validation_error", Message: message},
		StatusCode:    http.StatusBadRequest,
		StatusMessage: message,
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSuccess writes 200 with data inside the success envelope.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

// readJSON decodes the request body into v, enforcing a size limit. An
// empty body leaves v untouched so field validation reports what is missing.
func readJSON(r *http.Request, v any, limit int64) error {
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	lr := io.LimitReader(r.Body, limit)
	err := json.NewDecoder(lr).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
