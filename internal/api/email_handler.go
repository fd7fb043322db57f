package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alecgard/mailgate/internal/dispatch"
	"github.com/alecgard/mailgate/internal/mail"
)

type emailHandler struct {
	dispatcher Dispatcher
	maxBody    int64
}

func newEmailHandler(d Dispatcher, maxBody int64) *emailHandler {
	return &emailHandler{dispatcher: d, maxBody: maxBody}
}

type sendRequest struct {
	Provider string        `json:"provider"`
	Message  *mail.Message `json:"message"`
}

type batchRequest struct {
	Provider string          `json:"provider"`
	Messages []*mail.Message `json:"messages"`
}

// Send handles POST /api/email/send. A delivery failure is reported with
// the failed result and a 500.
func (h *emailHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := readJSON(r, &req, h.maxBody); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	if req.Provider == "" {
		h.reject(w, r, "", mail.ErrProviderRequired)
		return
	}
	if err := req.Message.Validate(); err != nil {
		h.reject(w, r, req.Provider, err)
		return
	}
	provider, err := mail.ParseProvider(req.Provider)
	if err != nil {
		h.reject(w, r, req.Provider, err)
		return
	}

	result, err := h.dispatcher.Send(r.Context(), provider, req.Message)
	if err != nil {
		h.reject(w, r, string(provider), err)
		return
	}

	annotate(r, string(provider), result.Error)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// SendBatch handles POST /api/email/batch. Every message is validated
// before any is sent.
func (h *emailHandler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := readJSON(r, &req, h.maxBody); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	if req.Provider == "" {
		h.reject(w, r, "", mail.ErrProviderRequired)
		return
	}
	if len(req.Messages) == 0 {
		h.reject(w, r, req.Provider, &mail.ValidationError{Message: "Messages array is required and must not be empty"})
		return
	}
	for i, msg := range req.Messages {
		if err := msg.Validate(); err != nil {
			h.reject(w, r, req.Provider, &mail.ValidationError{Message: fmt.Sprintf("Message at index %d: %s", i, err)})
			return
		}
	}
	provider, err := mail.ParseProvider(req.Provider)
	if err != nil {
		h.reject(w, r, req.Provider, err)
		return
	}

	result, err := h.dispatcher.SendBatch(r.Context(), provider, req.Messages)
	if err != nil {
		h.reject(w, r, string(provider), err)
		return
	}

	errMsg := ""
	if result.Failed > 0 {
		errMsg = fmt.Sprintf("%d of %d messages failed", result.Failed, result.Total)
	}
	annotate(r, string(provider), errMsg)
	writeJSON(w, http.StatusOK, result)
}

// reject maps errors that prevent a send from being attempted.
func (h *emailHandler) reject(w http.ResponseWriter, r *http.Request, provider string, err error) {
	annotate(r, provider, err.Error())

	var verr *mail.ValidationError
	var cerr *dispatch.ConfigurationError
	switch {
	case errors.As(err, &verr):
		writeValidationError(w, verr.Message)
	case errors.Is(err, dispatch.ErrUnknownProvider):
		writeValidationError(w, fmt.Sprintf("Invalid provider: %s. Must be 'gmail' or 'sendgrid'", provider))
	case errors.As(err, &cerr):
		slog.Error("provider not configured", "provider", cerr.Provider, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "provider_not_configured", cerr.Message)
	default:
		slog.Error("send failed", "provider", provider, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
