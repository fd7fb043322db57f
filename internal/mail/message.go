package mail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider names an email backend.
type Provider string

const (
	ProviderGmail    Provider = "gmail"
	ProviderSendGrid Provider = "sendgrid"
)

// Providers lists every provider the gateway knows about, in display order.
var Providers = []Provider{ProviderGmail, ProviderSendGrid}

// ErrProviderRequired is returned when a request names no provider.
var ErrProviderRequired = &ValidationError{Message: "Provider is required (gmail or sendgrid)"}

// ParseProvider converts a request value into a Provider. An empty string
// and an unknown name are reported with different messages.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGmail, ProviderSendGrid:
		return Provider(s), nil
	case "":
		return "", ErrProviderRequired
	default:
		return "", &ValidationError{Message: fmt.Sprintf("Invalid provider: %s. Must be 'gmail' or 'sendgrid'", s)}
	}
}

// Recipients is a list of addresses that decodes from either a single JSON
// string or a JSON array of strings.
type Recipients []string

// UnmarshalJSON accepts "a@x" as well as ["a@x", "b@x"].
func (r *Recipients) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*r = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decoding recipient list: %w", err)
		}
		*r = compact(list)
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings: %w", err)
	}
	*r = compact([]string{single})
	return nil
}

func compact(in []string) Recipients {
	out := make(Recipients, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Attachment is a file carried with a message. Content is either base64 or
// plain text; providers that need base64 encode plain text themselves.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Message is the provider-independent representation of an email.
type Message struct {
	To          Recipients   `json:"to"`
	CC          Recipients   `json:"cc,omitempty"`
	BCC         Recipients   `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	From        string       `json:"from,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Validate reports whether the message carries the fields every provider
// needs.
func (m *Message) Validate() error {
	if m == nil {
		return &ValidationError{Message: "Message object is required"}
	}
	if len(m.To) == 0 || strings.TrimSpace(m.Subject) == "" {
		return &ValidationError{Message: `Message must include "to" and "subject" fields`}
	}
	for i, a := range m.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			return &ValidationError{Message: fmt.Sprintf("attachment %d is missing a filename", i)}
		}
	}
	return nil
}

// ValidationError is returned for malformed send requests. It maps to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// DispatchResult is the outcome of one send attempt.
type DispatchResult struct {
	Success   bool      `json:"success"`
	Provider  Provider  `json:"provider"`
	MessageID string    `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchResult aggregates the results of a batch send. Results are in the
// same order as the submitted messages.
type BatchResult struct {
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Results    []DispatchResult `json:"results"`
	Timestamp  time.Time        `json:"timestamp"`
}
