package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alecgard/mailgate/internal/mail"
)

const (
	// DefaultSendGridBaseURL is the SendGrid v3 API root.
	DefaultSendGridBaseURL = "https://api.sendgrid.com"
	// DefaultSendGridFrom is used when a message has no from address.
	DefaultSendGridFrom = "noreply@example.com"
)

// SendGridConfig configures the SendGrid provider.
type SendGridConfig struct {
	APIKey      string
	BaseURL     string
	DefaultFrom string
	Client      *http.Client
}

// SendGrid sends messages through the SendGrid v3 mail/send endpoint.
type SendGrid struct {
	apiKey      string
	baseURL     string
	defaultFrom string
	client      *http.Client
}

// NewSendGrid creates a SendGrid provider.
func NewSendGrid(cfg SendGridConfig) *SendGrid {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultSendGridBaseURL
	}
	from := cfg.DefaultFrom
	if from == "" {
		from = DefaultSendGridFrom
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &SendGrid{apiKey: cfg.APIKey, baseURL: base, defaultFrom: from, client: client}
}

// Name returns mail.ProviderSendGrid.
func (s *SendGrid) Name() mail.Provider { return mail.ProviderSendGrid }

type sgAddress struct {
	Email string `json:"email"`
}

type sgPersonalization struct {
	To  []sgAddress `json:"to"`
	CC  []sgAddress `json:"cc,omitempty"`
	BCC []sgAddress `json:"bcc,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content,omitempty"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

// Send posts msg to SendGrid and returns the X-Message-Id header.
func (s *SendGrid) Send(ctx context.Context, msg *mail.Message) (string, error) {
	body, err := json.Marshal(s.buildRequest(msg))
	if err != nil {
		return "", fmt.Errorf("encoding sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", &ProviderError{Provider: mail.ProviderSendGrid, StatusCode: resp.StatusCode, Message: sendGridErrorMessage(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("X-Message-Id"), nil
}

func (s *SendGrid) buildRequest(msg *mail.Message) sgRequest {
	from := msg.From
	if from == "" {
		from = s.defaultFrom
	}
	r := sgRequest{
		Personalizations: []sgPersonalization{{
			To:  addresses(msg.To),
			CC:  addresses(msg.CC),
			BCC: addresses(msg.BCC),
		}},
		From:    sgAddress{Email: from},
		Subject: msg.Subject,
	}
	if msg.ReplyTo != "" {
		r.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	// SendGrid requires text/plain to precede text/html.
	if msg.Text != "" {
		r.Content = append(r.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		r.Content = append(r.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}
	for _, a := range msg.Attachments {
		r.Attachments = append(r.Attachments, sgAttachment{
			Content:     base64.StdEncoding.EncodeToString(attachmentBytes(a)),
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}
	return r
}

func addresses(list mail.Recipients) []sgAddress {
	if len(list) == 0 {
		return nil
	}
	out := make([]sgAddress, len(list))
	for i, a := range list {
		out[i] = sgAddress{Email: a}
	}
	return out
}

func sendGridErrorMessage(body []byte) string {
	var e struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &e); err == nil && len(e.Errors) > 0 {
		msgs := make([]string, len(e.Errors))
		for i, m := range e.Errors {
			msgs[i] = m.Message
		}
		return strings.Join(msgs, "; ")
	}
	return strings.TrimSpace(string(body))
}

var _ Provider = (*SendGrid)(nil)
