package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/alecgard/mailgate/internal/mail"
	"github.com/alecgard/mailgate/internal/token"
)

// DefaultGmailBaseURL is the Gmail REST API root.
const DefaultGmailBaseURL = "https://gmail.googleapis.com"

// Tokens supplies access tokens; *token.Manager satisfies it.
type Tokens interface {
	Token(ctx context.Context) (token.Token, error)
	Invalidate()
}

// GmailConfig configures the Gmail provider.
type GmailConfig struct {
	// UserEmail is the mailbox sent from. For service accounts it is the
	// account's own address; for delegated tokens it is the fallback when a
	// message has no from address.
	UserEmail string
	// Delegated lets message.from select the sending mailbox.
	Delegated bool
	BaseURL   string
	Client    *http.Client
}

// Gmail sends messages through the Gmail API using OAuth2 bearer tokens.
type Gmail struct {
	tokens    Tokens
	userEmail string
	delegated bool
	baseURL   string
	client    *http.Client
}

// NewGmail creates a Gmail provider.
func NewGmail(tokens Tokens, cfg GmailConfig) *Gmail {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultGmailBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Gmail{
		tokens:    tokens,
		userEmail: cfg.UserEmail,
		delegated: cfg.Delegated,
		baseURL:   base,
		client:    client,
	}
}

// Name returns mail.ProviderGmail.
func (g *Gmail) Name() mail.Provider { return mail.ProviderGmail }

// Send renders msg as MIME and submits it to users.messages.send.
func (g *Gmail) Send(ctx context.Context, msg *mail.Message) (string, error) {
	user := g.userEmail
	if g.delegated && msg.From != "" {
		user = msg.From
	}
	if user == "" {
		return "", &mail.ValidationError{Message: "Gmail user email required in message.from or GMAIL_USER_EMAIL config"}
	}

	raw, err := renderMIME(msg, user)
	if err != nil {
		return "", err
	}

	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"raw": base64.RawURLEncoding.EncodeToString(raw)})
	if err != nil {
		return "", fmt.Errorf("encoding gmail request: %w", err)
	}
	endpoint := g.baseURL + "/gmail/v1/users/" + url.PathEscape(user) + "/messages/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating gmail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gmail request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		g.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: mail.ProviderGmail, StatusCode: resp.StatusCode, Message: googleErrorMessage(respBody)}
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &sent); err != nil {
		return "", fmt.Errorf("decoding gmail response: %w", err)
	}
	return sent.ID, nil
}

// renderMIME builds the RFC 5322 message Gmail expects in the raw field.
func renderMIME(msg *mail.Message, defaultFrom string) ([]byte, error) {
	m := gomail.NewMsg()

	from := msg.From
	if from == "" {
		from = defaultFrom
	}
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if len(msg.CC) > 0 {
		if err := m.Cc(msg.CC...); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	if len(msg.BCC) > 0 {
		// WriteTo leaves Bcc out of the headers; Gmail reads blind copies
		// from the raw message, so it goes in as a generic header.
		m.SetGenHeader(gomail.Header("Bcc"), strings.Join(msg.BCC, ", "))
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetDate()

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	}

	for _, a := range msg.Attachments {
		var opts []gomail.FileOption
		if a.ContentType != "" {
			opts = append(opts, gomail.WithFileContentType(gomail.ContentType(a.ContentType)))
		}
		if err := m.AttachReader(a.Filename, bytes.NewReader(attachmentBytes(a)), opts...); err != nil {
			return nil, fmt.Errorf("attaching %s: %w", a.Filename, err)
		}
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering message: %w", err)
	}
	return buf.Bytes(), nil
}

func googleErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}

var _ Provider = (*Gmail)(nil)
