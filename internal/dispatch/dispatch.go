// Package dispatch routes normalized messages to email providers.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/alecgard/mailgate/internal/mail"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 15 * time.Second

// ErrUnknownProvider is returned for a provider name with no registration.
var ErrUnknownProvider = errors.New("unknown provider")

// ConfigurationError means the provider is known but lacks credentials.
type ConfigurationError struct {
	Provider mail.Provider
	Message  string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ProviderError is a non-success response from a provider API.
type ProviderError struct {
	Provider   mail.Provider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Provider sends a message through one backend and returns the backend's
// message id.
type Provider interface {
	Name() mail.Provider
	Send(ctx context.Context, msg *mail.Message) (string, error)
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	IncDispatch(provider, outcome string)
	ObserveProviderDuration(provider string, seconds float64)
	IncProviderError(provider, errorType string)
}

// Unconfigured returns a placeholder for a provider whose credentials are
// missing. Sends through it fail with a ConfigurationError carrying message.
func Unconfigured(name mail.Provider, message string) Provider {
	return &unconfigured{name: name, message: message}
}

type unconfigured struct {
	name    mail.Provider
	message string
}

func (u *unconfigured) Name() mail.Provider { return u.name }

func (u *unconfigured) Send(context.Context, *mail.Message) (string, error) {
	return "", &ConfigurationError{Provider: u.name, Message: u.message}
}

// Dispatcher selects a provider by name and turns provider outcomes into
// DispatchResults.
type Dispatcher struct {
	providers map[mail.Provider]Provider
	timeout   time.Duration
	now       func() time.Time
	metrics   MetricsRecorder
}

// New creates a Dispatcher over the given providers. A non-positive timeout
// selects DefaultTimeout.
func New(timeout time.Duration, providers ...Provider) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		providers: make(map[mail.Provider]Provider, len(providers)),
		timeout:   timeout,
		now:       time.Now,
	}
	for _, p := range providers {
		d.providers[p.Name()] = p
	}
	return d
}

// SetMetrics sets the optional metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Configured reports whether name is registered with working credentials.
func (d *Dispatcher) Configured(name mail.Provider) bool {
	p, ok := d.providers[name]
	if !ok {
		return false
	}
	_, missing := p.(*unconfigured)
	return !missing
}

// Send delivers msg through the named provider. The returned error is
// non-nil only when the request cannot be attempted at all: an unknown
// provider, a provider without credentials, or a message the provider
// cannot address. Everything else, including token and network failures,
// comes back as a failed DispatchResult.
func (d *Dispatcher) Send(ctx context.Context, name mail.Provider, msg *mail.Message) (mail.DispatchResult, error) {
	p, err := d.lookup(name)
	if err != nil {
		return mail.DispatchResult{}, err
	}
	return d.send(ctx, p, msg)
}

// SendBatch sends msgs one after another through the named provider.
// Results keep the input order. A message the provider rejects up front is
// reported as a failed result rather than aborting the batch.
func (d *Dispatcher) SendBatch(ctx context.Context, name mail.Provider, msgs []*mail.Message) (mail.BatchResult, error) {
	p, err := d.lookup(name)
	if err != nil {
		return mail.BatchResult{}, err
	}

	batch := mail.BatchResult{
		Total:   len(msgs),
		Results: make([]mail.DispatchResult, 0, len(msgs)),
	}
	for _, msg := range msgs {
		res, err := d.send(ctx, p, msg)
		if err != nil {
			res = mail.DispatchResult{Provider: name, Error: err.Error(), Timestamp: d.now().UTC()}
		}
		if res.Success {
			batch.Successful++
		} else {
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}
	batch.Timestamp = d.now().UTC()
	return batch, nil
}

func (d *Dispatcher) lookup(name mail.Provider) (Provider, error) {
	p, ok := d.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if u, ok := p.(*unconfigured); ok {
		return nil, &ConfigurationError{Provider: name, Message: u.message}
	}
	return p, nil
}

func (d *Dispatcher) send(ctx context.Context, p Provider, msg *mail.Message) (mail.DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	name := p.Name()
	start := d.now()
	id, err := p.Send(ctx, msg)
	elapsed := d.now().Sub(start)

	var cfgErr *ConfigurationError
	var valErr *mail.ValidationError
	if errors.As(err, &cfgErr) || errors.As(err, &valErr) {
		return mail.DispatchResult{}, err
	}

	res := mail.DispatchResult{Provider: name, Timestamp: d.now().UTC()}
	if d.metrics != nil {
		d.metrics.ObserveProviderDuration(string(name), elapsed.Seconds())
	}
	if err != nil {
		res.Error = err.Error()
		slog.Warn("email send failed", "provider", name, "error", err, "duration_ms", elapsed.Milliseconds())
		if d.metrics != nil {
			d.metrics.IncDispatch(string(name), "failure")
			d.metrics.IncProviderError(string(name), classifyError(err))
		}
		return res, nil
	}

	res.Success = true
	res.MessageID = id
	if d.metrics != nil {
		d.metrics.IncDispatch(string(name), "success")
	}
	return res, nil
}

// classifyError categorizes a provider call error for metrics.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == 401 || provErr.StatusCode == 403:
			return "unauthorized"
		case provErr.StatusCode == 429:
			return "throttled"
		case provErr.StatusCode >= 500:
			return "upstream_5xx"
		default:
			return "rejected"
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	if strings.Contains(err.Error(), "token") {
		return "token"
	}
	return "other"
}

// attachmentBytes returns the raw bytes of an attachment. Content that is
// valid base64 is decoded; anything else is taken as text.
func attachmentBytes(a mail.Attachment) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(a.Content); err == nil {
		return decoded
	}
	return []byte(a.Content)
}
