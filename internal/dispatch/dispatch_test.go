package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/mailgate/internal/mail"
)

type fakeProvider struct {
	name mail.Provider
	mu   sync.Mutex
	sent []*mail.Message
	// fail returns an error for messages whose subject matches.
	fail map[string]error
}

func (f *fakeProvider) Name() mail.Provider { return f.name }

func (f *fakeProvider) Send(_ context.Context, msg *mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.Subject]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "id-" + msg.Subject, nil
}

type blockingProvider struct{}

func (blockingProvider) Name() mail.Provider { return mail.ProviderGmail }

func (blockingProvider) Send(ctx context.Context, _ *mail.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	errTypes  []string
	durations int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{outcomes: map[string]int{}} }

func (m *fakeMetrics) IncDispatch(provider, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[provider+"/"+outcome]++
}

func (m *fakeMetrics) ObserveProviderDuration(string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *fakeMetrics) IncProviderError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errTypes = append(m.errTypes, errorType)
}

func msg(subject string) *mail.Message {
	return &mail.Message{To: mail.Recipients{"to@example.com"}, Subject: subject, Text: "body"}
}

func TestSendSuccess(t *testing.T) {
	sg := &fakeProvider{name: mail.ProviderSendGrid}
	d := New(time.Second, sg)
	metrics := newFakeMetrics()
	d.SetMetrics(metrics)

	res, err := d.Send(context.Background(), mail.ProviderSendGrid, msg("hello"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, mail.ProviderSendGrid, res.Provider)
	assert.Equal(t, "id-hello", res.MessageID)
	assert.False(t, res.Timestamp.IsZero())
	assert.Equal(t, 1, metrics.outcomes["sendgrid/success"])
	assert.Equal(t, 1, metrics.durations)
}

func TestSendProviderErrorBecomesFailedResult(t *testing.T) {
	sg := &fakeProvider{name: mail.ProviderSendGrid, fail: map[string]error{
		"boom": &ProviderError{Provider: mail.ProviderSendGrid, StatusCode: 503, Message: "unavailable"},
	}}
	d := New(time.Second, sg)
	metrics := newFakeMetrics()
	d.SetMetrics(metrics)

	res, err := d.Send(context.Background(), mail.ProviderSendGrid, msg("boom"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unavailable")
	assert.Empty(t, res.MessageID)
	assert.Equal(t, 1, metrics.outcomes["sendgrid/failure"])
	assert.Equal(t, []string{"upstream_5xx"}, metrics.errTypes)
}

func TestSendUnknownProvider(t *testing.T) {
	d := New(time.Second)
	_, err := d.Send(context.Background(), mail.Provider("mailgun"), msg("x"))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSendUnconfiguredProvider(t *testing.T) {
	d := New(time.Second, Unconfigured(mail.ProviderSendGrid, "SendGrid service not configured"))

	_, err := d.Send(context.Background(), mail.ProviderSendGrid, msg("x"))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "SendGrid service not configured", cfgErr.Message)
	assert.False(t, d.Configured(mail.ProviderSendGrid))
	assert.False(t, d.Configured(mail.ProviderGmail))
}

func TestSendValidationErrorPropagates(t *testing.T) {
	gm := &fakeProvider{name: mail.ProviderGmail, fail: map[string]error{
		"x": &mail.ValidationError{Message: "Gmail user email required in message.from or GMAIL_USER_EMAIL config"},
	}}
	d := New(time.Second, gm)

	_, err := d.Send(context.Background(), mail.ProviderGmail, msg("x"))
	var valErr *mail.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestSendTimeout(t *testing.T) {
	d := New(20*time.Millisecond, blockingProvider{})
	metrics := newFakeMetrics()
	d.SetMetrics(metrics)

	res, err := d.Send(context.Background(), mail.ProviderGmail, msg("slow"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Equal(t, []string{"timeout"}, metrics.errTypes)
}

func TestSendBatchPreservesOrder(t *testing.T) {
	sg := &fakeProvider{name: mail.ProviderSendGrid, fail: map[string]error{
		"second": errors.New("rejected"),
	}}
	d := New(time.Second, sg)

	batch, err := d.SendBatch(context.Background(), mail.ProviderSendGrid,
		[]*mail.Message{msg("first"), msg("second"), msg("third")})
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Successful)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, "id-first", batch.Results[0].MessageID)
	assert.False(t, batch.Results[1].Success)
	assert.Equal(t, "rejected", batch.Results[1].Error)
	assert.Equal(t, "id-third", batch.Results[2].MessageID)
}

func TestSendBatchRejectedMessageDoesNotAbort(t *testing.T) {
	gm := &fakeProvider{name: mail.ProviderGmail, fail: map[string]error{
		"bad": &mail.ValidationError{Message: "no user"},
	}}
	d := New(time.Second, gm)

	batch, err := d.SendBatch(context.Background(), mail.ProviderGmail, []*mail.Message{msg("bad"), msg("good")})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, "no user", batch.Results[0].Error)
	assert.True(t, batch.Results[1].Success)
}

func TestSendBatchUnconfigured(t *testing.T) {
	d := New(time.Second, Unconfigured(mail.ProviderGmail, "Gmail service not configured"))
	_, err := d.SendBatch(context.Background(), mail.ProviderGmail, []*mail.Message{msg("a")})
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{&ProviderError{StatusCode: 401}, "unauthorized"},
		{&ProviderError{StatusCode: 429}, "throttled"},
		{&ProviderError{StatusCode: 502}, "upstream_5xx"},
		{&ProviderError{StatusCode: 400}, "rejected"},
		{errors.New("refreshing gmail token: invalid_grant"), "token"},
		{errors.New("something"), "other"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestAttachmentBytes(t *testing.T) {
	assert.Equal(t, []byte("hello"), attachmentBytes(mail.Attachment{Content: "aGVsbG8="}))
	assert.Equal(t, []byte("plain text!"), attachmentBytes(mail.Attachment{Content: "plain text!"}))
}

func TestPaced(t *testing.T) {
	sg := &fakeProvider{name: mail.ProviderSendGrid}
	assert.Same(t, Provider(sg), NewPaced(sg, 0, 0))

	p := NewPaced(sg, 1, 1)
	_, err := p.Send(context.Background(), msg("one"))
	require.NoError(t, err)

	// The bucket is empty; a cancelled wait fails without sending.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Send(ctx, msg("two"))
	assert.Error(t, err)
	assert.Len(t, sg.sent, 1)
	assert.Equal(t, mail.ProviderSendGrid, p.Name())
}
