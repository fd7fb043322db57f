package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/alecgard/mailgate/internal/mail"
)

// Paced wraps a Provider with an outbound token bucket so bursts of
// gateway traffic do not trip the provider's own quotas.
type Paced struct {
	Provider
	limiter *rate.Limiter
}

// NewPaced returns p limited to rps sends per second with the given burst.
// A non-positive rps returns p unchanged.
func NewPaced(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &Paced{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Send waits for a slot and then delegates to the wrapped provider.
func (p *Paced) Send(ctx context.Context, msg *mail.Message) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for %s send slot: %w", p.Name(), err)
	}
	return p.Provider.Send(ctx, msg)
}
