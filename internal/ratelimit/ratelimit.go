package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/alecgard/mailgate/internal/store"
)

// Class groups endpoints that share a rate limit.
type Class string

const (
	ClassGeneral Class = "general"
	ClassSend    Class = "send"
	ClassBatch   Class = "batch"
)

// Policy is the number of requests allowed per fixed window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the built-in limits per endpoint class.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassGeneral: {Limit: 10, Window: time.Minute},
		ClassSend:    {Limit: 5, Window: time.Minute},
		ClassBatch:   {Limit: 3, Window: time.Minute},
	}
}

// Decision is the result of a Check.
type Decision struct {
	Class     Class
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to a
// whole second and never less than one.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	secs := (wait + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// Gate enforces fixed-window limits keyed by client and endpoint class.
// Windows are aligned to multiples of the policy window since the unix
// epoch, so a client can get up to twice the limit across a boundary.
type Gate struct {
	windows  store.WindowStore
	policies map[Class]Policy
	now      func() time.Time // injectable clock for testing
}

// New creates a Gate. Classes missing from policies fall back to the
// general policy.
func New(windows store.WindowStore, policies map[Class]Policy) *Gate {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Gate{
		windows:  windows,
		policies: policies,
		now:      time.Now,
	}
}

// Policy returns the effective policy for class.
func (g *Gate) Policy(class Class) (Class, Policy) {
	if p, ok := g.policies[class]; ok {
		return class, p
	}
	return ClassGeneral, g.policies[ClassGeneral]
}

// Check counts one request for clientKey against class. The increment and
// the limit comparison happen in a single store operation; a rejected
// request is not counted.
func (g *Gate) Check(ctx context.Context, clientKey string, class Class) (Decision, error) {
	class, p := g.Policy(class)
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{}, fmt.Errorf("no usable rate limit policy for class %q", class)
	}

	now := g.now()
	index := now.UnixNano() / int64(p.Window)
	resetAt := time.Unix(0, (index+1)*int64(p.Window))

	d := Decision{
		Class:   class,
		Limit:   p.Limit,
		ResetAt: resetAt,
	}

	count, allowed, err := g.windows.IncrementWindow(ctx, store.WindowKey{
		ClientKey: clientKey,
		Class:     string(class),
		Index:     index,
	}, int64(p.Limit), resetAt)
	if err != nil {
		return d, fmt.Errorf("checking rate window: %w", err)
	}

	d.Allowed = allowed
	if allowed {
		d.Remaining = p.Limit - int(count)
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// Reset clears every window held for clientKey.
func (g *Gate) Reset(ctx context.Context, clientKey string) (int64, error) {
	return g.windows.ResetWindows(ctx, clientKey)
}

// Purge drops windows that have already closed.
func (g *Gate) Purge(ctx context.Context) (int64, error) {
	return g.windows.PurgeExpiredWindows(ctx, g.now())
}
