// Package token keeps OAuth2 access tokens for providers fresh. A Manager
// publishes immutable token snapshots and collapses concurrent refreshes into
// a single exchange with the token endpoint.
package token

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMargin is how long before expiry a token is considered stale.
	DefaultMargin = 5 * time.Minute
	// DefaultTimeout bounds a single exchange with the token endpoint.
	DefaultTimeout = 15 * time.Second
)

// Token is an access token snapshot. A zero ExpiresAt never expires.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (t Token) freshAt(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Source fetches a new token from an authorization server.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Token, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// State describes where a Manager is in its refresh lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateValid
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithMargin sets the refresh margin before expiry.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithTimeout bounds each exchange with the token endpoint.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRefreshHook registers a callback invoked after every exchange.
func WithRefreshHook(fn func(name string, err error)) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

// Manager hands out access tokens, refreshing them when they near expiry.
// It is safe for concurrent use.
type Manager struct {
	name    string
	source  Source
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time

	current   atomic.Pointer[Token]
	state     atomic.Int32
	group     singleflight.Group
	onRefresh func(name string, err error)
}

// NewManager creates a Manager that obtains tokens from src. name labels log
// lines and metrics.
func NewManager(name string, src Source, opts ...Option) *Manager {
	m := &Manager{
		name:    name,
		source:  src,
		margin:  DefaultMargin,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the manager's label.
func (m *Manager) Name() string { return m.name }

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Token returns a fresh access token. When the cached snapshot is stale,
// exactly one caller performs the exchange and the others wait for its
// result. The exchange is not cancelled when an individual caller gives up;
// it runs to completion under the manager's own timeout.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if t := m.current.Load(); t != nil && t.freshAt(m.now(), m.margin) {
		return *t, nil
	}

	ch := m.group.DoChan(m.name, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Invalidate drops the cached snapshot so the next call refreshes, for
// example after the provider rejected the token.
func (m *Manager) Invalidate() {
	m.current.Store(nil)
}

func (m *Manager) refresh(ctx context.Context) (Token, error) {
	// Another flight may have finished while this one was being scheduled.
	if t := m.current.Load(); t != nil && t.freshAt(m.now(), m.margin) {
		return *t, nil
	}

	m.state.Store(int32(StateRefreshing))

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tok, err := m.source.Fetch(ctx)
	if err == nil && tok.AccessToken == "" {
		err = fmt.Errorf("token endpoint returned an empty access token")
	}
	if m.onRefresh != nil {
		m.onRefresh(m.name, err)
	}
	if err != nil {
		m.state.Store(int32(StateFailed))
		return Token{}, fmt.Errorf("refreshing %s token: %w", m.name, err)
	}

	m.current.Store(&tok)
	m.state.Store(int32(StateValid))
	return tok, nil
}
