package store

import (
	"context"
	"errors"
	"time"
)

// windowBackend is a WindowStore with its own lifecycle.
type windowBackend interface {
	WindowStore
	Ping(ctx context.Context) error
	Close() error
}

type splitStore struct {
	Store
	windows windowBackend
}

// WithWindows returns a Store that keeps rate windows in windows and
// everything else in base. Closing it closes both.
func WithWindows(base Store, windows windowBackend) Store {
	return &splitStore{Store: base, windows: windows}
}

func (s *splitStore) IncrementWindow(ctx context.Context, key WindowKey, limit int64, expiresAt time.Time) (int64, bool, error) {
	return s.windows.IncrementWindow(ctx, key, limit, expiresAt)
}

func (s *splitStore) ResetWindows(ctx context.Context, clientKey string) (int64, error) {
	return s.windows.ResetWindows(ctx, clientKey)
}

func (s *splitStore) PurgeExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	return s.windows.PurgeExpiredWindows(ctx, now)
}

func (s *splitStore) Ping(ctx context.Context) error {
	return errors.Join(s.Store.Ping(ctx), s.windows.Ping(ctx))
}

func (s *splitStore) Close() error {
	return errors.Join(s.windows.Close(), s.Store.Close())
}
