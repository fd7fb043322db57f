// Package store persists rate-limit windows, the API-key usage ledger and the
// request log. Every backend implements Store; the window counter can be
// split out to a faster backend with WithWindows.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// insertChunkRows bounds the rows per INSERT statement so the bind
// parameter count stays below the SQLite and Postgres limits.
const insertChunkRows = 500

// chunkRecords splits records into slices of at most size rows.
func chunkRecords(records []RequestRecord, size int) [][]RequestRecord {
	var out [][]RequestRecord
	for len(records) > 0 {
		n := min(len(records), size)
		out = append(out, records[:n])
		records = records[n:]
	}
	return out
}

// WindowStore holds fixed-window request counters.
type WindowStore interface {
	// IncrementWindow atomically increments the counter for key if it is
	// below limit, creating it at 1 when absent. It returns the counter value
	// after the call and whether the increment happened. A rejected call
	// leaves the counter untouched. expiresAt is when the window can be
	// discarded.
	IncrementWindow(ctx context.Context, key WindowKey, limit int64, expiresAt time.Time) (count int64, allowed bool, err error)
	// ResetWindows deletes every window for clientKey.
	ResetWindows(ctx context.Context, clientKey string) (int64, error)
	// PurgeExpiredWindows deletes windows whose expiry is before now.
	PurgeExpiredWindows(ctx context.Context, now time.Time) (int64, error)
}

// KeyLedger tracks per-credential request counts.
type KeyLedger interface {
	ApplyKeyUsage(ctx context.Context, deltas []KeyUsageDelta) error
	GetKeyUsage(ctx context.Context, key string) (*KeyUsage, error)
	// ListKeyUsage returns up to limit rows ordered by most recent use.
	ListKeyUsage(ctx context.Context, limit int) ([]KeyUsage, error)
}

// RecordLog is the append-only request log.
type RecordLog interface {
	BatchInsert(ctx context.Context, records []RequestRecord) error
	// ListRecords returns a page of records, newest first, and the total
	// number of records matching the filters.
	ListRecords(ctx context.Context, q LogQuery) ([]RequestRecord, int64, error)
	Stats(ctx context.Context, from, to time.Time) (*Stats, error)
	// PurgeRecords deletes records older than before.
	PurgeRecords(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	WindowStore
	KeyLedger
	RecordLog
	Ping(ctx context.Context) error
	Close() error
}
