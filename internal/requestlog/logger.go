// Package requestlog records gateway traffic off the request path. Records
// and API-key usage are buffered in memory and written to the store in
// batches by a background goroutine.
package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/mailgate/internal/store"
)

// Sink is the subset of the store the Logger writes to.
type Sink interface {
	BatchInsert(ctx context.Context, records []store.RequestRecord) error
	ApplyKeyUsage(ctx context.Context, deltas []store.KeyUsageDelta) error
}

// MetricsRecorder is an optional interface for recording logger metrics.
type MetricsRecorder interface {
	SetRequestLogBuffered(n int)
	IncRequestLogFlush(kind, outcome string)
	AddRequestLogDropped(n int)
}

const flushTimeout = 10 * time.Second

// Logger buffers request records and usage deltas and flushes them when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
// Record and Track never wait on the store. It is safe for concurrent use.
type Logger struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	// maxBuffered caps how many records are kept across failed flushes.
	maxBuffered int
	now         func() time.Time
	metrics     MetricsRecorder

	mu      sync.Mutex
	records []store.RequestRecord
	usage   map[string]*store.KeyUsageDelta

	kick     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a Logger over sink.
func New(sink Sink, batchSize int, flushInterval time.Duration) *Logger {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Logger{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBuffered:   batchSize * 100,
		now:           time.Now,
		records:       make([]store.RequestRecord, 0, batchSize),
		usage:         make(map[string]*store.KeyUsageDelta),
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (l *Logger) SetMetrics(m MetricsRecorder) {
	l.metrics = m
}

// Start runs the flush loop. It blocks until Stop is called or ctx is
// cancelled, flushing once more before returning.
func (l *Logger) Start(ctx context.Context) {
	l.started.Store(true)
	defer close(l.stopped)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.kick:
			l.flush()
		case <-ctx.Done():
			l.flush()
			return
		case <-l.done:
			l.flush()
			return
		}
	}
}

// Record queues a request record. A full batch wakes the flush loop; the
// caller never waits for the write. The record ID is fixed here so a batch
// retried after an ambiguous failure is written at most once.
func (l *Logger) Record(rec store.RequestRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	n := len(l.records)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.SetRequestLogBuffered(n)
	}
	if n >= l.batchSize {
		l.wake()
	}
}

// Track attributes a completed request to the credential with the given
// fingerprint. Statuses 200 through 399 count as successes.
func (l *Logger) Track(fingerprint string, status int) {
	if fingerprint == "" {
		return
	}
	now := l.now().UTC()

	l.mu.Lock()
	d, ok := l.usage[fingerprint]
	if !ok {
		d = &store.KeyUsageDelta{Key: fingerprint}
		l.usage[fingerprint] = d
	}
	if status >= 200 && status < 400 {
		d.Success++
	} else {
		d.Failure++
	}
	if now.After(d.LastUsed) {
		d.LastUsed = now
	}
	l.mu.Unlock()
}

// Buffered returns the number of records waiting to be written.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Stop ends the flush loop and waits for the final flush. Without a running
// loop it flushes inline.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		if l.started.Load() {
			<-l.stopped
			return
		}
		l.flush()
	})
}

func (l *Logger) wake() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// flush drains both buffers and writes them. Records go out in chunks of at
// most batchSize; the first failed chunk and everything after it go back
// into the buffer for the next attempt. Errors are logged, never returned.
func (l *Logger) flush() {
	l.mu.Lock()
	records := l.records
	usage := l.usage
	l.records = make([]store.RequestRecord, 0, l.batchSize)
	l.usage = make(map[string]*store.KeyUsageDelta)
	l.mu.Unlock()

	if len(records) == 0 && len(usage) == 0 {
		return
	}

	if len(records) > 0 {
		if rest := l.writeRecords(records); len(rest) > 0 {
			l.requeueRecords(rest)
		}
	}

	if len(usage) > 0 {
		deltas := make([]store.KeyUsageDelta, 0, len(usage))
		for _, d := range usage {
			deltas = append(deltas, *d)
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := l.sink.ApplyKeyUsage(ctx, deltas)
		cancel()
		if err != nil {
			slog.Error("failed to flush api key usage", "keys", len(deltas), "error", err)
			l.countFlush("usage", "error")
			l.requeueUsage(deltas)
		} else {
			l.countFlush("usage", "ok")
		}
	}

	if l.metrics != nil {
		l.metrics.SetRequestLogBuffered(l.Buffered())
	}
}

// writeRecords inserts records chunk by chunk and returns the unwritten tail.
func (l *Logger) writeRecords(records []store.RequestRecord) []store.RequestRecord {
	for len(records) > 0 {
		n := min(len(records), l.batchSize)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := l.sink.BatchInsert(ctx, records[:n])
		cancel()
		if err != nil {
			slog.Error("failed to flush request logs", "count", n, "pending", len(records), "error", err)
			l.countFlush("records", "error")
			return records
		}
		l.countFlush("records", "ok")
		records = records[n:]
	}
	return nil
}

func (l *Logger) requeueRecords(failed []store.RequestRecord) {
	l.mu.Lock()
	merged := append(failed, l.records...)
	dropped := 0
	if over := len(merged) - l.maxBuffered; over > 0 {
		// Oldest records go first.
		merged = merged[over:]
		dropped = over
	}
	l.records = merged
	l.mu.Unlock()

	if dropped > 0 {
		slog.Warn("dropped request logs after repeated flush failures", "count", dropped)
		if l.metrics != nil {
			l.metrics.AddRequestLogDropped(dropped)
		}
	}
}

func (l *Logger) requeueUsage(failed []store.KeyUsageDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range failed {
		d, ok := l.usage[f.Key]
		if !ok {
			cp := f
			l.usage[f.Key] = &cp
			continue
		}
		d.Success += f.Success
		d.Failure += f.Failure
		if f.LastUsed.After(d.LastUsed) {
			d.LastUsed = f.LastUsed
		}
	}
}

func (l *Logger) countFlush(kind, outcome string) {
	if l.metrics != nil {
		l.metrics.IncRequestLogFlush(kind, outcome)
	}
}
