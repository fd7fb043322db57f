package requestlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/mailgate/internal/store"
)

// mockSink records all batches that were written.
type mockSink struct {
	mu       sync.Mutex
	batches  [][]store.RequestRecord
	deltas   []store.KeyUsageDelta
	insertFn func(ctx context.Context, recs []store.RequestRecord) error
	usageErr error
}

func (m *mockSink) BatchInsert(ctx context.Context, recs []store.RequestRecord) error {
	if m.insertFn != nil {
		if err := m.insertFn(ctx, recs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]store.RequestRecord, len(recs))
	copy(cp, recs)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockSink) ApplyKeyUsage(_ context.Context, deltas []store.KeyUsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return m.usageErr
	}
	m.deltas = append(m.deltas, deltas...)
	return nil
}

func (m *mockSink) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockSink) usageFor(key string) (success, failure int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deltas {
		if d.Key == key {
			success += d.Success
			failure += d.Failure
		}
	}
	return success, failure
}

func sampleRecord(path string) store.RequestRecord {
	return store.RequestRecord{
		Method:     "POST",
		Path:       path,
		StatusCode: 200,
		DurationMs: 12,
		ClientIP:   "203.0.113.5",
		Success:    true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLogger_RecordBuffers(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, time.Hour)

	l.Record(sampleRecord("/api/email/send"))
	l.Record(sampleRecord("/api/logs"))

	if got := l.Buffered(); got != 2 {
		t.Fatalf("expected 2 buffered records, got %d", got)
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected nothing written before flush, got %d", ms.totalInserted())
	}
}

func TestLogger_RecordStampsTimestamp(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, time.Hour)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Record(sampleRecord("/api/logs"))
	l.Stop()

	if got := ms.batches[0][0].Timestamp; !got.Equal(fixed) {
		t.Fatalf("expected timestamp %v, got %v", fixed, got)
	}
}

func TestLogger_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"below batch size waits", 5, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockSink{}
			l := New(ms, tt.batchSize, time.Hour)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go l.Start(ctx)

			for i := 0; i < tt.records; i++ {
				l.Record(sampleRecord("/api/email/send"))
			}

			time.Sleep(50 * time.Millisecond)
			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed records, got %d", tt.wantFlush, got)
			}
			l.Stop()
		})
	}
}

func TestLogger_StopDoesFinalFlush(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, time.Hour)

	go l.Start(context.Background())
	l.Record(sampleRecord("/a"))
	l.Record(sampleRecord("/b"))
	l.Record(sampleRecord("/c"))
	l.Track("fp", 200)

	l.Stop()

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 records after Stop, got %d", got)
	}
	if s, _ := ms.usageFor("fp"); s != 1 {
		t.Fatalf("expected usage flushed on Stop, got success=%d", s)
	}
}

func TestLogger_StopWithoutStart(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, time.Hour)
	l.Record(sampleRecord("/a"))
	l.Stop()
	l.Stop()

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected inline flush, got %d", got)
	}
}

func TestLogger_TimerFlush(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	l.Record(sampleRecord("/a"))
	waitFor(t, func() bool { return ms.totalInserted() == 1 })
	l.Stop()
}

func TestLogger_ConcurrentRecords(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 10, time.Hour)
	go l.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(sampleRecord("/api/email/send"))
			l.Track("shared", 202)
		}()
	}
	wg.Wait()
	l.Stop()

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 records, got %d", got)
	}
	if s, f := ms.usageFor("shared"); s != 50 || f != 0 {
		t.Fatalf("expected 50 successes, got success=%d failure=%d", s, f)
	}
}

func TestLogger_RecordDoesNotWaitOnStore(t *testing.T) {
	release := make(chan struct{})
	ms := &mockSink{insertFn: func(ctx context.Context, _ []store.RequestRecord) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	l := New(ms, 1, time.Hour)
	go l.Start(context.Background())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		l.Record(sampleRecord("/a"))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Record blocked behind a slow store: %v", elapsed)
	}

	close(release)
	l.Stop()
	if got := ms.totalInserted(); got != 1000 {
		t.Fatalf("expected all 1000 records written, got %d", got)
	}
}

func TestLogger_FailedFlushIsRetried(t *testing.T) {
	var mu sync.Mutex
	fail := true
	ms := &mockSink{insertFn: func(context.Context, []store.RequestRecord) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("db unavailable")
		}
		return nil
	}}
	l := New(ms, 100, time.Hour)

	l.Record(sampleRecord("/a"))
	l.Record(sampleRecord("/b"))
	l.flush()

	if got := l.Buffered(); got != 2 {
		t.Fatalf("expected failed records back in the buffer, got %d", got)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	l.Record(sampleRecord("/c"))
	l.flush()

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 records after retry, got %d", got)
	}
	if ms.batches[0][0].Path != "/a" {
		t.Errorf("expected retried records first, got %s", ms.batches[0][0].Path)
	}
}

func TestLogger_RequeueDropsOldestBeyondCap(t *testing.T) {
	ms := &mockSink{insertFn: func(context.Context, []store.RequestRecord) error {
		return errors.New("down")
	}}
	l := New(ms, 2, time.Hour)
	l.maxBuffered = 3

	for _, p := range []string{"/1", "/2", "/3", "/4", "/5"} {
		l.Record(sampleRecord(p))
	}
	l.flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) != 3 || l.records[0].Path != "/3" {
		t.Fatalf("expected newest 3 records kept, got %+v", l.records)
	}
}

func TestLogger_RecoversAfterLongOutage(t *testing.T) {
	const maxRows = 250
	var mu sync.Mutex
	down := true
	ms := &mockSink{insertFn: func(_ context.Context, recs []store.RequestRecord) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errors.New("db unavailable")
		}
		if len(recs) > maxRows {
			return errors.New("too many SQL variables")
		}
		return nil
	}}
	l := New(ms, 100, time.Hour)

	for cycle := 0; cycle < 30; cycle++ {
		for i := 0; i < 100; i++ {
			l.Record(sampleRecord("/api/email/send"))
		}
		l.flush()
	}
	if got := l.Buffered(); got != 3000 {
		t.Fatalf("expected 3000 buffered records during outage, got %d", got)
	}

	mu.Lock()
	down = false
	mu.Unlock()
	l.flush()

	if got := l.Buffered(); got != 0 {
		t.Fatalf("expected empty buffer after recovery, got %d", got)
	}
	if got := ms.totalInserted(); got != 3000 {
		t.Fatalf("expected 3000 records written after recovery, got %d", got)
	}
	for _, b := range ms.batches {
		if len(b) > 100 {
			t.Fatalf("expected chunks of at most batch size, got %d", len(b))
		}
	}
}

func TestLogger_PartialFlushRequeuesTail(t *testing.T) {
	calls := 0
	ms := &mockSink{insertFn: func(context.Context, []store.RequestRecord) error {
		calls++
		if calls == 2 {
			return errors.New("connection reset")
		}
		return nil
	}}
	l := New(ms, 2, time.Hour)

	for _, p := range []string{"/1", "/2", "/3", "/4", "/5"} {
		l.Record(sampleRecord(p))
	}
	l.flush()

	l.mu.Lock()
	got := make([]string, 0, len(l.records))
	for _, r := range l.records {
		got = append(got, r.Path)
	}
	l.mu.Unlock()
	if len(got) != 3 || got[0] != "/3" || got[2] != "/5" {
		t.Fatalf("expected /3../5 requeued, got %v", got)
	}
	if n := ms.totalInserted(); n != 2 {
		t.Fatalf("expected first chunk written, got %d", n)
	}
}

func TestLogger_RecordIDStableAcrossRetry(t *testing.T) {
	fail := true
	var seen []string
	ms := &mockSink{insertFn: func(_ context.Context, recs []store.RequestRecord) error {
		for _, r := range recs {
			seen = append(seen, r.ID)
		}
		if fail {
			return errors.New("timeout after commit")
		}
		return nil
	}}
	l := New(ms, 100, time.Hour)

	l.Record(sampleRecord("/a"))
	l.flush()
	fail = false
	l.flush()

	if len(seen) != 2 || seen[0] == "" || seen[0] != seen[1] {
		t.Fatalf("expected the same non-empty ID on both attempts, got %v", seen)
	}
}

func TestLogger_TrackClassifiesStatus(t *testing.T) {
	tests := []struct {
		status      int
		wantSuccess int64
	}{
		{200, 1},
		{202, 1},
		{302, 1},
		{399, 1},
		{400, 0},
		{401, 0},
		{429, 0},
		{500, 0},
		{199, 0},
	}

	for _, tt := range tests {
		ms := &mockSink{}
		l := New(ms, 100, time.Hour)
		l.Track("k", tt.status)
		l.Stop()

		s, f := ms.usageFor("k")
		if s != tt.wantSuccess || s+f != 1 {
			t.Errorf("status %d: success=%d failure=%d", tt.status, s, f)
		}
	}
}

func TestLogger_TrackAggregatesPerKey(t *testing.T) {
	ms := &mockSink{}
	l := New(ms, 100, time.Hour)

	l.Track("a", 200)
	l.Track("a", 500)
	l.Track("a", 200)
	l.Track("b", 401)
	l.Track("", 200)
	l.Stop()

	if len(ms.deltas) != 2 {
		t.Fatalf("expected one delta per key, got %d", len(ms.deltas))
	}
	if s, f := ms.usageFor("a"); s != 2 || f != 1 {
		t.Errorf("key a: success=%d failure=%d", s, f)
	}
	if s, f := ms.usageFor("b"); s != 0 || f != 1 {
		t.Errorf("key b: success=%d failure=%d", s, f)
	}
}

func TestLogger_FailedUsageIsMergedBack(t *testing.T) {
	ms := &mockSink{usageErr: errors.New("down")}
	l := New(ms, 100, time.Hour)

	l.Track("a", 200)
	l.flush()
	l.Track("a", 500)

	ms.mu.Lock()
	ms.usageErr = nil
	ms.mu.Unlock()
	l.flush()

	if s, f := ms.usageFor("a"); s != 1 || f != 1 {
		t.Fatalf("expected merged delta, got success=%d failure=%d", s, f)
	}
}

func TestLogger_WithMemoryStore(t *testing.T) {
	mem := store.NewMemory()
	l := New(mem, 2, time.Hour)
	go l.Start(context.Background())

	l.Record(sampleRecord("/api/email/send"))
	l.Record(sampleRecord("/api/email/batch"))
	l.Track("fp", 200)
	l.Stop()

	recs, total, err := mem.ListRecords(context.Background(), store.LogQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 2 || len(recs) != 2 {
		t.Fatalf("expected 2 records, got total=%d len=%d", total, len(recs))
	}
	u, err := mem.GetKeyUsage(context.Background(), "fp")
	if err != nil {
		t.Fatalf("GetKeyUsage: %v", err)
	}
	if u.TotalCount != 1 || u.SuccessCount != 1 {
		t.Fatalf("unexpected usage %+v", u)
	}
}
