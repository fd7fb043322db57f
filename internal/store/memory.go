package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memWindow struct {
	count     int64
	expiresAt time.Time
}

// Memory is an in-process Store. It is safe for concurrent use and is
// intended for single-instance deployments and tests.
type Memory struct {
	mu      sync.Mutex
	windows map[WindowKey]*memWindow
	usage   map[string]*KeyUsage
	records []RequestRecord
	ids     map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[WindowKey]*memWindow),
		usage:   make(map[string]*KeyUsage),
		ids:     make(map[string]struct{}),
	}
}

func (m *Memory) IncrementWindow(_ context.Context, key WindowKey, limit int64, expiresAt time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &memWindow{expiresAt: expiresAt}
		m.windows[key] = w
	}
	if w.count >= limit {
		return w.count, false, nil
	}
	w.count++
	return w.count, true, nil
}

func (m *Memory) ResetWindows(_ context.Context, clientKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.windows {
		if k.ClientKey == clientKey {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeExpiredWindows(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, w := range m.windows {
		if w.expiresAt.Before(now) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ApplyKeyUsage(_ context.Context, deltas []KeyUsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range deltas {
		u, ok := m.usage[d.Key]
		if !ok {
			u = &KeyUsage{Key: d.Key}
			m.usage[d.Key] = u
		}
		u.SuccessCount += d.Success
		u.FailureCount += d.Failure
		u.TotalCount += d.Success + d.Failure
		if d.LastUsed.After(u.LastUsed) {
			u.LastUsed = d.LastUsed
		}
	}
	return nil
}

func (m *Memory) GetKeyUsage(_ context.Context, key string) (*KeyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ListKeyUsage(_ context.Context, limit int) ([]KeyUsage, error) {
	m.mu.Lock()
	out := make([]KeyUsage, 0, len(m.usage))
	for _, u := range m.usage {
		out = append(out, *u)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) BatchInsert(_ context.Context, records []RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, dup := m.ids[r.ID]; dup {
			continue
		}
		m.ids[r.ID] = struct{}{}
		m.records = append(m.records, r)
	}
	return nil
}

func (m *Memory) ListRecords(_ context.Context, q LogQuery) ([]RequestRecord, int64, error) {
	matched := m.filter(func(r *RequestRecord) bool {
		if q.Method != "" && !strings.EqualFold(r.Method, q.Method) {
			return false
		}
		if q.Path != "" && !strings.Contains(r.Path, q.Path) {
			return false
		}
		if q.StatusCode != 0 && r.StatusCode != q.StatusCode {
			return false
		}
		return inRange(r.Timestamp, q.From, q.To)
	})

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	if q.Offset >= len(matched) {
		return []RequestRecord{}, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func (m *Memory) Stats(_ context.Context, from, to time.Time) (*Stats, error) {
	matched := m.filter(func(r *RequestRecord) bool { return inRange(r.Timestamp, from, to) })

	st := &Stats{StatusCodeBreakdown: make(map[int]int64)}
	var totalDuration int64
	for _, r := range matched {
		st.TotalRequests++
		st.StatusCodeBreakdown[r.StatusCode]++
		if r.Success {
			st.SuccessfulRequests++
		} else {
			st.FailedRequests++
		}
		totalDuration += r.DurationMs
	}
	if st.TotalRequests > 0 {
		st.AverageResponseTime = float64(totalDuration) / float64(st.TotalRequests)
	}
	return st, nil
}

func (m *Memory) PurgeRecords(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.Timestamp.Before(before) {
			delete(m.ids, r.ID)
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// filter copies the records accepted by keep.
func (m *Memory) filter(keep func(*RequestRecord) bool) []RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RequestRecord, 0)
	for i := range m.records {
		if keep(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
