package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx connection pool. The schema is
// managed by the migrations in migrations/.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Store backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool exposes the underlying pool for metrics collection.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// IncrementWindow relies on a conditional upsert: the DO UPDATE only fires
// while the stored count is below the limit, so concurrent callers can never
// push a window past it.
func (s *Postgres) IncrementWindow(ctx context.Context, key WindowKey, limit int64, expiresAt time.Time) (int64, bool, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_limits (client_key, endpoint_class, window_index, count, expires_at)
		 VALUES ($1, $2, $3, 1, $5)
		 ON CONFLICT (client_key, endpoint_class, window_index)
		 DO UPDATE SET count = rate_limits.count + 1
		 WHERE rate_limits.count < $4
		 RETURNING count`,
		key.ClientKey, key.Class, key.Index, limit, expiresAt,
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("incrementing rate window: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count FROM rate_limits
		 WHERE client_key = $1 AND endpoint_class = $2 AND window_index = $3`,
		key.ClientKey, key.Class, key.Index,
	).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("reading rate window: %w", err)
	}
	return count, false, nil
}

func (s *Postgres) ResetWindows(ctx context.Context, clientKey string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE client_key = $1`, clientKey)
	if err != nil {
		return 0, fmt.Errorf("resetting rate windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) PurgeExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging rate windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ApplyKeyUsage upserts all deltas in one round trip.
func (s *Postgres) ApplyKeyUsage(ctx context.Context, deltas []KeyUsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(
			`INSERT INTO api_key_usage (key, total_count, success_count, failure_count, last_used)
			 VALUES ($1, $2::bigint + $3::bigint, $2, $3, $4)
			 ON CONFLICT (key) DO UPDATE SET
			   total_count   = api_key_usage.total_count + EXCLUDED.total_count,
			   success_count = api_key_usage.success_count + EXCLUDED.success_count,
			   failure_count = api_key_usage.failure_count + EXCLUDED.failure_count,
			   last_used     = GREATEST(api_key_usage.last_used, EXCLUDED.last_used)`,
			d.Key, d.Success, d.Failure, d.LastUsed,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range deltas {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("applying key usage: %w", err)
		}
	}
	return nil
}

func (s *Postgres) GetKeyUsage(ctx context.Context, key string) (*KeyUsage, error) {
	var u KeyUsage
	err := s.pool.QueryRow(ctx,
		`SELECT key, total_count, success_count, failure_count, last_used
		 FROM api_key_usage WHERE key = $1`, key,
	).Scan(&u.Key, &u.TotalCount, &u.SuccessCount, &u.FailureCount, &u.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key usage: %w", err)
	}
	return &u, nil
}

func (s *Postgres) ListKeyUsage(ctx context.Context, limit int) ([]KeyUsage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, total_count, success_count, failure_count, last_used
		 FROM api_key_usage ORDER BY last_used DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing key usage: %w", err)
	}
	defer rows.Close()

	out := make([]KeyUsage, 0)
	for rows.Next() {
		var u KeyUsage
		if err := rows.Scan(&u.Key, &u.TotalCount, &u.SuccessCount, &u.FailureCount, &u.LastUsed); err != nil {
			return nil, fmt.Errorf("scanning key usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// BatchInsert writes records in multi-row INSERTs of at most insertChunkRows
// rows. Records whose ID already exists are skipped, so a retried batch is
// not duplicated.
func (s *Postgres) BatchInsert(ctx context.Context, records []RequestRecord) error {
	const cols = 13

	for _, chunk := range chunkRecords(records, insertChunkRows) {
		args := make([]any, 0, len(chunk)*cols)
		rows := make([]string, 0, len(chunk))

		for i, r := range chunk {
			ph := make([]string, cols)
			for c := range ph {
				ph[c] = "$" + strconv.Itoa(i*cols+c+1)
			}
			rows = append(rows, "("+strings.Join(ph, ", ")+")")
			args = append(args, recordArgs(r, postgresDialect)...)
		}

		query := `INSERT INTO request_logs
			(id, timestamp, method, path, status_code, request_bytes, response_bytes,
			 duration_ms, client_ip, user_agent, provider, success, error_message)
			VALUES ` + strings.Join(rows, ", ") + `
			ON CONFLICT (id) DO NOTHING`

		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("batch inserting request records: %w", err)
		}
	}
	return nil
}

func (s *Postgres) ListRecords(ctx context.Context, q LogQuery) ([]RequestRecord, int64, error) {
	where, args := buildLogWhere(postgresDialect, q)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting request records: %w", err)
	}

	n := len(args)
	query := `SELECT id, timestamp, method, path, status_code, request_bytes, response_bytes,
		duration_ms, client_ip, user_agent, provider, success, error_message
	FROM request_logs` + where +
		fmt.Sprintf(` ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing request records: %w", err)
	}
	defer rows.Close()

	out := make([]RequestRecord, 0)
	for rows.Next() {
		var r RequestRecord
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Method, &r.Path, &r.StatusCode, &r.RequestBytes, &r.ResponseBytes,
			&r.DurationMs, &r.ClientIP, &r.UserAgent, &r.Provider, &r.Success, &r.ErrorMessage,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning request record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating request records: %w", err)
	}
	return out, total, nil
}

func (s *Postgres) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	where, args := buildRangeWhere(postgresDialect, from, to)

	st := &Stats{StatusCodeBreakdown: make(map[int]int64)}
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(duration_ms), 0)
	FROM request_logs`+where, args...).Scan(
		&st.TotalRequests, &st.SuccessfulRequests, &st.FailedRequests, &st.AverageResponseTime,
	)
	if err != nil {
		return nil, fmt.Errorf("querying request stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status_code, COUNT(*) FROM request_logs`+where+` GROUP BY status_code`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying status breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code int
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scanning status breakdown: %w", err)
		}
		st.StatusCodeBreakdown[code] = n
	}
	return st, rows.Err()
}

func (s *Postgres) PurgeRecords(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging request records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// recordArgs flattens a record into column order for inserts.
func recordArgs(r RequestRecord, d dialect) []any {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return []any{
		r.ID, d.timeArg(r.Timestamp), r.Method, r.Path, r.StatusCode, r.RequestBytes, r.ResponseBytes,
		r.DurationMs, r.ClientIP, r.UserAgent, r.Provider, d.boolArg(r.Success), r.ErrorMessage,
	}
}
