package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS rate_limits (
		client_key     TEXT    NOT NULL,
		endpoint_class TEXT    NOT NULL,
		window_index   INTEGER NOT NULL,
		count          INTEGER NOT NULL DEFAULT 0,
		expires_at     INTEGER NOT NULL,
		PRIMARY KEY (client_key, endpoint_class, window_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_expires ON rate_limits (expires_at)`,
	`CREATE TABLE IF NOT EXISTS api_key_usage (
		key           TEXT    PRIMARY KEY,
		total_count   INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_used     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id             TEXT    PRIMARY KEY,
		timestamp      INTEGER NOT NULL,
		method         TEXT    NOT NULL,
		path           TEXT    NOT NULL,
		status_code    INTEGER NOT NULL,
		request_bytes  INTEGER NOT NULL DEFAULT 0,
		response_bytes INTEGER NOT NULL DEFAULT 0,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		client_ip      TEXT    NOT NULL DEFAULT '',
		user_agent     TEXT    NOT NULL DEFAULT '',
		provider       TEXT    NOT NULL DEFAULT '',
		success        INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_status ON request_logs (status_code)`,
}

// SQLite is a Store backed by an embedded libsql database. Timestamps are
// stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:", a file path, or a file:/libsql: DSN.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn, err := buildLibsqlDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}
	// An in-memory database is per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) IncrementWindow(ctx context.Context, key WindowKey, limit int64, expiresAt time.Time) (int64, bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limits (client_key, endpoint_class, window_index, count, expires_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (client_key, endpoint_class, window_index)
		 DO UPDATE SET count = rate_limits.count + 1
		 WHERE rate_limits.count < ?
		 RETURNING count`,
		key.ClientKey, key.Class, key.Index, expiresAt.UnixMilli(), limit,
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("incrementing rate window: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_limits
		 WHERE client_key = ? AND endpoint_class = ? AND window_index = ?`,
		key.ClientKey, key.Class, key.Index,
	).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("reading rate window: %w", err)
	}
	return count, false, nil
}

func (s *SQLite) ResetWindows(ctx context.Context, clientKey string) (int64, error) {
	return s.execAffected(ctx, "resetting rate windows",
		`DELETE FROM rate_limits WHERE client_key = ?`, clientKey)
}

func (s *SQLite) PurgeExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	return s.execAffected(ctx, "purging rate windows",
		`DELETE FROM rate_limits WHERE expires_at < ?`, now.UnixMilli())
}

func (s *SQLite) ApplyKeyUsage(ctx context.Context, deltas []KeyUsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning key usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range deltas {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_usage (key, total_count, success_count, failure_count, last_used)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
			   total_count   = api_key_usage.total_count + excluded.total_count,
			   success_count = api_key_usage.success_count + excluded.success_count,
			   failure_count = api_key_usage.failure_count + excluded.failure_count,
			   last_used     = MAX(api_key_usage.last_used, excluded.last_used)`,
			d.Key, d.Success+d.Failure, d.Success, d.Failure, d.LastUsed.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("applying key usage: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetKeyUsage(ctx context.Context, key string) (*KeyUsage, error) {
	var u KeyUsage
	var lastUsed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, total_count, success_count, failure_count, last_used
		 FROM api_key_usage WHERE key = ?`, key,
	).Scan(&u.Key, &u.TotalCount, &u.SuccessCount, &u.FailureCount, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key usage: %w", err)
	}
	u.LastUsed = time.UnixMilli(lastUsed).UTC()
	return &u, nil
}

func (s *SQLite) ListKeyUsage(ctx context.Context, limit int) ([]KeyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, total_count, success_count, failure_count, last_used
		 FROM api_key_usage ORDER BY last_used DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing key usage: %w", err)
	}
	defer rows.Close()

	out := make([]KeyUsage, 0)
	for rows.Next() {
		var u KeyUsage
		var lastUsed int64
		if err := rows.Scan(&u.Key, &u.TotalCount, &u.SuccessCount, &u.FailureCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("scanning key usage: %w", err)
		}
		u.LastUsed = time.UnixMilli(lastUsed).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// BatchInsert writes records in multi-row INSERTs of at most insertChunkRows
// rows. Records whose ID already exists are skipped, so a retried batch is
// not duplicated.
func (s *SQLite) BatchInsert(ctx context.Context, records []RequestRecord) error {
	for _, chunk := range chunkRecords(records, insertChunkRows) {
		rows := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*13)
		for _, r := range chunk {
			rows = append(rows, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, recordArgs(r, sqliteDialect)...)
		}

		query := `INSERT INTO request_logs
			(id, timestamp, method, path, status_code, request_bytes, response_bytes,
			 duration_ms, client_ip, user_agent, provider, success, error_message)
			VALUES ` + strings.Join(rows, ", ") + `
			ON CONFLICT (id) DO NOTHING`

		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("batch inserting request records: %w", err)
		}
	}
	return nil
}

func (s *SQLite) ListRecords(ctx context.Context, q LogQuery) ([]RequestRecord, int64, error) {
	where, args := buildLogWhere(sqliteDialect, q)

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting request records: %w", err)
	}

	query := `SELECT id, timestamp, method, path, status_code, request_bytes, response_bytes,
		duration_ms, client_ip, user_agent, provider, success, error_message
	FROM request_logs` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing request records: %w", err)
	}
	defer rows.Close()

	out := make([]RequestRecord, 0)
	for rows.Next() {
		var r RequestRecord
		var ts int64
		if err := rows.Scan(
			&r.ID, &ts, &r.Method, &r.Path, &r.StatusCode, &r.RequestBytes, &r.ResponseBytes,
			&r.DurationMs, &r.ClientIP, &r.UserAgent, &r.Provider, &r.Success, &r.ErrorMessage,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning request record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating request records: %w", err)
	}
	return out, total, nil
}

func (s *SQLite) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	where, args := buildRangeWhere(sqliteDialect, from, to)

	st := &Stats{StatusCodeBreakdown: make(map[int]int64)}
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		COALESCE(AVG(duration_ms), 0.0)
	FROM request_logs`+where, args...).Scan(
		&st.TotalRequests, &st.SuccessfulRequests, &st.FailedRequests, &st.AverageResponseTime,
	)
	if err != nil {
		return nil, fmt.Errorf("querying request stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLite) PurgeRecords(ctx context.Context, before time.Time) (int64, error) {
	return s.execAffected(ctx, "purging request records",
		`DELETE FROM request_logs WHERE timestamp < ?`, before.UnixMilli())
}

// DB exposes the underlying handle for metrics collection.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) execAffected(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func buildLibsqlDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("store path is required")
	case path == ":memory:", strings.HasPrefix(path, "libsql:"), strings.HasPrefix(path, "http"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local := strings.TrimPrefix(path, "file:")
		if i := strings.IndexByte(local, '?'); i >= 0 {
			local = local[:i]
		}
		if err := ensureStoreDir(local); err != nil {
			return "", err
		}
		return path, nil
	default:
		if err := ensureStoreDir(path); err != nil {
			return "", err
		}
		return "file:" + filepath.Clean(path), nil
	}
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	return nil
}
