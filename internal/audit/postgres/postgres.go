package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tokligence/credit-gateway/internal/audit"
)

// Store implements audit.Store for PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for connection pooling.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// New opens the audit database and applies the schema.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_requests (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL DEFAULT '',
	account_id BIGINT NOT NULL,
	endpoint VARCHAR(255) NOT NULL,
	method VARCHAR(10) NOT NULL,
	request_body TEXT NOT NULL DEFAULT '',
	response_code INTEGER NOT NULL,
	response_body TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	ip VARCHAR(45) NOT NULL DEFAULT '',
	user_agent VARCHAR(500) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_api_requests_account_created ON api_requests(account_id, created_at DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func createdAt(rec audit.Record) time.Time {
	if rec.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.CreatedAt.UTC()
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_requests(request_id, account_id, endpoint, method, request_body, response_code, response_body, duration_ms, ip, user_agent, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.RequestID, rec.AccountID, rec.Endpoint, rec.Method, rec.RequestBody,
		rec.ResponseCode, rec.ResponseBody, rec.DurationMs, rec.IP, rec.UserAgent, createdAt(rec))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// AppendBatch streams records with COPY inside one transaction.
func (s *Store) AppendBatch(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("api_requests",
		"request_id", "account_id", "endpoint", "method", "request_body",
		"response_code", "response_body", "duration_ms", "ip", "user_agent", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.RequestID, rec.AccountID, rec.Endpoint, rec.Method, rec.RequestBody,
			rec.ResponseCode, rec.ResponseBody, rec.DurationMs, rec.IP, rec.UserAgent, createdAt(rec)); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy audit record: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns records matching q, newest first.
func (s *Store) List(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.AccountID != 0 {
		add("account_id = $%d", q.AccountID)
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("created_at < $%d", q.Until.UTC())
	}
	query := `
SELECT id, request_id, account_id, endpoint, method, request_body, response_code, response_body, duration_ms, ip, user_agent, created_at
FROM api_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []audit.Record
	for rows.Next() {
		var r audit.Record
		if err := rows.Scan(&r.ID, &r.RequestID, &r.AccountID, &r.Endpoint, &r.Method, &r.RequestBody,
			&r.ResponseCode, &r.ResponseBody, &r.DurationMs, &r.IP, &r.UserAgent, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DailyStats groups an account's records by UTC day, oldest first.
func (s *Store) DailyStats(ctx context.Context, accountID int64, since time.Time) ([]audit.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT (created_at AT TIME ZONE 'UTC')::date AS day,
	COUNT(*),
	COUNT(*) FILTER (WHERE response_code BETWEEN 200 AND 299),
	COUNT(*) FILTER (WHERE response_code >= 400),
	AVG(duration_ms)::float8
FROM api_requests
WHERE account_id = $1 AND created_at >= $2
GROUP BY day
ORDER BY day`, accountID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []audit.DailyStat
	for rows.Next() {
		var st audit.DailyStat
		if err := rows.Scan(&st.Day, &st.Requests, &st.Successful, &st.Failed, &st.AvgDurationMs); err != nil {
			return nil, err
		}
		st.Day = st.Day.UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
