package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/credit-gateway/internal/audit"
)

// Store implements audit.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the audit database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	account_id INTEGER NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	request_body TEXT NOT NULL DEFAULT '',
	response_code INTEGER NOT NULL,
	response_body TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_requests_account_created ON api_requests(account_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertRecord = `
INSERT INTO api_requests(request_id, account_id, endpoint, method, request_body, response_code, response_body, duration_ms, ip, user_agent, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, rec audit.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, insertRecord,
		rec.RequestID, rec.AccountID, rec.Endpoint, rec.Method, rec.RequestBody,
		rec.ResponseCode, rec.ResponseBody, rec.DurationMs, rec.IP, rec.UserAgent,
		created.UTC().UnixMilli(),
	)
	return err
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if err := insert(ctx, s.db, rec); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// AppendBatch inserts records in one transaction.
func (s *Store) AppendBatch(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, rec := range recs {
		if err := insert(ctx, tx, rec); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
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
	if q.AccountID != 0 {
		where = append(where, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.Until.UTC().UnixMilli())
	}
	query := `
SELECT id, request_id, account_id, endpoint, method, request_body, response_code, response_body, duration_ms, ip, user_agent, created_at
FROM api_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []audit.Record
	for rows.Next() {
		var (
			r       audit.Record
			created int64
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.AccountID, &r.Endpoint, &r.Method, &r.RequestBody,
			&r.ResponseCode, &r.ResponseBody, &r.DurationMs, &r.IP, &r.UserAgent, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DailyStats groups an account's records by UTC day, oldest first.
func (s *Store) DailyStats(ctx context.Context, accountID int64, since time.Time) ([]audit.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT date(created_at / 1000, 'unixepoch') AS day,
	COUNT(*),
	SUM(CASE WHEN response_code BETWEEN 200 AND 299 THEN 1 ELSE 0 END),
	SUM(CASE WHEN response_code >= 400 THEN 1 ELSE 0 END),
	AVG(duration_ms)
FROM api_requests
WHERE account_id = ? AND created_at >= ?
GROUP BY day
ORDER BY day`, accountID, since.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []audit.DailyStat
	for rows.Next() {
		var (
			day string
			st  audit.DailyStat
		)
		if err := rows.Scan(&day, &st.Requests, &st.Successful, &st.Failed, &st.AvgDurationMs); err != nil {
			return nil, err
		}
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("parse day %q: %w", day, err)
		}
		st.Day = parsed
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
