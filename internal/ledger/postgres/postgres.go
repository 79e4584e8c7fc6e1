package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
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
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	balance NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	amount NUMERIC(20,6) NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('Recharge','Usage')),
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
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

// CreateAccount inserts an account and, for a positive initial balance, the
// matching recharge entry.
func (s *Store) CreateAccount(ctx context.Context, name string, initial decimal.Decimal) (ledger.Account, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ledger.Account{}, "", errors.New("account name required")
	}
	initial, err := ledger.CheckBalance(initial)
	if err != nil {
		return ledger.Account{}, "", err
	}
	key, prefix, hash, err := ledger.GenerateAPIKey()
	if err != nil {
		return ledger.Account{}, "", fmt.Errorf("generate api key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx, `
INSERT INTO accounts(name, key_hash, key_prefix, balance)
VALUES($1, $2, $3, $4)
RETURNING `+accountColumns, name, hash, prefix, initial))
	if err != nil {
		return ledger.Account{}, "", fmt.Errorf("insert account: %w", err)
	}
	if initial.IsPositive() {
		if err := insertEntry(ctx, tx, acct.ID, initial, ledger.KindRecharge, "Initial balance"); err != nil {
			return ledger.Account{}, "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, "", err
	}
	return acct, key, nil
}

const accountColumns = `id, name, key_prefix, balance, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var a ledger.Account
	if err := row.Scan(&a.ID, &a.Name, &a.KeyPrefix, &a.Balance, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, err
	}
	return a, nil
}

// Account returns the account with the given id.
func (s *Store) Account(ctx context.Context, id int64) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// LookupAPIKey resolves a plaintext key to its account, active or not.
func (s *Store) LookupAPIKey(ctx context.Context, apiKey string) (ledger.Account, error) {
	if strings.TrimSpace(apiKey) == "" {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE key_hash = $1`, ledger.HashAPIKey(apiKey)))
}

// SetActive enables or disables an account.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RotateAPIKey replaces the account's key and returns the new plaintext key.
func (s *Store) RotateAPIKey(ctx context.Context, id int64) (string, error) {
	key, prefix, hash, err := ledger.GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET key_hash = $1, key_prefix = $2, updated_at = NOW() WHERE id = $3`,
		hash, prefix, id)
	if err != nil {
		return "", err
	}
	if err := requireRow(res); err != nil {
		return "", err
	}
	return key, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// Balance returns the current balance.
func (s *Store) Balance(ctx context.Context, id int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	return balance, err
}

// Debit subtracts amount under the row lock taken by the conditional update.
// Concurrent debits of the same account queue on that lock and re-check the
// predicate against the committed balance.
func (s *Store) Debit(ctx context.Context, id int64, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	amount, err := ledger.CheckAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE accounts SET balance = balance - $1, updated_at = NOW()
WHERE id = $2 AND balance >= $1
RETURNING balance`, amount, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return decimal.Zero, err
		}
		if !exists {
			return decimal.Zero, ledger.ErrAccountNotFound
		}
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit account: %w", err)
	}
	if err := insertEntry(ctx, tx, id, amount.Neg(), ledger.KindUsage, description); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// Credit adds amount to the balance and appends an entry of the given kind.
func (s *Store) Credit(ctx context.Context, id int64, amount decimal.Decimal, kind ledger.Kind, description string) (decimal.Decimal, error) {
	amount, err := ledger.CheckAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}
	if !kind.Valid() {
		return decimal.Zero, fmt.Errorf("invalid entry kind %q", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
UPDATE accounts SET balance = balance + $1, updated_at = NOW()
WHERE id = $2 AND balance <= $3
RETURNING balance`, amount, id, ledger.MaxAmount.Sub(amount)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return decimal.Zero, err
		}
		if !exists {
			return decimal.Zero, ledger.ErrAccountNotFound
		}
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit account: %w", err)
	}
	if err := insertEntry(ctx, tx, id, amount, kind, description); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID int64, amount decimal.Decimal, kind ledger.Kind, description string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(account_id, amount, kind, description)
VALUES($1, $2, $3, $4)`, accountID, amount, string(kind), description)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListEntries returns a page of entries, newest first, with the total count
// matching the filter.
func (s *Store) ListEntries(ctx context.Context, id int64, filter ledger.EntryFilter) ([]ledger.Entry, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	where := `account_id = $1`
	args := []any{id}
	if filter.Kind != "" {
		where += ` AND kind = $2`
		args = append(args, string(filter.Kind))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`
SELECT id, account_id, amount, kind, description, created_at
FROM ledger_entries
WHERE %s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e    ledger.Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &kind, &e.Description, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Kind = ledger.Kind(kind)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// UsageSince sums usage entries created at or after since.
func (s *Store) UsageSince(ctx context.Context, id int64, since time.Time) (ledger.UsageTotals, error) {
	var totals ledger.UsageTotals
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(-amount), 0)
FROM ledger_entries
WHERE account_id = $1 AND kind = 'Usage' AND created_at >= $2`, id, since.UTC()).Scan(&totals.Count, &totals.Amount)
	return totals, err
}

// EntrySum returns the signed sum of all entries of an account.
func (s *Store) EntrySum(ctx context.Context, id int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, id).Scan(&sum)
	return sum, err
}

// Reconcile reads the balance and the entry sum in a single statement.
func (s *Store) Reconcile(ctx context.Context, id int64) (decimal.Decimal, decimal.Decimal, error) {
	var balance, sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
SELECT a.balance,
	COALESCE((SELECT SUM(e.amount) FROM ledger_entries e WHERE e.account_id = a.id), 0)
FROM accounts a WHERE a.id = $1`, id).Scan(&balance, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return balance, sum, nil
}

// Setting reads a named setting.
func (s *Store) Setting(ctx context.Context, key string) (ledger.Setting, error) {
	var st ledger.Setting
	err := s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM settings WHERE key = $1`, key).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Setting{}, ledger.ErrSettingNotFound
	}
	return st, err
}

// PutSetting creates or replaces a named setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES($1, $2, NOW())
ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	return err
}
