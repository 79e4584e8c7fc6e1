package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. Amounts are kept as
// integer micro-units and timestamps as unix milliseconds.
//
// SQLite has a single writer, so the pool is pinned to one connection and
// every balance change runs as a short transaction on it.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	balance_micros INTEGER NOT NULL DEFAULT 0 CHECK(balance_micros >= 0),
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	amount_micros INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('Recharge','Usage')),
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at DESC);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
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

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateAccount inserts an account and, for a positive initial balance, the
// matching recharge entry. The plaintext key is returned once.
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

	now := nowMillis()
	res, err := tx.ExecContext(ctx, `
INSERT INTO accounts(name, key_hash, key_prefix, balance_micros, active, created_at, updated_at)
VALUES(?, ?, ?, ?, 1, ?, ?)`, name, hash, prefix, ledger.ToMicros(initial), now, now)
	if err != nil {
		return ledger.Account{}, "", fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Account{}, "", err
	}
	if initial.IsPositive() {
		if err := insertEntry(ctx, tx, id, ledger.ToMicros(initial), ledger.KindRecharge, "Initial balance", now); err != nil {
			return ledger.Account{}, "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, "", err
	}
	return ledger.Account{
		ID:        id,
		Name:      name,
		KeyPrefix: prefix,
		Balance:   initial,
		Active:    true,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}, key, nil
}

const accountColumns = `id, name, key_prefix, balance_micros, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		a                ledger.Account
		balance          int64
		active           int
		created, updated int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.KeyPrefix, &balance, &active, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, err
	}
	a.Balance = ledger.FromMicros(balance)
	a.Active = active != 0
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// Account returns the account with the given id.
func (s *Store) Account(ctx context.Context, id int64) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
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
		`SELECT `+accountColumns+` FROM accounts WHERE key_hash = ?`, ledger.HashAPIKey(apiKey)))
}

// SetActive enables or disables an account.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`, flag, nowMillis(), id)
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
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET key_hash = ?, key_prefix = ?, updated_at = ? WHERE id = ?`,
		hash, prefix, nowMillis(), id)
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
	var micros int64
	err := s.db.QueryRowContext(ctx, `SELECT balance_micros FROM accounts WHERE id = ?`, id).Scan(&micros)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromMicros(micros), nil
}

// Debit atomically subtracts amount when the balance covers it and appends
// the usage entry. It returns the balance after the debit.
func (s *Store) Debit(ctx context.Context, id int64, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	amount, err := ledger.CheckAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}
	micros := ledger.ToMicros(amount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMillis()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance_micros = balance_micros - ?, updated_at = ?
WHERE id = ? AND balance_micros >= ?`, micros, now, id, micros)
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return decimal.Zero, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ledger.ErrAccountNotFound
		}
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	if err := insertEntry(ctx, tx, id, -micros, ledger.KindUsage, description, now); err != nil {
		return decimal.Zero, err
	}
	balance, err := balanceTx(ctx, tx, id)
	if err != nil {
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
	micros := ledger.ToMicros(amount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMillis()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance_micros = balance_micros + ?, updated_at = ?
WHERE id = ? AND balance_micros <= ?`, micros, now, id, ledger.MaxMicros-micros)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return decimal.Zero, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ledger.ErrAccountNotFound
		}
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	if err := insertEntry(ctx, tx, id, micros, kind, description, now); err != nil {
		return decimal.Zero, err
	}
	balance, err := balanceTx(ctx, tx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID, micros int64, kind ledger.Kind, description string, at int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(account_id, amount_micros, kind, description, created_at)
VALUES(?, ?, ?, ?, ?)`, accountID, micros, string(kind), description, at)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, id int64) (decimal.Decimal, error) {
	var micros int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_micros FROM accounts WHERE id = ?`, id).Scan(&micros); err != nil {
		return decimal.Zero, err
	}
	return ledger.FromMicros(micros), nil
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
	where := `account_id = ?`
	args := []any{id}
	if filter.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, amount_micros, kind, description, created_at
FROM ledger_entries
WHERE `+where+`
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			micros  int64
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &micros, &kind, &e.Description, &created); err != nil {
			return nil, 0, err
		}
		e.Amount = ledger.FromMicros(micros)
		e.Kind = ledger.Kind(kind)
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// UsageSince sums usage entries created at or after since. The amount is
// reported as a positive spend.
func (s *Store) UsageSince(ctx context.Context, id int64, since time.Time) (ledger.UsageTotals, error) {
	var count, micros int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(-amount_micros), 0)
FROM ledger_entries
WHERE account_id = ? AND kind = 'Usage' AND created_at >= ?`, id, since.UTC().UnixMilli()).Scan(&count, &micros)
	if err != nil {
		return ledger.UsageTotals{}, err
	}
	return ledger.UsageTotals{Count: count, Amount: ledger.FromMicros(micros)}, nil
}

// EntrySum returns the signed sum of all entries of an account.
func (s *Store) EntrySum(ctx context.Context, id int64) (decimal.Decimal, error) {
	var micros int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_micros), 0) FROM ledger_entries WHERE account_id = ?`, id).Scan(&micros)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.FromMicros(micros), nil
}

// Reconcile reads the balance and the entry sum in a single statement.
func (s *Store) Reconcile(ctx context.Context, id int64) (decimal.Decimal, decimal.Decimal, error) {
	var balance, sum int64
	err := s.db.QueryRowContext(ctx, `
SELECT a.balance_micros,
	COALESCE((SELECT SUM(e.amount_micros) FROM ledger_entries e WHERE e.account_id = a.id), 0)
FROM accounts a WHERE a.id = ?`, id).Scan(&balance, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return ledger.FromMicros(balance), ledger.FromMicros(sum), nil
}

// Setting reads a named setting.
func (s *Store) Setting(ctx context.Context, key string) (ledger.Setting, error) {
	var (
		st      ledger.Setting
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM settings WHERE key = ?`, key).Scan(&st.Key, &st.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Setting{}, ledger.ErrSettingNotFound
	}
	if err != nil {
		return ledger.Setting{}, err
	}
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

// PutSetting creates or replaces a named setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value, nowMillis())
	return err
}
