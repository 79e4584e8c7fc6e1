package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindRecharge Kind = "Recharge"
	KindUsage    Kind = "Usage"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	return k == KindRecharge || k == KindUsage
}

// SettingRequestCost is the settings key holding the per-request price.
const SettingRequestCost = "REQUEST_COST"

var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive and within range")
	ErrSettingNotFound   = errors.New("ledger: setting not found")
)

// Account is a prepaid credit holder. The plaintext API key is never stored;
// KeyPrefix is kept for display only.
type Account struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	KeyPrefix string          `json:"key_prefix"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is one append-only balance movement. Amount is positive for
// recharges and negative for usage.
type Entry struct {
	ID          int64           `json:"id"`
	AccountID   int64           `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Setting is a named configuration value held next to the ledger.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryFilter narrows ListEntries. A zero Kind matches every entry.
type EntryFilter struct {
	Kind   Kind
	Offset int
	Limit  int
}

// UsageTotals aggregates usage entries over a time window.
type UsageTotals struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Store defines persistence behaviour for accounts, their entries and settings.
// Balance changes and their entries are written in one transaction.
type Store interface {
	CreateAccount(ctx context.Context, name string, initial decimal.Decimal) (Account, string, error)
	Account(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	LookupAPIKey(ctx context.Context, apiKey string) (Account, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RotateAPIKey(ctx context.Context, id int64) (string, error)

	Balance(ctx context.Context, id int64) (decimal.Decimal, error)
	Debit(ctx context.Context, id int64, amount decimal.Decimal, description string) (decimal.Decimal, error)
	Credit(ctx context.Context, id int64, amount decimal.Decimal, kind Kind, description string) (decimal.Decimal, error)
	ListEntries(ctx context.Context, id int64, filter EntryFilter) ([]Entry, int, error)
	UsageSince(ctx context.Context, id int64, since time.Time) (UsageTotals, error)
	EntrySum(ctx context.Context, id int64) (decimal.Decimal, error)
	// Reconcile reads the balance and the entry sum from one snapshot.
	Reconcile(ctx context.Context, id int64) (balance, entrySum decimal.Decimal, err error)

	Setting(ctx context.Context, key string) (Setting, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}
