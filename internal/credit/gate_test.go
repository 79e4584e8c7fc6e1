package credit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/ledger/sqlite"
)

type fixedPrice string

func (p fixedPrice) CurrentCost(context.Context) decimal.Decimal {
	return decimal.RequireFromString(string(p))
}

func newLedger(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAuthorizeAdmitsAndDebits(t *testing.T) {
	store := newLedger(t)
	ctx := context.Background()
	acct, key, err := store.CreateAccount(ctx, "alpha", decimal.RequireFromString("1.00"))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	d, err := NewGate(store, fixedPrice("0.01")).Authorize(ctx, key)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Admitted() || d.AccountID != acct.ID {
		t.Fatalf("unexpected decision %+v", d)
	}
	if !d.Remaining.Equal(decimal.RequireFromString("0.99")) {
		t.Fatalf("expected remaining 0.99, got %s", d.Remaining)
	}
	entries, total, err := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindUsage})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if total != 1 || !entries[0].Amount.Equal(decimal.RequireFromString("-0.01")) {
		t.Fatalf("unexpected usage entries %+v", entries)
	}
}

func TestAuthorizeRejectsInsufficient(t *testing.T) {
	store := newLedger(t)
	ctx := context.Background()
	acct, key, err := store.CreateAccount(ctx, "beta", decimal.RequireFromString("0.005"))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	d, err := NewGate(store, fixedPrice("0.01")).Authorize(ctx, key)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Outcome != OutcomeInsufficient || d.AccountID != acct.ID {
		t.Fatalf("unexpected decision %+v", d)
	}
	if !d.Remaining.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("expected remaining 0.005, got %s", d.Remaining)
	}
	balance, _ := store.Balance(ctx, acct.ID)
	if !balance.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("balance changed to %s", balance)
	}
}

func TestAuthorizeIdentityFailures(t *testing.T) {
	store := newLedger(t)
	ctx := context.Background()
	acct, key, err := store.CreateAccount(ctx, "gamma", decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	gate := NewGate(store, fixedPrice("0.01"))

	d, err := gate.Authorize(ctx, "ak_unknown")
	if err != nil || d.Outcome != OutcomeUnknownKey || d.AccountID != 0 {
		t.Fatalf("unknown key: %+v, %v", d, err)
	}

	if err := store.SetActive(ctx, acct.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	d, err = gate.Authorize(ctx, key)
	if err != nil || d.Outcome != OutcomeInactive || d.AccountID != 0 {
		t.Fatalf("inactive: %+v, %v", d, err)
	}
	balance, _ := store.Balance(ctx, acct.ID)
	if !balance.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("inactive account was debited: %s", balance)
	}
}

func TestAuthorizeZeroCostSkipsDebit(t *testing.T) {
	store := newLedger(t)
	ctx := context.Background()
	acct, key, err := store.CreateAccount(ctx, "free", decimal.Zero)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	d, err := NewGate(store, fixedPrice("0")).Authorize(ctx, key)
	if err != nil || !d.Admitted() {
		t.Fatalf("expected admission at zero cost: %+v, %v", d, err)
	}
	_, total, _ := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{})
	if total != 0 {
		t.Fatalf("expected no entries, got %d", total)
	}
}

func TestAuthorizeConcurrentAdmitsAffordableCount(t *testing.T) {
	store := newLedger(t)
	ctx := context.Background()
	acct, key, err := store.CreateAccount(ctx, "race", decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	gate := NewGate(store, fixedPrice("0.01"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := gate.Authorize(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("Authorize: %v", err)
				return
			}
			if d.Admitted() {
				admitted++
			} else if d.Outcome == OutcomeInsufficient {
				rejected++
			}
		}()
	}
	wg.Wait()
	if admitted != 5 || rejected != 15 {
		t.Fatalf("admitted=%d rejected=%d", admitted, rejected)
	}
	balance, _ := store.Balance(ctx, acct.ID)
	if !balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", balance)
	}
}

type racingLedger struct {
	balance decimal.Decimal
	err     error
}

func (r *racingLedger) LookupAPIKey(context.Context, string) (ledger.Account, error) {
	return ledger.Account{ID: 9, Active: true, Balance: r.balance}, nil
}

func (r *racingLedger) Balance(context.Context, int64) (decimal.Decimal, error) {
	return r.balance, nil
}

func (r *racingLedger) Debit(context.Context, int64, decimal.Decimal, string) (decimal.Decimal, error) {
	return decimal.Zero, r.err
}

func TestAuthorizeLostRaceAndFaults(t *testing.T) {
	lost := &racingLedger{balance: decimal.RequireFromString("1"), err: ledger.ErrInsufficientFunds}
	d, err := NewGate(lost, fixedPrice("0.01")).Authorize(context.Background(), "k")
	if err != nil || d.Outcome != OutcomeInsufficient || d.AccountID != 9 {
		t.Fatalf("lost race: %+v, %v", d, err)
	}

	broken := &racingLedger{balance: decimal.RequireFromString("1"), err: errors.New("db gone")}
	d, err = NewGate(broken, fixedPrice("0.01")).Authorize(context.Background(), "k")
	if err == nil {
		t.Fatalf("expected internal fault")
	}
	if d.AccountID != 9 {
		t.Fatalf("expected account attribution on fault, got %+v", d)
	}
}
