// Package ledgertest holds behaviour checks shared by every ledger.Store
// implementation.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Run exercises store against the ledger contract. The store must start
// without the accounts the suite creates; names are made unique per run.
func Run(t *testing.T, store ledger.Store) {
	t.Helper()
	suffix := time.Now().Format("150405.000000000")

	t.Run("CreateAndLookup", func(t *testing.T) {
		ctx := context.Background()
		acct, key, err := store.CreateAccount(ctx, "lookup-"+suffix, dec("5"))
		require.NoError(t, err)
		require.True(t, acct.Balance.Equal(dec("5")))
		require.True(t, acct.Active)

		found, err := store.LookupAPIKey(ctx, key)
		require.NoError(t, err)
		require.Equal(t, acct.ID, found.ID)
		require.Equal(t, acct.KeyPrefix, found.KeyPrefix)

		_, err = store.LookupAPIKey(ctx, "ak_does_not_exist")
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)

		sum, err := store.EntrySum(ctx, acct.ID)
		require.NoError(t, err)
		require.True(t, sum.Equal(dec("5")), "initial balance must be backed by an entry, got %s", sum)
	})

	t.Run("DebitAndCredit", func(t *testing.T) {
		ctx := context.Background()
		acct, _, err := store.CreateAccount(ctx, "debit-"+suffix, dec("1.00"))
		require.NoError(t, err)

		balance, err := store.Debit(ctx, acct.ID, dec("0.01"), "proxy request")
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("0.99")), "balance %s", balance)

		entries, total, err := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindUsage})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.Len(t, entries, 1)
		require.True(t, entries[0].Amount.Equal(dec("-0.01")))
		require.Equal(t, "proxy request", entries[0].Description)

		balance, err = store.Credit(ctx, acct.ID, dec("2.5"), ledger.KindRecharge, "top up")
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("3.49")), "balance %s", balance)

		_, err = store.Debit(ctx, acct.ID, dec("0"), "zero")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = store.Credit(ctx, acct.ID, dec("-1"), ledger.KindRecharge, "negative")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)

		assertConserved(t, store, acct.ID)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		ctx := context.Background()
		acct, _, err := store.CreateAccount(ctx, "poor-"+suffix, dec("0.005"))
		require.NoError(t, err)

		_, err = store.Debit(ctx, acct.ID, dec("0.01"), "proxy request")
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		balance, err := store.Balance(ctx, acct.ID)
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("0.005")), "balance %s", balance)

		_, total, err := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindUsage})
		require.NoError(t, err)
		require.Zero(t, total)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.Debit(ctx, 1<<40, dec("0.01"), "ghost")
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = store.Credit(ctx, 1<<40, dec("1"), ledger.KindRecharge, "ghost")
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = store.Balance(ctx, 1<<40)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		require.ErrorIs(t, store.SetActive(ctx, 1<<40, false), ledger.ErrAccountNotFound)
	})

	t.Run("AmountLimits", func(t *testing.T) {
		ctx := context.Background()
		_, _, err := store.CreateAccount(ctx, "huge-"+suffix, dec("20000000000000"))
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)

		acct, _, err := store.CreateAccount(ctx, "limits-"+suffix, dec("100"))
		require.NoError(t, err)
		_, err = store.Credit(ctx, acct.ID, dec("20000000000000"), ledger.KindRecharge, "too much")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = store.Debit(ctx, acct.ID, dec("20000000000000"), "too much")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)

		// The sum would pass MaxAmount even though the amount alone does not.
		_, err = store.Credit(ctx, acct.ID, ledger.MaxAmount.Sub(dec("99")), ledger.KindRecharge, "overflow")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)

		balance, err := store.Balance(ctx, acct.ID)
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("100")), "balance %s", balance)
		assertConserved(t, store, acct.ID)

		balance, err = store.Credit(ctx, acct.ID, ledger.MaxAmount.Sub(dec("100")), ledger.KindRecharge, "fill")
		require.NoError(t, err)
		require.True(t, balance.Equal(ledger.MaxAmount), "balance %s", balance)
		assertConserved(t, store, acct.ID)
	})

	t.Run("ConcurrentDebits", func(t *testing.T) {
		ctx := context.Background()
		acct, _, err := store.CreateAccount(ctx, "race-"+suffix, dec("0.10"))
		require.NoError(t, err)

		const workers = 25
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
			failures  = make(chan error, workers)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Debit(ctx, acct.ID, dec("0.01"), "concurrent")
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, ledger.ErrInsufficientFunds):
				default:
					failures <- err
				}
			}()
		}
		wg.Wait()
		close(failures)
		for err := range failures {
			t.Fatalf("unexpected debit error: %v", err)
		}

		require.EqualValues(t, 10, succeeded.Load())
		balance, err := store.Balance(ctx, acct.ID)
		require.NoError(t, err)
		require.True(t, balance.IsZero(), "balance %s", balance)
		assertConserved(t, store, acct.ID)
	})

	t.Run("ReconcileUnderLoad", func(t *testing.T) {
		ctx := context.Background()
		acct, _, err := store.CreateAccount(ctx, "reconcile-"+suffix, dec("1"))
		require.NoError(t, err)
		_, _, err = store.Reconcile(ctx, 1<<40)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 50; i++ {
				if _, err := store.Debit(ctx, acct.ID, dec("0.01"), "load"); err != nil {
					return
				}
			}
		}()
		for running := true; running; {
			select {
			case <-done:
				running = false
			default:
			}
			balance, sum, err := store.Reconcile(ctx, acct.ID)
			require.NoError(t, err)
			require.True(t, balance.Equal(sum), "balance %s != entry sum %s", balance, sum)
		}
		balance, _, err := store.Reconcile(ctx, acct.ID)
		require.NoError(t, err)
		require.True(t, balance.Equal(dec("0.5")), "balance %s", balance)
	})

	t.Run("ActivationAndRotation", func(t *testing.T) {
		ctx := context.Background()
		acct, oldKey, err := store.CreateAccount(ctx, "rotate-"+suffix, decimal.Zero)
		require.NoError(t, err)

		require.NoError(t, store.SetActive(ctx, acct.ID, false))
		found, err := store.LookupAPIKey(ctx, oldKey)
		require.NoError(t, err)
		require.False(t, found.Active)

		newKey, err := store.RotateAPIKey(ctx, acct.ID)
		require.NoError(t, err)
		require.NotEqual(t, oldKey, newKey)
		_, err = store.LookupAPIKey(ctx, oldKey)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		found, err = store.LookupAPIKey(ctx, newKey)
		require.NoError(t, err)
		require.Equal(t, acct.ID, found.ID)
	})

	t.Run("EntriesPagingAndUsage", func(t *testing.T) {
		ctx := context.Background()
		acct, _, err := store.CreateAccount(ctx, "paging-"+suffix, dec("1"))
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err := store.Debit(ctx, acct.ID, dec("0.02"), "page")
			require.NoError(t, err)
		}

		page, total, err := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Equal(t, 6, total)
		require.Len(t, page, 2)

		recharges, total, err := store.ListEntries(ctx, acct.ID, ledger.EntryFilter{Kind: ledger.KindRecharge})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.Equal(t, ledger.KindRecharge, recharges[0].Kind)

		usage, err := store.UsageSince(ctx, acct.ID, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.EqualValues(t, 5, usage.Count)
		require.True(t, usage.Amount.Equal(dec("0.10")), "usage %s", usage.Amount)

		usage, err = store.UsageSince(ctx, acct.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Zero(t, usage.Count)
	})

	t.Run("Settings", func(t *testing.T) {
		ctx := context.Background()
		key := "TEST_SETTING_" + suffix
		_, err := store.Setting(ctx, key)
		require.ErrorIs(t, err, ledger.ErrSettingNotFound)

		require.NoError(t, store.PutSetting(ctx, key, "0.0100"))
		require.NoError(t, store.PutSetting(ctx, key, "0.0200"))
		st, err := store.Setting(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "0.0200", st.Value)
		require.False(t, st.UpdatedAt.IsZero())
	})
}

func assertConserved(t *testing.T, store ledger.Store, id int64) {
	t.Helper()
	ctx := context.Background()
	balance, err := store.Balance(ctx, id)
	require.NoError(t, err)
	sum, err := store.EntrySum(ctx, id)
	require.NoError(t, err)
	require.True(t, balance.Equal(sum), "balance %s != entry sum %s", balance, sum)
}
