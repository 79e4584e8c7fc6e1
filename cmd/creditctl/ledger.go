package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect ledger entries",
	}
	cmd.AddCommand(a.ledgerHistoryCmd(), a.ledgerVerifyCmd())
	return cmd
}

func (a *app) ledgerHistoryCmd() *cobra.Command {
	var (
		kind  string
		limit int
		page  int
	)
	cmd := &cobra.Command{
		Use:   "history ID",
		Short: "List an account's entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if limit < 1 {
				limit = 1
			}
			filter := ledger.EntryFilter{Limit: limit}
			if page > 1 {
				filter.Offset = (page - 1) * limit
			}
			if kind != "" {
				filter.Kind = ledger.Kind(strings.ToUpper(kind[:1]) + strings.ToLower(kind[1:]))
				if !filter.Kind.Valid() {
					return fmt.Errorf("unknown entry type %q", kind)
				}
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				entries, total, err := store.ListEntries(ctx, id, filter)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.print(cmd, map[string]any{"entries": entries, "total": total}, "")
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tTYPE\tAMOUNT\tDESCRIPTION")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.Amount, e.Description)
				}
				fmt.Fprintf(tw, "\n%d of %d entries\n", len(entries), total)
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "Only Recharge or Usage entries")
	cmd.Flags().IntVar(&limit, "limit", 20, "Entries per page")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

type verifyResult struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	EntrySum  decimal.Decimal `json:"entry_sum"`
	OK        bool            `json:"ok"`
}

// ledgerVerifyCmd checks that every balance equals the sum of its entries.
func (a *app) ledgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [ID]",
		Short: "Check balances against the sum of their entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				var ids []int64
				if len(args) == 1 {
					id, err := parseID(args[0])
					if err != nil {
						return err
					}
					ids = append(ids, id)
				} else {
					accounts, err := store.ListAccounts(ctx)
					if err != nil {
						return err
					}
					for _, acct := range accounts {
						ids = append(ids, acct.ID)
					}
				}

				results := make([]verifyResult, 0, len(ids))
				mismatches := 0
				for _, id := range ids {
					balance, sum, err := store.Reconcile(ctx, id)
					if err != nil {
						return err
					}
					res := verifyResult{AccountID: id, Balance: balance, EntrySum: sum, OK: balance.Equal(sum)}
					if !res.OK {
						mismatches++
					}
					results = append(results, res)
				}

				if a.jsonOutput {
					if err := a.print(cmd, results, ""); err != nil {
						return err
					}
				} else {
					for _, res := range results {
						status := "ok"
						if !res.OK {
							status = "MISMATCH"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "account %d balance=%s entries=%s %s\n", res.AccountID, res.Balance, res.EntrySum, status)
					}
				}
				if mismatches > 0 {
					return fmt.Errorf("%d account(s) out of balance", mismatches)
				}
				return nil
			})
		},
	}
}
