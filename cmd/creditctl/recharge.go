package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/pricing"
)

func (a *app) rechargeCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "recharge ID AMOUNT",
		Short: "Add credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				balance, err := store.Credit(ctx, id, amount, ledger.KindRecharge, note)
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]any{"id": id, "amount": amount, "balance": balance},
					"account %d recharged %s, balance=%s\n", id, amount, balance)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "Manual recharge", "Description stored with the entry")
	return cmd
}

func (a *app) priceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Read or change the per-request price",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the price the next request will be charged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				resolver := pricing.New(store, a.cfg.DefaultRequestCost, a.logger)
				cost := resolver.CurrentCost(ctx)
				return a.print(cmd, map[string]any{"cost": cost, "fallback": resolver.Fallback()},
					"cost=%s fallback=%s\n", pricing.Format(cost), pricing.Format(resolver.Fallback()))
			})
		},
	}, &cobra.Command{
		Use:   "set AMOUNT",
		Short: "Store a new price; it applies to the next request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := pricing.Parse(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				value := pricing.Format(cost)
				if err := store.PutSetting(ctx, ledger.SettingRequestCost, value); err != nil {
					return err
				}
				return a.print(cmd, map[string]any{"cost": value}, "%s=%s\n", ledger.SettingRequestCost, value)
			})
		},
	})
	return cmd
}
