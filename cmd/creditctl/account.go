package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

func (a *app) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create and manage accounts",
	}
	cmd.AddCommand(
		a.accountCreateCmd(),
		a.accountShowCmd(),
		a.accountListCmd(),
		a.accountActiveCmd("enable", true),
		a.accountActiveCmd("disable", false),
		a.accountRotateCmd(),
	)
	return cmd
}

type createdAccount struct {
	ledger.Account
	APIKey string `json:"api_key"`
}

func (a *app) accountCreateCmd() *cobra.Command {
	var balance string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an account and print its API key once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid balance %q: %w", balance, err)
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				acct, key, err := store.CreateAccount(ctx, args[0], initial)
				if err != nil {
					return err
				}
				return a.print(cmd, createdAccount{Account: acct, APIKey: key},
					"account created id=%d name=%s balance=%s\napi_key=%s\n", acct.ID, acct.Name, acct.Balance, key)
			})
		},
	}
	cmd.Flags().StringVar(&balance, "balance", "0", "Initial balance")
	return cmd
}

func (a *app) accountShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				acct, err := store.Account(ctx, id)
				if err != nil {
					return err
				}
				return a.print(cmd, acct, "id=%d name=%s key=%s... balance=%s active=%t created=%s\n",
					acct.ID, acct.Name, acct.KeyPrefix, acct.Balance, acct.Active, acct.CreatedAt.Format("2006-01-02 15:04:05"))
			})
		},
	}
}

func (a *app) accountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				accounts, err := store.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.print(cmd, accounts, "")
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tKEY\tBALANCE\tACTIVE")
				for _, acct := range accounts {
					fmt.Fprintf(tw, "%d\t%s\t%s...\t%s\t%t\n", acct.ID, acct.Name, acct.KeyPrefix, acct.Balance, acct.Active)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) accountActiveCmd(verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: verb + " an account's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				if err := store.SetActive(ctx, id, active); err != nil {
					return err
				}
				return a.print(cmd, map[string]any{"id": id, "active": active}, "account %d active=%t\n", id, active)
			})
		},
	}
}

func (a *app) accountRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key ID",
		Short: "Replace an account's API key; the old key stops working immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				key, err := store.RotateAPIKey(ctx, id)
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]any{"id": id, "api_key": key}, "account %d\napi_key=%s\n", id, key)
			})
		},
	}
}
