package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/pricing"
)

// seedFile is the YAML document accepted by `creditctl seed`.
//
//	price: "0.05"
//	accounts:
//	  - name: alice
//	    balance: "10.00"
type seedFile struct {
	Price    string        `yaml:"price"`
	Accounts []seedAccount `yaml:"accounts"`
}

type seedAccount struct {
	Name    string `yaml:"name"`
	Balance string `yaml:"balance"`
	Active  *bool  `yaml:"active"`
}

func loadSeedFile(path string) (seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, err
	}
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return seedFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, acct := range doc.Accounts {
		if strings.TrimSpace(acct.Name) == "" {
			return seedFile{}, fmt.Errorf("accounts[%d]: name is required", i)
		}
	}
	if len(doc.Accounts) == 0 && doc.Price == "" {
		return seedFile{}, errors.New("seed file has no accounts and no price")
	}
	return doc, nil
}

func (a *app) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create accounts and set the price from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadSeedFile(file)
			if err != nil {
				return err
			}
			return a.withLedger(func(ctx context.Context, store ledger.Store) error {
				if doc.Price != "" {
					cost, err := pricing.Parse(doc.Price)
					if err != nil {
						return err
					}
					if err := store.PutSetting(ctx, ledger.SettingRequestCost, pricing.Format(cost)); err != nil {
						return err
					}
				}
				created := make([]createdAccount, 0, len(doc.Accounts))
				for _, sa := range doc.Accounts {
					balance := decimal.Zero
					if sa.Balance != "" {
						if balance, err = decimal.NewFromString(sa.Balance); err != nil {
							return fmt.Errorf("account %s: invalid balance %q", sa.Name, sa.Balance)
						}
					}
					acct, key, err := store.CreateAccount(ctx, sa.Name, balance)
					if err != nil {
						return fmt.Errorf("account %s: %w", sa.Name, err)
					}
					if sa.Active != nil && !*sa.Active {
						if err := store.SetActive(ctx, acct.ID, false); err != nil {
							return err
						}
						acct.Active = false
					}
					created = append(created, createdAccount{Account: acct, APIKey: key})
				}
				if a.jsonOutput {
					return a.print(cmd, created, "")
				}
				for _, c := range created {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", c.ID, c.Name, c.Balance, c.APIKey)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "accounts.yaml", "Seed file")
	return cmd
}
