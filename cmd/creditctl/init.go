package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/bootstrap"
)

func (a *app) initCmd() *cobra.Command {
	var (
		opts bootstrap.InitOptions
		cost string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold config/setting.ini and config/<env>/gateway.ini",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Root = a.configRoot
			opts.LedgerDSN = a.ledgerDSN
			opts.AuditDSN = a.auditDSN
			if cost != "" {
				parsed, err := decimal.NewFromString(cost)
				if err != nil {
					return fmt.Errorf("invalid cost %q: %w", cost, err)
				}
				opts.RequestCost = parsed
			}
			if err := bootstrap.Init(opts); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "configuration written under %s/config\n", opts.Root)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Environment, "env", "dev", "Environment name")
	cmd.Flags().StringVar(&opts.HTTPAddress, "http-address", ":8080", "Listen address for creditd")
	cmd.Flags().StringVar(&opts.UpstreamURL, "upstream", "", "Upstream base URL")
	cmd.Flags().StringVar(&opts.LedgerDriver, "driver", "sqlite", "sqlite or postgres")
	cmd.Flags().StringVar(&cost, "cost", "", "Default request cost")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Overwrite existing files")
	return cmd
}
