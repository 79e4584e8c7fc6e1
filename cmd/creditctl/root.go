package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/storage"
	"github.com/tokligence/credit-gateway/internal/version"
)

// app carries global flags and the lazily loaded configuration.
type app struct {
	configRoot string
	ledgerDSN  string
	auditDSN   string
	jsonOutput bool
	verbose    bool

	cfg    config.Config
	logger *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the credit gateway ledger",
		Long:          "creditctl manages prepaid accounts, recharges, the request price and the audit trail of the credit gateway.",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configRoot, "config-root", ".", "Directory containing config/setting.ini")
	root.PersistentFlags().StringVar(&a.ledgerDSN, "ledger-dsn", "", "Override the configured ledger DSN")
	root.PersistentFlags().StringVar(&a.auditDSN, "audit-dsn", "", "Override the configured audit DSN")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log diagnostics to stderr")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		a.initCmd(),
		a.accountCmd(),
		a.rechargeCmd(),
		a.priceCmd(),
		a.ledgerCmd(),
		a.auditCmd(),
		a.seedCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if a.verbose {
		a.logger = log.New(cmd.ErrOrStderr(), "[creditctl] ", logging.Flags)
	} else {
		a.logger = log.New(io.Discard, "", 0)
	}
	if cmd.Name() == "init" {
		return nil
	}
	cfg, err := config.Load(a.configRoot)
	if err != nil {
		return err
	}
	if a.ledgerDSN != "" {
		cfg.LedgerDSN = a.ledgerDSN
	}
	if a.auditDSN != "" {
		cfg.AuditDSN = a.auditDSN
	}
	a.cfg = cfg
	a.logger.Printf("environment=%s ledger=%s(%s)", cfg.Environment, cfg.LedgerDriver, cfg.LedgerDSN)
	return nil
}

// withLedger opens the ledger for the duration of fn.
func (a *app) withLedger(fn func(ctx context.Context, store ledger.Store) error) error {
	store, err := storage.OpenLedger(a.cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

// print writes v as JSON when --json is set and as text otherwise.
func (a *app) print(cmd *cobra.Command, v any, text string, args ...any) error {
	out := cmd.OutOrStdout()
	if a.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintf(out, text, args...)
	return err
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}
