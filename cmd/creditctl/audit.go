package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/storage"
)

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect recorded proxy requests",
	}
	var (
		limit int
		since time.Duration
	)
	list := &cobra.Command{
		Use:   "list ID",
		Short: "List an account's requests, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := storage.OpenAudit(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			q := audit.Query{AccountID: id, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			recs, err := store.List(context.Background(), q)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.print(cmd, recs, "")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tMETHOD\tENDPOINT\tCODE\tMS\tIP\tREQUEST ID")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"),
					rec.Method, rec.Endpoint, rec.ResponseCode, rec.DurationMs, rec.IP, rec.RequestID)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum records")
	list.Flags().DurationVar(&since, "since", 0, "Only records newer than this (e.g. 24h)")
	cmd.AddCommand(list)
	return cmd
}
