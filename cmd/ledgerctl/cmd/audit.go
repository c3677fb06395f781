package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Manage reconciliation audit holds",
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditVerifyCmd())
	cmd.AddCommand(newAuditClearCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List wallets on audit hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			held, err := store.ListAuditHolds(ctx)
			if err != nil {
				return err
			}
			if len(held) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No wallets on audit hold")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-38s %12s %s\n", "OWNER", "BALANCE", "HELD SINCE")
			for _, w := range held {
				fmt.Fprintf(out, "%-38s %12s %s\n",
					w.OwnerID, formatCents(w.BalanceCents), w.AuditHoldAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <owner-id>",
		Short: "Replay a wallet's ledger against its cached balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			report, err := store.VerifyWallet(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !report.AuditHeld {
				fmt.Fprintf(out, "%s cached %s matches ledger sum\n",
					color.GreenString("OK:"), formatCents(report.Cached))
				return nil
			}
			fmt.Fprintf(out, "%s cached %s but ledger sums to %s, wallet placed on audit hold\n",
				color.RedString("DRIFT:"), formatCents(report.Cached), formatCents(report.LedgerSum))
			return nil
		},
	}
}

func newAuditClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <owner-id>",
		Short: "Release an audit hold after manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if err := store.ClearAuditHold(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s audit hold cleared for %s\n",
				color.GreenString("OK:"), args[0])
			return nil
		},
	}
}
