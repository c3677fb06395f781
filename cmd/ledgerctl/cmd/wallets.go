package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harborpanel/bursar/internal/ledger"
)

const commandTimeout = 30 * time.Second

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func walletFlags(w ledger.Wallet) string {
	switch {
	case w.AuditHoldAt != nil:
		return color.RedString("AUDIT HOLD")
	case w.DeletedAt != nil:
		return color.YellowString("frozen")
	default:
		return color.GreenString("active")
	}
}

func newWalletsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "List wallets by balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			wallets, err := store.ListWallets(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-38s %12s %-12s %s\n", "OWNER", "BALANCE", "STATE", "AUTO TOP-UP")
			for _, w := range wallets {
				topup := "off"
				if w.AutoTopUpEnabled {
					topup = fmt.Sprintf("below %s add %s",
						formatCents(w.AutoTopUpThresholdCents), formatCents(w.AutoTopUpAmountCents))
				}
				fmt.Fprintf(out, "%-38s %12s %-12s %s\n",
					w.OwnerID, formatCents(w.BalanceCents), walletFlags(w), topup)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum wallets to list")
	return cmd
}

func newWalletCmd() *cobra.Command {
	var txLimit int

	cmd := &cobra.Command{
		Use:   "wallet <owner-id>",
		Short: "Show one wallet and its recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			w, err := store.GetWallet(ctx, args[0])
			if err != nil {
				return err
			}
			txs, err := store.History(ctx, args[0], txLimit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Owner:    %s\n", w.OwnerID)
			fmt.Fprintf(out, "Balance:  %s\n", formatCents(w.BalanceCents))
			fmt.Fprintf(out, "State:    %s\n", walletFlags(*w))
			if w.GatewayCustomerID != "" {
				fmt.Fprintf(out, "Gateway:  %s\n", w.GatewayCustomerID)
			}
			if w.AuditHoldAt != nil {
				fmt.Fprintf(out, "Held at:  %s\n", w.AuditHoldAt.Format(time.RFC3339))
			}

			fmt.Fprintf(out, "\n%-8s %-12s %12s %12s %s\n", "ID", "TYPE", "AMOUNT", "BALANCE", "AT")
			for _, t := range txs {
				amount := formatCents(t.AmountCents)
				if t.AmountCents < 0 {
					amount = color.RedString(amount)
				} else {
					amount = color.GreenString("+" + amount)
				}
				fmt.Fprintf(out, "%-8d %-12s %12s %12s %s\n",
					t.ID, t.Type, amount, formatCents(t.BalanceAfterCents),
					t.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&txLimit, "transactions", 25, "how many recent transactions to show")
	return cmd
}
