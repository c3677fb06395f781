package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harborpanel/bursar/internal/ledger"
)

func parseCents(raw string) (int64, error) {
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: expected integer cents", raw)
	}
	return cents, nil
}

// adjust applies one operator adjustment and prints the result.
func adjust(cmd *cobra.Command, ownerID string, delta int64, reason string) error {
	if reason == "" {
		return fmt.Errorf("--reason is required")
	}

	db, store, _, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	result, err := store.Apply(ctx, ownerID, delta, ledger.TypeAdjustment, ledger.AdjustmentMeta{
		Reason: reason,
		Actor:  actor(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s transaction %d, new balance %s\n",
		color.GreenString("Applied"), result.TransactionID, formatCents(result.NewBalance))
	return nil
}

func newCreditCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "credit <owner-id> <amount-cents>",
		Short: "Credit a wallet (operator adjustment)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseCents(args[1])
			if err != nil {
				return err
			}
			if cents <= 0 {
				return fmt.Errorf("credit amount must be positive")
			}
			return adjust(cmd, args[0], cents, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the wallet is being credited (required)")
	return cmd
}

func newDebitCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "debit <owner-id> <amount-cents>",
		Short: "Debit a wallet (operator adjustment)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseCents(args[1])
			if err != nil {
				return err
			}
			if cents <= 0 {
				return fmt.Errorf("debit amount must be positive")
			}
			return adjust(cmd, args[0], -cents, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the wallet is being debited (required)")
	return cmd
}

func newSetBalanceCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "set-balance <owner-id> <target-cents>",
		Short: "Adjust a wallet to an exact balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			target, err := parseCents(args[1])
			if err != nil {
				return err
			}

			db, store, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			result, err := store.SetBalance(ctx, args[0], target, ledger.AdjustmentMeta{
				Reason: reason,
				Actor:  actor(),
			})
			if err != nil {
				return err
			}
			if result.TransactionID == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Balance already at target, nothing written")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s transaction %d, balance now %s\n",
				color.GreenString("Applied"), result.TransactionID, formatCents(result.NewBalance))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the balance is being set (required)")
	return cmd
}
