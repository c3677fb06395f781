package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newCancellationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancellations",
		Short: "Manage the server deletion queue",
	}

	cmd.AddCommand(newCancellationsShowCmd())
	cmd.AddCommand(newCancellationsRequeueCmd())
	return cmd
}

func newCancellationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <server-id>",
		Short: "Show a server's pending cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, store, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			c, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", c.ID)
			fmt.Fprintf(out, "Server:    %s\n", c.ServerID)
			fmt.Fprintf(out, "Owner:     %s\n", c.OwnerID)
			fmt.Fprintf(out, "Mode:      %s\n", c.Mode)
			fmt.Fprintf(out, "Status:    %s\n", c.Status)
			fmt.Fprintf(out, "Requested: %s\n", c.RequestedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Deletes:   %s\n", c.ScheduledDeletionAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newCancellationsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <cancellation-id>",
		Short: "Return a failed cancellation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, store, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if err := store.Requeue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancellation %s requeued\n",
				color.GreenString("OK:"), args[0])
			return nil
		},
	}
}
