package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/config"
	"github.com/harborpanel/bursar/pkg/database"
	"github.com/harborpanel/bursar/pkg/logging"
	"github.com/harborpanel/bursar/pkg/version"
)

var databaseURL string

// NewRootCmd returns the root command for the ledger operator tool
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgerctl — wallet ledger operator tool",
		Long:          "ledgerctl — inspect wallets, correct balances, and manage audit holds and the cancellation queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (default: DATABASE_URL)")

	rootCmd.AddCommand(newWalletsCmd())
	rootCmd.AddCommand(newWalletCmd())
	rootCmd.AddCommand(newCreditCmd())
	rootCmd.AddCommand(newDebitCmd())
	rootCmd.AddCommand(newSetBalanceCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newCancellationsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// connect opens the database and builds the stores. The caller closes
// the returned handle.
func connect() (*sql.DB, *ledger.Store, *billing.CancellationStore, error) {
	url := databaseURL
	if url == "" {
		url = config.GetEnv("DATABASE_URL", "")
	}
	if url == "" {
		return nil, nil, nil, fmt.Errorf("no database configured, set DATABASE_URL or --database-url")
	}

	logger := logging.NewLogger()
	logger.SetOutput(os.Stderr)

	dbConfig := database.DefaultConfig()
	dbConfig.URL = url
	dbConfig.MaxOpenConns = 2

	db, err := database.Connect(dbConfig, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return db, ledger.NewStore(db, logger), billing.NewCancellationStore(db, logger), nil
}

// actor identifies who ran the tool in adjustment metadata.
func actor() string {
	if a := os.Getenv("LEDGERCTL_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s (%s, built %s)\n",
				info.Version, version.GetShortCommit(), info.BuildDate)
		},
	}
}
