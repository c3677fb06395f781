package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harborpanel/bursar/pkg/logging"
)

// DriftReport describes a wallet whose cached balance no longer matches
// the replayed ledger sum. The cache is never silently corrected; the
// wallet is placed on audit hold for manual inspection instead.
type DriftReport struct {
	OwnerID   string
	Cached    int64
	LedgerSum int64
	AuditHeld bool
}

// VerifyWallet replays the owner's ledger inside the same lock Apply
// takes and compares the sum against the cached balance. On mismatch
// the wallet is placed on audit hold, which blocks all further
// mutation (Apply returns ErrAuditHold) until an operator clears it.
func (s *Store) VerifyWallet(ctx context.Context, ownerID string) (*DriftReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var cached int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM wallets WHERE owner_id = $1 FOR UPDATE
	`, ownerID).Scan(&cached)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	var ledgerSum int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM wallet_transactions WHERE owner_id = $1
	`, ownerID).Scan(&ledgerSum)
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}

	report := &DriftReport{OwnerID: ownerID, Cached: cached, LedgerSum: ledgerSum}

	if cached != ledgerSum {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET audit_hold_at = NOW(), updated_at = NOW()
			WHERE owner_id = $1 AND audit_hold_at IS NULL
		`, ownerID); err != nil {
			return nil, fmt.Errorf("failed to place audit hold: %w", err)
		}
		report.AuditHeld = true

		s.logger.WithFields(logging.Fields{
			"owner_id":   ownerID,
			"cached":     cached,
			"ledger_sum": ledgerSum,
		}).Error("Balance diverged from ledger replay, wallet placed on audit hold")
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return report, nil
}

// VerifyAll runs the drift check across every wallet and returns the
// wallets that failed. Wallets already on audit hold are skipped; their
// state is an operator's to resolve.
func (s *Store) VerifyAll(ctx context.Context) ([]DriftReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id FROM wallets WHERE audit_hold_at IS NULL ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var drifted []DriftReport
	for _, ownerID := range owners {
		report, err := s.VerifyWallet(ctx, ownerID)
		if err != nil {
			s.logger.WithError(err).WithField("owner_id", ownerID).Error("Drift check failed")
			continue
		}
		if report.AuditHeld {
			drifted = append(drifted, *report)
		}
	}
	return drifted, nil
}

// ListAuditHolds returns wallets currently held for manual audit.
func (s *Store) ListAuditHolds(ctx context.Context) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, balance_cents, gateway_customer_id,
		       auto_topup_enabled, auto_topup_threshold_cents, auto_topup_amount_cents,
		       deleted_at, audit_hold_at, created_at, updated_at
		FROM wallets
		WHERE audit_hold_at IS NOT NULL
		ORDER BY audit_hold_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit holds: %w", err)
	}
	defer rows.Close()

	return scanWallets(rows)
}

// ClearAuditHold releases a wallet for automated processing again. Only
// reachable from the administrative ledger tool.
func (s *Store) ClearAuditHold(ctx context.Context, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET audit_hold_at = NULL, updated_at = NOW()
		WHERE owner_id = $1 AND audit_hold_at IS NOT NULL
	`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to clear audit hold: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	s.logger.WithField("owner_id", ownerID).Warn("Audit hold cleared")
	return nil
}
