package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harborpanel/bursar/pkg/logging"
)

// Store is the wallet ledger: the single source of truth for balances.
// Every balance mutation flows through Apply, which serializes
// concurrent writers per owner with a row lock and commits the ledger
// append and the cached-balance update atomically.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// NewStore creates a ledger store on top of an open database handle.
func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Apply applies a signed delta to the owner's wallet and appends the
// transaction row, atomically. Callers performing external side effects
// (gateway charges) must complete them before calling Apply, never
// after, so the ledger never records money that was not actually moved.
func (s *Store) Apply(ctx context.Context, ownerID string, delta int64, txType Type, meta Meta) (ApplyResult, error) {
	if !txType.Valid() {
		return ApplyResult{}, fmt.Errorf("%w: %q", ErrInvalidType, txType)
	}
	if meta != nil && meta.TransactionType() != txType {
		return ApplyResult{}, fmt.Errorf("%w: metadata %T does not match type %q", ErrInvalidType, meta, txType)
	}

	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var balance int64
	var deletedAt, auditHoldAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT balance_cents, deleted_at, audit_hold_at
		FROM wallets
		WHERE owner_id = $1
		FOR UPDATE
	`, ownerID).Scan(&balance, &deletedAt, &auditHoldAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplyResult{}, ErrWalletNotFound
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to lock wallet: %w", err)
	}

	if auditHoldAt.Valid {
		return ApplyResult{}, ErrAuditHold
	}
	if deletedAt.Valid && !txType.Settlement() {
		return ApplyResult{}, ErrWalletFrozen
	}

	newBalance := balance + delta
	if delta < 0 && newBalance < 0 {
		return ApplyResult{}, ErrInsufficientFunds
	}

	var txID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (
			owner_id, amount_cents, balance_after_cents,
			transaction_type, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`, ownerID, delta, newBalance, string(txType), metaJSON).Scan(&txID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance_cents = $1, updated_at = NOW()
		WHERE owner_id = $2
	`, newBalance, ownerID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit: %w", err)
	}

	return ApplyResult{NewBalance: newBalance, TransactionID: txID}, nil
}

// SetBalance sets the wallet to an exact balance by appending a single
// adjustment for the difference. A no-op (already at target) appends
// nothing and returns the current balance.
func (s *Store) SetBalance(ctx context.Context, ownerID string, target int64, meta AdjustmentMeta) (ApplyResult, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var balance int64
	var auditHoldAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT balance_cents, audit_hold_at
		FROM wallets
		WHERE owner_id = $1
		FOR UPDATE
	`, ownerID).Scan(&balance, &auditHoldAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplyResult{}, ErrWalletNotFound
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to lock wallet: %w", err)
	}
	if auditHoldAt.Valid {
		return ApplyResult{}, ErrAuditHold
	}

	delta := target - balance
	if delta == 0 {
		return ApplyResult{NewBalance: balance}, tx.Commit()
	}

	var txID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (
			owner_id, amount_cents, balance_after_cents,
			transaction_type, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`, ownerID, delta, target, string(TypeAdjustment), metaJSON).Scan(&txID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance_cents = $1, updated_at = NOW()
		WHERE owner_id = $2
	`, target, ownerID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit: %w", err)
	}

	return ApplyResult{NewBalance: target, TransactionID: txID}, nil
}

// CreateWallet creates a zero-balance wallet for a newly registered
// owner. Creating an already existing wallet is a no-op.
func (s *Store) CreateWallet(ctx context.Context, ownerID, gatewayCustomerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, balance_cents, gateway_customer_id, created_at, updated_at)
		VALUES ($1, 0, NULLIF($2, ''), NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, gatewayCustomerID)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// GetWallet loads a wallet row, frozen or not.
func (s *Store) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	var w Wallet
	var gatewayCustomerID sql.NullString
	var deletedAt, auditHoldAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, balance_cents, gateway_customer_id,
		       auto_topup_enabled, auto_topup_threshold_cents, auto_topup_amount_cents,
		       deleted_at, audit_hold_at, created_at, updated_at
		FROM wallets
		WHERE owner_id = $1
	`, ownerID).Scan(
		&w.OwnerID, &w.BalanceCents, &gatewayCustomerID,
		&w.AutoTopUpEnabled, &w.AutoTopUpThresholdCents, &w.AutoTopUpAmountCents,
		&deletedAt, &auditHoldAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	if gatewayCustomerID.Valid {
		w.GatewayCustomerID = gatewayCustomerID.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		w.DeletedAt = &t
	}
	if auditHoldAt.Valid {
		t := auditHoldAt.Time
		w.AuditHoldAt = &t
	}
	return &w, nil
}

// IsFrozen is the freeze gate consulted by every money-moving path.
// Read-only operations stay available on frozen wallets.
func (s *Store) IsFrozen(ctx context.Context, ownerID string) (bool, error) {
	var frozen bool
	err := s.db.QueryRowContext(ctx, `
		SELECT deleted_at IS NOT NULL FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrWalletNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check freeze state: %w", err)
	}
	return frozen, nil
}

// Freeze soft-deletes the wallet. Balance and transaction history are
// retained; only new money movement is rejected from here on. Freezing
// an already frozen wallet is a no-op.
func (s *Store) Freeze(ctx context.Context, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE owner_id = $1 AND deleted_at IS NULL
	`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to freeze wallet: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		s.logger.WithField("owner_id", ownerID).Warn("Wallet frozen")
	}
	return nil
}

// SetAutoTopUp configures the owner's auto top-up policy.
func (s *Store) SetAutoTopUp(ctx context.Context, ownerID string, enabled bool, thresholdCents, amountCents int64) error {
	if enabled && amountCents <= 0 {
		return fmt.Errorf("auto top-up amount must be positive")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET auto_topup_enabled = $1, auto_topup_threshold_cents = $2,
		    auto_topup_amount_cents = $3, updated_at = NOW()
		WHERE owner_id = $4 AND deleted_at IS NULL
	`, enabled, thresholdCents, amountCents, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update auto top-up settings: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// SetGatewayCustomer links (or clears) the external payment customer id.
func (s *Store) SetGatewayCustomer(ctx context.Context, ownerID, gatewayCustomerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET gateway_customer_id = NULLIF($1, ''), updated_at = NOW()
		WHERE owner_id = $2
	`, gatewayCustomerID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update gateway customer: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// HasGatewayRef reports whether a transaction carrying the gateway
// reference already exists for the owner. Webhooks use it to make
// event replays harmless.
func (s *Store) HasGatewayRef(ctx context.Context, ownerID, gatewayRef string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE owner_id = $1 AND metadata->>'gateway_ref' = $2
		)
	`, ownerID, gatewayRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check gateway ref: %w", err)
	}
	return exists, nil
}

// History returns the owner's most recent transactions, newest first.
func (s *Store) History(ctx context.Context, ownerID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, amount_cents, balance_after_cents,
		       transaction_type, metadata, created_at
		FROM wallet_transactions
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.AmountCents, &t.BalanceAfterCents, &typ, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = Type(typ)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListWallets returns wallets ordered by balance descending, frozen
// wallets included.
func (s *Store) ListWallets(ctx context.Context, limit int) ([]Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, balance_cents, gateway_customer_id,
		       auto_topup_enabled, auto_topup_threshold_cents, auto_topup_amount_cents,
		       deleted_at, audit_hold_at, created_at, updated_at
		FROM wallets
		ORDER BY balance_cents DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	return scanWallets(rows)
}

// ListActiveOwners returns the owner ids of all non-frozen wallets with
// their linked gateway customer, for the orphan sweep.
func (s *Store) ListActiveOwners(ctx context.Context) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, balance_cents, gateway_customer_id,
		       auto_topup_enabled, auto_topup_threshold_cents, auto_topup_amount_cents,
		       deleted_at, audit_hold_at, created_at, updated_at
		FROM wallets
		WHERE deleted_at IS NULL
		ORDER BY owner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active wallets: %w", err)
	}
	defer rows.Close()

	return scanWallets(rows)
}

func scanWallets(rows *sql.Rows) ([]Wallet, error) {
	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var gatewayCustomerID sql.NullString
		var deletedAt, auditHoldAt sql.NullTime
		if err := rows.Scan(
			&w.OwnerID, &w.BalanceCents, &gatewayCustomerID,
			&w.AutoTopUpEnabled, &w.AutoTopUpThresholdCents, &w.AutoTopUpAmountCents,
			&deletedAt, &auditHoldAt, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if gatewayCustomerID.Valid {
			w.GatewayCustomerID = gatewayCustomerID.String
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			w.DeletedAt = &t
		}
		if auditHoldAt.Valid {
			t := auditHoldAt.Time
			w.AuditHoldAt = &t
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
