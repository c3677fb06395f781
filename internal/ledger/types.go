package ledger

import (
	"encoding/json"
	"time"
)

// Type tags a wallet transaction. The ledger is append-only; the type
// determines which metadata payload accompanies the row and whether the
// transaction is accepted on a frozen wallet.
type Type string

const (
	// TypeCharge is a recurring server charge (negative amount).
	TypeCharge Type = "charge"
	// TypeTopUp is a user-initiated top-up confirmed by the payment
	// gateway (positive amount).
	TypeTopUp Type = "topup"
	// TypeAutoTopUp is a replenishment charged to the stored payment
	// method by the auto top-up engine (positive amount).
	TypeAutoTopUp Type = "auto_topup"
	// TypeAdjustment is an operator correction entered through the
	// administrative ledger tool.
	TypeAdjustment Type = "adjustment"
	// TypeRefund returns funds to the gateway (negative amount).
	TypeRefund Type = "refund"
)

// Settlement reports whether the type is allowed on a frozen wallet.
// Frozen wallets reject new charges and top-ups but still accept the
// terminal settlement paths (operator adjustments and refunds).
func (t Type) Settlement() bool {
	return t == TypeAdjustment || t == TypeRefund
}

// Valid reports whether the tag is one of the known transaction types.
func (t Type) Valid() bool {
	switch t {
	case TypeCharge, TypeTopUp, TypeAutoTopUp, TypeAdjustment, TypeRefund:
		return true
	}
	return false
}

// Wallet is the per-owner prepaid balance row. The stored balance is a
// cached projection of the transaction ledger; every mutation goes
// through Apply so the two can never diverge inside a committed
// transaction.
type Wallet struct {
	OwnerID                 string     `json:"owner_id"`
	BalanceCents            int64      `json:"balance_cents"`
	GatewayCustomerID       string     `json:"gateway_customer_id,omitempty"`
	AutoTopUpEnabled        bool       `json:"auto_topup_enabled"`
	AutoTopUpThresholdCents int64      `json:"auto_topup_threshold_cents"`
	AutoTopUpAmountCents    int64      `json:"auto_topup_amount_cents"`
	DeletedAt               *time.Time `json:"deleted_at,omitempty"`
	AuditHoldAt             *time.Time `json:"audit_hold_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Frozen reports whether the wallet's external payment linkage has been
// severed. Frozen wallets keep their balance and history but reject new
// money movement other than settlement.
func (w *Wallet) Frozen() bool {
	return w.DeletedAt != nil
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID                int64           `json:"id"`
	OwnerID           string          `json:"owner_id"`
	AmountCents       int64           `json:"amount_cents"`
	BalanceAfterCents int64           `json:"balance_after_cents"`
	Type              Type            `json:"transaction_type"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ApplyResult is returned by a successful Apply.
type ApplyResult struct {
	NewBalance    int64
	TransactionID int64
}
