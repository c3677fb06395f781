package ledger

import "errors"

var (
	// ErrWalletNotFound is returned when no wallet exists for the owner.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds is returned when a debit would drive the
	// balance below zero. It is an expected outcome, not a system
	// fault; the billing processor escalates it, it is never retried
	// inline.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletFrozen is returned when a non-settlement transaction
	// targets a wallet whose external payment linkage is gone.
	ErrWalletFrozen = errors.New("wallet frozen")

	// ErrAuditHold is returned when the wallet failed a balance-vs-ledger
	// reconciliation check. All mutation is refused until an operator
	// clears the hold.
	ErrAuditHold = errors.New("wallet on audit hold")

	// ErrInvalidType is returned for an unknown transaction type tag or
	// a metadata payload that does not match the type.
	ErrInvalidType = errors.New("invalid transaction type")
)
