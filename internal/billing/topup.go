package billing

import (
	"context"
	"fmt"

	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

// Gateway charges stored payment methods off-session. Implemented by
// the Stripe gateway client.
type Gateway interface {
	ChargeStoredMethod(ctx context.Context, customerID string, amountCents int64, description string) (string, error)
}

// TopUpResult reports what MaybeTopUp did. When ToppedUp is false,
// Reason says why the wallet was left alone.
type TopUpResult struct {
	ToppedUp    bool
	AmountCents int64
	NewBalance  int64
	Reason      string
}

// TopUpEngine replenishes wallets from their stored payment method.
type TopUpEngine struct {
	ledger  *ledger.Store
	gateway Gateway
	logger  logging.Logger
}

// NewTopUpEngine creates a top-up engine.
func NewTopUpEngine(ledgerStore *ledger.Store, gateway Gateway, logger logging.Logger) *TopUpEngine {
	return &TopUpEngine{ledger: ledgerStore, gateway: gateway, logger: logger}
}

// MaybeTopUp charges the owner's stored payment method when the wallet
// has opted in and the balance sits below the configured threshold.
// shortfallCents is the amount a just-failed charge was short by; the
// top-up covers at least that much. The gateway is charged first and
// the ledger credited only on success, so a gateway failure leaves the
// wallet untouched. Gateway failures are not retried here; the next
// billing pass tries again.
func (e *TopUpEngine) MaybeTopUp(ctx context.Context, ownerID string, shortfallCents int64) (*TopUpResult, error) {
	w, err := e.ledger.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	switch {
	case w.Frozen():
		return &TopUpResult{Reason: "wallet frozen"}, nil
	case w.AuditHoldAt != nil:
		return &TopUpResult{Reason: "wallet on audit hold"}, nil
	case !w.AutoTopUpEnabled:
		return &TopUpResult{Reason: "auto top-up disabled"}, nil
	case w.GatewayCustomerID == "":
		return &TopUpResult{Reason: "no stored payment method"}, nil
	case shortfallCents <= 0 && w.BalanceCents >= w.AutoTopUpThresholdCents:
		return &TopUpResult{Reason: "balance above threshold"}, nil
	}

	amount := w.AutoTopUpAmountCents
	if shortfallCents > amount {
		amount = shortfallCents
	}
	if amount <= 0 {
		return &TopUpResult{Reason: "no top-up amount configured"}, nil
	}

	gatewayRef, err := e.gateway.ChargeStoredMethod(ctx, w.GatewayCustomerID, amount,
		fmt.Sprintf("Automatic wallet top-up for %s", ownerID))
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"owner_id":     ownerID,
			"amount_cents": amount,
		}).Warn("Auto top-up gateway charge failed")
		return nil, fmt.Errorf("gateway charge failed: %w", err)
	}

	result, err := e.ledger.Apply(ctx, ownerID, amount, ledger.TypeAutoTopUp, ledger.AutoTopUpMeta{
		GatewayRef:     gatewayRef,
		ShortfallCents: shortfallCents,
	})
	if err != nil {
		// The gateway took the money but the ledger refused the
		// credit. Surface loudly; the daily reconciliation audit and
		// an operator adjustment resolve it.
		e.logger.WithError(err).WithFields(logging.Fields{
			"owner_id":     ownerID,
			"amount_cents": amount,
			"gateway_ref":  gatewayRef,
		}).Error("Gateway charged but ledger credit failed")
		return nil, fmt.Errorf("ledger credit after gateway charge failed: %w", err)
	}

	e.logger.WithFields(logging.Fields{
		"owner_id":     ownerID,
		"amount_cents": amount,
		"new_balance":  result.NewBalance,
		"gateway_ref":  gatewayRef,
	}).Info("Auto top-up applied")

	return &TopUpResult{
		ToppedUp:    true,
		AmountCents: amount,
		NewBalance:  result.NewBalance,
	}, nil
}
