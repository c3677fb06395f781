package ledger

import "encoding/json"

// Meta is the structured annotation attached to a transaction. Each
// transaction type carries its own payload; Apply rejects a payload
// whose type tag does not match the transaction type, so the shape of
// the metadata is always determined by the row's type column.
type Meta interface {
	TransactionType() Type
}

// ChargeMeta annotates a recurring server charge.
type ChargeMeta struct {
	ServerID string `json:"server_id"`
	// CycleDay is the 1-based day within the 30-day billing cycle.
	// Day 30 absorbs the integer-division remainder of the monthly
	// price.
	CycleDay int `json:"cycle_day,omitempty"`
}

func (ChargeMeta) TransactionType() Type { return TypeCharge }

// TopUpMeta annotates a gateway-confirmed top-up.
type TopUpMeta struct {
	GatewayRef string `json:"gateway_ref"`
}

func (TopUpMeta) TransactionType() Type { return TypeTopUp }

// AutoTopUpMeta annotates an automatic replenishment.
type AutoTopUpMeta struct {
	GatewayRef string `json:"gateway_ref"`
	// ShortfallCents is set when the top-up was triggered by a failed
	// charge rather than the threshold sweep.
	ShortfallCents int64 `json:"shortfall_cents,omitempty"`
}

func (AutoTopUpMeta) TransactionType() Type { return TypeAutoTopUp }

// AdjustmentMeta annotates an operator correction. Reason is the
// human-entered justification; Actor identifies who ran the tool.
type AdjustmentMeta struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
	// CorrelationID ties related adjustments together.
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (AdjustmentMeta) TransactionType() Type { return TypeAdjustment }

// RefundMeta annotates a refund settled back to the gateway.
type RefundMeta struct {
	Reason     string `json:"reason"`
	GatewayRef string `json:"gateway_ref,omitempty"`
}

func (RefundMeta) TransactionType() Type { return TypeRefund }

func marshalMeta(meta Meta) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}
