package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

type stubGateway struct {
	ref     string
	err     error
	charges []int64
}

func (g *stubGateway) ChargeStoredMethod(ctx context.Context, customerID string, amountCents int64, description string) (string, error) {
	g.charges = append(g.charges, amountCents)
	return g.ref, g.err
}

func walletRows(balance, threshold, amount int64, enabled bool, customerID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"owner_id", "balance_cents", "gateway_customer_id",
		"auto_topup_enabled", "auto_topup_threshold_cents", "auto_topup_amount_cents",
		"deleted_at", "audit_hold_at", "created_at", "updated_at",
	}).AddRow("owner", balance, customerID, enabled, threshold, amount, nil, nil, now, now)
}

func TestMaybeTopUp_ChargesGatewayThenCreditsLedger(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	gw := &stubGateway{ref: "pi_topup_1"}
	engine := NewTopUpEngine(ledger.NewStore(mockDB, logging.NewLogger()), gw, logging.NewLogger())

	ownerID := uuid.New().String()
	// Balance 50, configured amount 500, a 100-cent charge just failed.
	mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
		WithArgs(ownerID).
		WillReturnRows(walletRows(50, 100, 500, true, "cus_1"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents, deleted_at, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "deleted_at", "audit_hold_at"}).
			AddRow(50, nil, nil))
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, int64(500), int64(550), string(ledger.TypeAutoTopUp), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(int64(550), ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.MaybeTopUp(context.Background(), ownerID, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ToppedUp {
		t.Fatalf("expected top-up, got %+v", result)
	}
	if result.AmountCents != 500 {
		t.Fatalf("expected configured amount 500, got %d", result.AmountCents)
	}
	if result.NewBalance != 550 {
		t.Fatalf("expected balance 550, got %d", result.NewBalance)
	}
	if len(gw.charges) != 1 || gw.charges[0] != 500 {
		t.Fatalf("expected one gateway charge of 500, got %v", gw.charges)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaybeTopUp_ShortfallAboveConfiguredAmountWins(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	gw := &stubGateway{ref: "pi_topup_2"}
	engine := NewTopUpEngine(ledger.NewStore(mockDB, logging.NewLogger()), gw, logging.NewLogger())

	ownerID := uuid.New().String()
	mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
		WithArgs(ownerID).
		WillReturnRows(walletRows(0, 100, 500, true, "cus_1"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents, deleted_at, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "deleted_at", "audit_hold_at"}).
			AddRow(0, nil, nil))
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, int64(800), int64(800), string(ledger.TypeAutoTopUp), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(int64(800), ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.MaybeTopUp(context.Background(), ownerID, 800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AmountCents != 800 {
		t.Fatalf("expected shortfall 800 to win, got %d", result.AmountCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaybeTopUp_SkipsWhenDisabledOrAboveThreshold(t *testing.T) {
	cases := []struct {
		name      string
		balance   int64
		enabled   bool
		customer  string
		shortfall int64
		reason    string
	}{
		{"disabled", 10, false, "cus_1", 0, "auto top-up disabled"},
		{"no payment method", 10, true, "", 0, "no stored payment method"},
		{"above threshold", 5000, true, "cus_1", 0, "balance above threshold"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mockDB, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create sqlmock: %v", err)
			}
			defer mockDB.Close()

			gw := &stubGateway{ref: "pi_x"}
			engine := NewTopUpEngine(ledger.NewStore(mockDB, logging.NewLogger()), gw, logging.NewLogger())

			ownerID := uuid.New().String()
			mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
				WithArgs(ownerID).
				WillReturnRows(walletRows(tc.balance, 100, 500, tc.enabled, tc.customer))

			result, err := engine.MaybeTopUp(context.Background(), ownerID, tc.shortfall)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.ToppedUp {
				t.Fatal("expected no top-up")
			}
			if result.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, result.Reason)
			}
			if len(gw.charges) != 0 {
				t.Fatalf("gateway must not be charged, got %v", gw.charges)
			}
		})
	}
}

func TestMaybeTopUp_GatewayFailureLeavesLedgerUntouched(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	gw := &stubGateway{err: errors.New("card declined")}
	engine := NewTopUpEngine(ledger.NewStore(mockDB, logging.NewLogger()), gw, logging.NewLogger())

	ownerID := uuid.New().String()
	mock.ExpectQuery("SELECT owner_id, balance_cents, gateway_customer_id").
		WithArgs(ownerID).
		WillReturnRows(walletRows(10, 100, 500, true, "cus_1"))

	_, err = engine.MaybeTopUp(context.Background(), ownerID, 90)
	if err == nil {
		t.Fatal("expected gateway failure to surface")
	}

	// No ledger writes were expected; any would fail the mock.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
