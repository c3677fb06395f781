package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestVerifyWallet_MatchLeavesWalletAlone(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents FROM wallets.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(1500))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_cents\), 0\)`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1500))
	mock.ExpectCommit()

	report, err := store.VerifyWallet(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AuditHeld {
		t.Fatal("matching wallet must not be held")
	}
	if report.Cached != 1500 || report.LedgerSum != 1500 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyWallet_DriftPlacesAuditHoldWithoutCorrecting(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents FROM wallets.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(2000))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_cents\), 0\)`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1700))
	// The only write is the hold. The cached balance stays wrong on
	// purpose; correcting it is an operator decision.
	mock.ExpectExec(`UPDATE wallets.*SET audit_hold_at = NOW\(\)`).
		WithArgs(ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := store.VerifyWallet(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.AuditHeld {
		t.Fatal("drifted wallet must be held")
	}
	if report.Cached != 2000 || report.LedgerSum != 1700 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
