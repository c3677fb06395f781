package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/harborpanel/bursar/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(mockDB, logging.NewLogger()), mock, func() { mockDB.Close() }
}

func expectLock(mock sqlmock.Sqlmock, ownerID string, balance int64, deletedAt, auditHoldAt interface{}) {
	mock.ExpectQuery(`SELECT balance_cents, deleted_at, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "deleted_at", "audit_hold_at"}).
			AddRow(balance, deletedAt, auditHoldAt))
}

func TestApply_ChargeDeductsAndAppends(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()
	balance := int64(1000)
	charge := int64(333)

	mock.ExpectBegin()
	expectLock(mock, ownerID, balance, nil, nil)
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, -charge, balance-charge, string(TypeCharge), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(balance-charge, ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Apply(context.Background(), ownerID, -charge, TypeCharge, ChargeMeta{ServerID: "srv-1", CycleDay: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != balance-charge {
		t.Fatalf("expected balance %d, got %d", balance-charge, result.NewBalance)
	}
	if result.TransactionID != 42 {
		t.Fatalf("expected transaction id 42, got %d", result.TransactionID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_InsufficientFundsWritesNothing(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	expectLock(mock, ownerID, 100, nil, nil)
	mock.ExpectRollback()

	_, err := store.Apply(context.Background(), ownerID, -500, TypeCharge, ChargeMeta{ServerID: "srv-1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_ExactBalanceToZeroSucceeds(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	expectLock(mock, ownerID, 500, nil, nil)
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, int64(-500), int64(0), string(TypeCharge), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(int64(0), ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Apply(context.Background(), ownerID, -500, TypeCharge, ChargeMeta{ServerID: "srv-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != 0 {
		t.Fatalf("expected zero balance, got %d", result.NewBalance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_FrozenWalletRejectsCharge(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	expectLock(mock, ownerID, 1000, time.Now(), nil)
	mock.ExpectRollback()

	_, err := store.Apply(context.Background(), ownerID, -100, TypeCharge, ChargeMeta{ServerID: "srv-1"})
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_FrozenWalletAcceptsSettlement(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()
	balance := int64(1000)
	refund := int64(400)

	mock.ExpectBegin()
	expectLock(mock, ownerID, balance, time.Now(), nil)
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, -refund, balance-refund, string(TypeRefund), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(balance-refund, ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Apply(context.Background(), ownerID, -refund, TypeRefund, RefundMeta{Reason: "account closed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != balance-refund {
		t.Fatalf("expected balance %d, got %d", balance-refund, result.NewBalance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_AuditHoldRejectsEverything(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	// Even settlement types are refused while the hold stands.
	mock.ExpectBegin()
	expectLock(mock, ownerID, 1000, nil, time.Now())
	mock.ExpectRollback()

	_, err := store.Apply(context.Background(), ownerID, 100, TypeAdjustment, AdjustmentMeta{Reason: "test", Actor: "ops"})
	if !errors.Is(err, ErrAuditHold) {
		t.Fatalf("expected ErrAuditHold, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApply_UnknownWallet(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents, deleted_at, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "deleted_at", "audit_hold_at"}))
	mock.ExpectRollback()

	_, err := store.Apply(context.Background(), ownerID, 100, TypeTopUp, TopUpMeta{GatewayRef: "pi_1"})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestApply_RejectsMismatchedMetadata(t *testing.T) {
	store, _, closeDB := newTestStore(t)
	defer closeDB()

	_, err := store.Apply(context.Background(), "owner", 100, TypeTopUp, ChargeMeta{ServerID: "srv-1"})
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}

	_, err = store.Apply(context.Background(), "owner", 100, Type("withdrawal"), nil)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType for unknown type, got %v", err)
	}
}

func TestSetBalance_AppendsDifference(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "audit_hold_at"}).AddRow(700, nil))
	mock.ExpectQuery("INSERT INTO wallet_transactions").
		WithArgs(ownerID, int64(300), int64(1000), string(TypeAdjustment), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(int64(1000), ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.SetBalance(context.Background(), ownerID, 1000, AdjustmentMeta{Reason: "drift fix", Actor: "ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != 1000 {
		t.Fatalf("expected balance 1000, got %d", result.NewBalance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetBalance_NoOpAtTarget(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance_cents, audit_hold_at.*FOR UPDATE`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "audit_hold_at"}).AddRow(1000, nil))
	mock.ExpectCommit()

	result, err := store.SetBalance(context.Background(), ownerID, 1000, AdjustmentMeta{Reason: "noop", Actor: "ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TransactionID != 0 {
		t.Fatalf("expected no transaction, got id %d", result.TransactionID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFreeze_Idempotent(t *testing.T) {
	store, mock, closeDB := newTestStore(t)
	defer closeDB()

	ownerID := uuid.New().String()

	mock.ExpectExec("UPDATE wallets").
		WithArgs(ownerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(ownerID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Freeze(context.Background(), ownerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second freeze touches no rows and still succeeds.
	if err := store.Freeze(context.Background(), ownerID); err != nil {
		t.Fatalf("unexpected error on repeat freeze: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
