package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/harborpanel/bursar/pkg/logging"
)

func TestDailyCharge_ThirtyDaysSumToMonthly(t *testing.T) {
	prices := []int64{999, 2999, 3000, 10001, 1, 29, 100000}
	for _, monthly := range prices {
		var total int64
		for day := 1; day <= BillingCycleDays; day++ {
			charge := DailyCharge(monthly, day)
			if charge < 0 {
				t.Fatalf("monthly %d day %d: negative charge %d", monthly, day, charge)
			}
			total += charge
		}
		if total != monthly {
			t.Fatalf("monthly %d: cycle sums to %d", monthly, total)
		}
	}
}

func TestDailyCharge_RemainderLandsOnLastDay(t *testing.T) {
	// 1000/30 truncates to 33; day 30 absorbs the remaining 43.
	if got := DailyCharge(1000, 1); got != 33 {
		t.Fatalf("expected 33, got %d", got)
	}
	if got := DailyCharge(1000, 30); got != 43 {
		t.Fatalf("expected 43, got %d", got)
	}
}

func TestServerStore_DueReturnsOnlyArrivedRows(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewServerStore(mockDB, logging.NewLogger())
	now := time.Now()
	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	// The due batch joins wallets so frozen and audit-held owners never
	// show up as chargeable.
	mock.ExpectQuery(`SELECT sb\.server_id.*JOIN wallets w ON w\.owner_id = sb\.owner_id.*w\.deleted_at IS NULL AND w\.audit_hold_at IS NULL`).
		WithArgs(StatusActive, now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"server_id", "owner_id", "plan_id", "monthly_price_cents",
			"status", "next_bill_at", "suspend_at", "auto_renew",
			"cycle_day", "failed_days", "deployed_at",
		}).AddRow(serverID, ownerID, "plan-s", int64(3000),
			StatusActive, now.Add(-time.Hour), nil, true,
			5, 0, now.Add(-5*24*time.Hour)))

	due, err := store.Due(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due server, got %d", len(due))
	}
	if due[0].ServerID != serverID || due[0].CycleDay != 5 {
		t.Fatalf("unexpected row: %+v", due[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestServerStore_RecordFailedDayReturnsCounter(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	store := NewServerStore(mockDB, logging.NewLogger())
	serverID := uuid.New().String()

	mock.ExpectQuery(`UPDATE server_billing.*failed_days = failed_days \+ 1`).
		WithArgs(serverID).
		WillReturnRows(sqlmock.NewRows([]string{"failed_days"}).AddRow(7))

	failedDays, err := store.RecordFailedDay(context.Background(), serverID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failedDays != 7 {
		t.Fatalf("expected 7 failed days, got %d", failedDays)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
