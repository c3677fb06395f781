package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/harborpanel/bursar/pkg/logging"
)

func newCancellationStore(t *testing.T) (*CancellationStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewCancellationStore(mockDB, logging.NewLogger()), mock, func() { mockDB.Close() }
}

func TestRequest_GraceSchedulesThirtyDaysOut(t *testing.T) {
	store, mock, closeDB := newCancellationStore(t)
	defer closeDB()

	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	mock.ExpectExec("INSERT INTO server_cancellations").
		WithArgs(sqlmock.AnyArg(), serverID, ownerID, ModeGrace, CancelQueued,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	before := time.Now()
	c, err := store.Request(context.Background(), serverID, ownerID, ModeGrace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	window := c.ScheduledDeletionAt.Sub(before)
	if window < GracePeriod-time.Minute || window > GracePeriod+time.Minute {
		t.Fatalf("grace deletion scheduled %v out, want ~%v", window, GracePeriod)
	}
	if c.Status != CancelQueued {
		t.Fatalf("expected queued, got %s", c.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequest_ImmediateKeepsRegretBuffer(t *testing.T) {
	store, mock, closeDB := newCancellationStore(t)
	defer closeDB()

	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	mock.ExpectExec("INSERT INTO server_cancellations").
		WithArgs(sqlmock.AnyArg(), serverID, ownerID, ModeImmediate, CancelQueued,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	before := time.Now()
	c, err := store.Request(context.Background(), serverID, ownerID, ModeImmediate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	window := c.ScheduledDeletionAt.Sub(before)
	if window < ImmediateBuffer-time.Second || window > ImmediateBuffer+time.Minute {
		t.Fatalf("immediate deletion scheduled %v out, want ~%v", window, ImmediateBuffer)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequest_SecondCancellationRejected(t *testing.T) {
	store, mock, closeDB := newCancellationStore(t)
	defer closeDB()

	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	mock.ExpectExec("INSERT INTO server_cancellations").
		WithArgs(sqlmock.AnyArg(), serverID, ownerID, ModeGrace, CancelQueued,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.Request(context.Background(), serverID, ownerID, ModeGrace)
	if !errors.Is(err, ErrCancellationExists) {
		t.Fatalf("expected ErrCancellationExists, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequest_UnknownModeRejected(t *testing.T) {
	store, _, closeDB := newCancellationStore(t)
	defer closeDB()

	_, err := store.Request(context.Background(), "srv", "owner", "someday")
	if err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestRevoke_OnlyQueuedGraceRows(t *testing.T) {
	store, mock, closeDB := newCancellationStore(t)
	defer closeDB()

	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	// The delete predicate pins mode=grace and status=queued, so an
	// immediate or already-claimed row matches nothing.
	mock.ExpectExec("DELETE FROM server_cancellations").
		WithArgs(serverID, ownerID, ModeGrace, CancelQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Revoke(context.Background(), serverID, ownerID)
	if !errors.Is(err, ErrCancellationNotFound) {
		t.Fatalf("expected ErrCancellationNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimDue_FlipsRowsToProcessing(t *testing.T) {
	store, mock, closeDB := newCancellationStore(t)
	defer closeDB()

	now := time.Now()
	id := uuid.New().String()
	serverID := uuid.New().String()
	ownerID := uuid.New().String()

	mock.ExpectQuery(`UPDATE server_cancellations.*SET status = `).
		WithArgs(CancelProcessing, CancelQueued, now, 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "server_id", "owner_id", "mode", "status",
			"requested_at", "scheduled_deletion_at",
		}).AddRow(id, serverID, ownerID, ModeImmediate, CancelProcessing,
			now.Add(-time.Hour), now.Add(-time.Minute)))

	claimed, err := store.ClaimDue(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed row, got %d", len(claimed))
	}
	if claimed[0].Status != CancelProcessing {
		t.Fatalf("expected processing, got %s", claimed[0].Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
