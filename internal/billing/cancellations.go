package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/harborpanel/bursar/pkg/logging"
)

// Cancellation modes. Grace keeps the server running for 30 days and
// stays revocable; immediate schedules deletion after a short buffer
// and cannot be revoked.
const (
	ModeGrace     = "grace"
	ModeImmediate = "immediate"
)

// Cancellation queue states.
const (
	CancelQueued     = "queued"
	CancelProcessing = "processing"
	CancelFailed     = "failed"
)

const (
	// GracePeriod is how long a grace cancellation keeps the server
	// alive after the request.
	GracePeriod = 30 * 24 * time.Hour

	// ImmediateBuffer is the regret window before an immediate
	// cancellation is picked up for deletion.
	ImmediateBuffer = 5 * time.Minute
)

var (
	// ErrCancellationExists is returned when the server already has a
	// pending cancellation.
	ErrCancellationExists = errors.New("cancellation already pending")

	// ErrCancellationNotFound is returned when no revocable
	// cancellation exists for the server.
	ErrCancellationNotFound = errors.New("no revocable cancellation found")
)

// Cancellation is one row in the deletion queue.
type Cancellation struct {
	ID                  string    `json:"id"`
	ServerID            string    `json:"server_id"`
	OwnerID             string    `json:"owner_id"`
	Mode                string    `json:"mode"`
	Status              string    `json:"status"`
	RequestedAt         time.Time `json:"requested_at"`
	ScheduledDeletionAt time.Time `json:"scheduled_deletion_at"`
}

// CancellationStore persists the deletion queue.
type CancellationStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewCancellationStore creates a cancellation store.
func NewCancellationStore(db *sql.DB, logger logging.Logger) *CancellationStore {
	return &CancellationStore{db: db, logger: logger}
}

// Request enqueues a cancellation for the server. At most one pending
// cancellation may exist per server; a second request fails with
// ErrCancellationExists regardless of mode.
func (s *CancellationStore) Request(ctx context.Context, serverID, ownerID, mode string) (*Cancellation, error) {
	if mode != ModeGrace && mode != ModeImmediate {
		return nil, fmt.Errorf("unknown cancellation mode %q", mode)
	}

	now := time.Now()
	c := &Cancellation{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		OwnerID:     ownerID,
		Mode:        mode,
		Status:      CancelQueued,
		RequestedAt: now,
	}
	if mode == ModeImmediate {
		c.ScheduledDeletionAt = now.Add(ImmediateBuffer)
	} else {
		c.ScheduledDeletionAt = now.Add(GracePeriod)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_cancellations (
			id, server_id, owner_id, mode, status,
			requested_at, scheduled_deletion_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, c.ID, c.ServerID, c.OwnerID, c.Mode, c.Status, c.RequestedAt, c.ScheduledDeletionAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrCancellationExists
		}
		return nil, fmt.Errorf("failed to enqueue cancellation: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"server_id":    serverID,
		"owner_id":     ownerID,
		"mode":         mode,
		"scheduled_at": c.ScheduledDeletionAt,
	}).Info("Cancellation requested")
	return c, nil
}

// Revoke withdraws a pending grace cancellation. Immediate
// cancellations and rows already claimed by the processor cannot be
// revoked.
func (s *CancellationStore) Revoke(ctx context.Context, serverID, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM server_cancellations
		WHERE server_id = $1 AND owner_id = $2 AND mode = $3 AND status = $4
	`, serverID, ownerID, ModeGrace, CancelQueued)
	if err != nil {
		return fmt.Errorf("failed to revoke cancellation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCancellationNotFound
	}
	s.logger.WithFields(logging.Fields{
		"server_id": serverID,
		"owner_id":  ownerID,
	}).Info("Cancellation revoked")
	return nil
}

// Get returns the pending cancellation for a server, if any.
func (s *CancellationStore) Get(ctx context.Context, serverID string) (*Cancellation, error) {
	var c Cancellation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, owner_id, mode, status, requested_at, scheduled_deletion_at
		FROM server_cancellations
		WHERE server_id = $1
	`, serverID).Scan(&c.ID, &c.ServerID, &c.OwnerID, &c.Mode, &c.Status,
		&c.RequestedAt, &c.ScheduledDeletionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCancellationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cancellation: %w", err)
	}
	return &c, nil
}

// ClaimDue atomically claims queued cancellations whose deletion time
// has passed, earliest first. Claiming flips them to processing so a
// concurrent run (or a crashed-and-restarted one) never picks the same
// row twice.
func (s *CancellationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Cancellation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE server_cancellations
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM server_cancellations
			WHERE status = $2 AND scheduled_deletion_at <= $3
			ORDER BY scheduled_deletion_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, server_id, owner_id, mode, status, requested_at, scheduled_deletion_at
	`, CancelProcessing, CancelQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim cancellations: %w", err)
	}
	defer rows.Close()

	var claimed []Cancellation
	for rows.Next() {
		var c Cancellation
		if err := rows.Scan(&c.ID, &c.ServerID, &c.OwnerID, &c.Mode, &c.Status,
			&c.RequestedAt, &c.ScheduledDeletionAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed cancellation: %w", err)
		}
		claimed = append(claimed, c)
	}
	return claimed, rows.Err()
}

// Complete removes a processed cancellation from the queue.
func (s *CancellationStore) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM server_cancellations WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete cancellation: %w", err)
	}
	return nil
}

// Fail parks a cancellation whose deletion attempt errored. Failed rows
// are not retried automatically; an operator requeues them after
// investigating.
func (s *CancellationStore) Fail(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_cancellations
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, CancelFailed, id)
	if err != nil {
		return fmt.Errorf("failed to park cancellation: %w", err)
	}
	return nil
}

// Requeue returns a failed cancellation to the queue for another
// attempt. Only reachable from the administrative ledger tool.
func (s *CancellationStore) Requeue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE server_cancellations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, CancelQueued, id, CancelFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue cancellation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCancellationNotFound
	}
	return nil
}

// DeleteOwner drops every pending cancellation for an owner. The orphan
// unwind calls this after deleting the owner's servers directly.
func (s *CancellationStore) DeleteOwner(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM server_cancellations WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to drop owner cancellations: %w", err)
	}
	return nil
}
