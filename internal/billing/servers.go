package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborpanel/bursar/pkg/logging"
)

// Server billing status values.
const (
	StatusActive    = "active"
	StatusOverdue   = "overdue"
	StatusCancelled = "cancelled"
)

// BillingCycleDays is the fixed length of a wallet billing cycle. The
// daily charge is monthly/30 truncated; day 30 absorbs the remainder so
// thirty charges always sum to the monthly price exactly.
const BillingCycleDays = 30

// ServerBilling is the per-server billing state derived from the
// provisioning system's plan data.
type ServerBilling struct {
	ServerID          string     `json:"server_id"`
	OwnerID           string     `json:"owner_id"`
	PlanID            string     `json:"plan_id"`
	MonthlyPriceCents int64      `json:"monthly_price_cents"`
	Status            string     `json:"status"`
	NextBillAt        time.Time  `json:"next_bill_at"`
	SuspendAt         *time.Time `json:"suspend_at,omitempty"`
	AutoRenew         bool       `json:"auto_renew"`
	CycleDay          int        `json:"cycle_day"`
	FailedDays        int        `json:"failed_days"`
	DeployedAt        time.Time  `json:"deployed_at"`
}

// DailyCharge returns the charge for the given 1-based cycle day.
func DailyCharge(monthlyCents int64, cycleDay int) int64 {
	daily := monthlyCents / BillingCycleDays
	if cycleDay >= BillingCycleDays {
		return monthlyCents - daily*(BillingCycleDays-1)
	}
	return daily
}

// ServerStore persists server billing rows.
type ServerStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewServerStore creates a server billing store.
func NewServerStore(db *sql.DB, logger logging.Logger) *ServerStore {
	return &ServerStore{db: db, logger: logger}
}

// Track creates the billing row for a newly provisioned server, or
// backfills one for a pre-existing server. Tracking an already tracked
// server is a no-op.
func (s *ServerStore) Track(ctx context.Context, sb ServerBilling) error {
	if sb.NextBillAt.IsZero() {
		sb.NextBillAt = time.Now().Add(24 * time.Hour)
	}
	if sb.DeployedAt.IsZero() {
		sb.DeployedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_billing (
			server_id, owner_id, plan_id, monthly_price_cents,
			status, next_bill_at, auto_renew, cycle_day, failed_days,
			deployed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, 0, $8, NOW(), NOW())
		ON CONFLICT (server_id) DO NOTHING
	`, sb.ServerID, sb.OwnerID, sb.PlanID, sb.MonthlyPriceCents,
		StatusActive, sb.NextBillAt, sb.AutoRenew, sb.DeployedAt)
	if err != nil {
		return fmt.Errorf("failed to track server: %w", err)
	}
	return nil
}

// Get loads a single server billing row.
func (s *ServerStore) Get(ctx context.Context, serverID string) (*ServerBilling, error) {
	var sb ServerBilling
	var suspendAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, owner_id, plan_id, monthly_price_cents,
		       status, next_bill_at, suspend_at, auto_renew,
		       cycle_day, failed_days, deployed_at
		FROM server_billing
		WHERE server_id = $1
	`, serverID).Scan(
		&sb.ServerID, &sb.OwnerID, &sb.PlanID, &sb.MonthlyPriceCents,
		&sb.Status, &sb.NextBillAt, &suspendAt, &sb.AutoRenew,
		&sb.CycleDay, &sb.FailedDays, &sb.DeployedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s not tracked for billing", serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server billing: %w", err)
	}
	if suspendAt.Valid {
		t := suspendAt.Time
		sb.SuspendAt = &t
	}
	return &sb, nil
}

// Due returns active servers whose next bill date has arrived, oldest
// first. The due-date predicate is the idempotency boundary: a server
// whose next_bill_at was already advanced is not returned again.
// Servers of frozen or audit-held wallets are excluded; those wallets
// cannot pay by definition and the orphan or audit path owns them.
func (s *ServerStore) Due(ctx context.Context, now time.Time, limit int) ([]ServerBilling, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sb.server_id, sb.owner_id, sb.plan_id, sb.monthly_price_cents,
		       sb.status, sb.next_bill_at, sb.suspend_at, sb.auto_renew,
		       sb.cycle_day, sb.failed_days, sb.deployed_at
		FROM server_billing sb
		JOIN wallets w ON w.owner_id = sb.owner_id
		WHERE sb.status = $1 AND sb.next_bill_at <= $2
		  AND w.deleted_at IS NULL AND w.audit_hold_at IS NULL
		ORDER BY sb.next_bill_at
		LIMIT $3
	`, StatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due servers: %w", err)
	}
	defer rows.Close()

	var due []ServerBilling
	for rows.Next() {
		var sb ServerBilling
		var suspendAt sql.NullTime
		if err := rows.Scan(
			&sb.ServerID, &sb.OwnerID, &sb.PlanID, &sb.MonthlyPriceCents,
			&sb.Status, &sb.NextBillAt, &suspendAt, &sb.AutoRenew,
			&sb.CycleDay, &sb.FailedDays, &sb.DeployedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan due server: %w", err)
		}
		if suspendAt.Valid {
			t := suspendAt.Time
			sb.SuspendAt = &t
		}
		due = append(due, sb)
	}
	return due, rows.Err()
}

// AdvanceDay moves the server to the next billing day after a
// successful charge: next_bill_at advances 24h from its previous value
// (not from now, so late runs do not drift), the cycle day wraps after
// day 30, and the failure counter resets.
func (s *ServerStore) AdvanceDay(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_billing
		SET next_bill_at = next_bill_at + INTERVAL '1 day',
		    cycle_day = (cycle_day % $2) + 1,
		    failed_days = 0,
		    updated_at = NOW()
		WHERE server_id = $1
	`, serverID, BillingCycleDays)
	if err != nil {
		return fmt.Errorf("failed to advance billing day: %w", err)
	}
	return nil
}

// RecordFailedDay counts one unpaid day and skips to the next one. The
// unpaid day is forfeited rather than accumulated as debt; seven
// cumulative failures escalate the server to overdue.
func (s *ServerStore) RecordFailedDay(ctx context.Context, serverID string) (int, error) {
	var failedDays int
	err := s.db.QueryRowContext(ctx, `
		UPDATE server_billing
		SET failed_days = failed_days + 1,
		    next_bill_at = next_bill_at + INTERVAL '1 day',
		    updated_at = NOW()
		WHERE server_id = $1
		RETURNING failed_days
	`, serverID).Scan(&failedDays)
	if err != nil {
		return 0, fmt.Errorf("failed to record failed day: %w", err)
	}
	return failedDays, nil
}

// MarkOverdue escalates an unpaid server. A suspend timestamp records
// when the escalation happened.
func (s *ServerStore) MarkOverdue(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_billing
		SET status = $1, suspend_at = NOW(), updated_at = NOW()
		WHERE server_id = $2 AND status = $3
	`, StatusOverdue, serverID, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark server overdue: %w", err)
	}
	return nil
}

// MarkCancelled terminates billing for a deleted server.
func (s *ServerStore) MarkCancelled(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE server_billing
		SET status = $1, updated_at = NOW()
		WHERE server_id = $2 AND status != $1
	`, StatusCancelled, serverID)
	if err != nil {
		return fmt.Errorf("failed to mark server cancelled: %w", err)
	}
	return nil
}

// CancelOwner terminates billing for every server of an owner. Used by
// the orphan unwind after the provisioning system confirmed deletion.
func (s *ServerStore) CancelOwner(ctx context.Context, ownerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE server_billing
		SET status = $1, updated_at = NOW()
		WHERE owner_id = $2 AND status != $1
	`, StatusCancelled, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel owner servers: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
