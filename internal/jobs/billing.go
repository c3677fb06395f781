package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

const (
	billingInterval     = time.Hour
	billingInitialDelay = 5 * time.Minute
	billingBatchSize    = 500

	// failedDayLimit is how many cumulative unpaid days a server
	// survives before it is escalated and queued for deletion.
	failedDayLimit = 7
)

// runBilling drives the hourly charge pass. The first pass waits a few
// minutes after startup so a crash-looping deploy does not hammer the
// ledger.
func (jm *JobManager) runBilling(ctx context.Context) {
	jm.logger.Info("Starting recurring charge job")

	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(billingInitialDelay):
	}

	ticker := time.NewTicker(billingInterval)
	defer ticker.Stop()

	jm.processDueCharges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processDueCharges(ctx)
		}
	}
}

// processDueCharges charges every server whose billing day has arrived.
// A server is charged at most once per day no matter how often the pass
// runs: the due-date predicate only matches rows whose next_bill_at has
// not been advanced yet, and the advance happens in the same pass as
// the charge.
func (jm *JobManager) processDueCharges(ctx context.Context) {
	start := time.Now()
	due, err := jm.servers.Due(ctx, start, billingBatchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to load due servers")
		return
	}

	var charged, failed int
	failures := map[string]int{}
	for _, sb := range due {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		default:
		}

		if err := jm.chargeServer(ctx, sb); err != nil {
			failed++
			class := classifyError(err)
			failures[class]++
			jm.metrics.ChargeFailures.WithLabelValues(class).Inc()
			jm.logger.WithError(err).WithFields(logging.Fields{
				"server_id":   sb.ServerID,
				"owner_id":    sb.OwnerID,
				"error_class": class,
			}).Warn("Daily charge failed")
			continue
		}
		charged++
		jm.metrics.ChargesApplied.WithLabelValues().Inc()
	}

	jm.metrics.RunDuration.WithLabelValues("billing").Observe(time.Since(start).Seconds())
	jm.logger.WithFields(logging.Fields{
		"due":      len(due),
		"charged":  charged,
		"failed":   failed,
		"failures": failures,
		"took":     time.Since(start).String(),
	}).Info("Recurring charge pass complete")
}

// chargeServer applies one daily charge. On insufficient funds it gives
// the auto top-up engine one chance to cover the shortfall and retries
// the charge once; a still-unpaid day is counted and, at the limit, the
// server is escalated to overdue and queued for immediate deletion.
func (jm *JobManager) chargeServer(ctx context.Context, sb billing.ServerBilling) error {
	amount := billing.DailyCharge(sb.MonthlyPriceCents, sb.CycleDay)
	if amount <= 0 {
		// Free plan; just keep the cycle moving.
		return jm.servers.AdvanceDay(ctx, sb.ServerID)
	}

	meta := ledger.ChargeMeta{ServerID: sb.ServerID, CycleDay: sb.CycleDay}
	_, err := jm.ledger.Apply(ctx, sb.OwnerID, -amount, ledger.TypeCharge, meta)

	if errors.Is(err, ledger.ErrInsufficientFunds) {
		err = jm.retryAfterTopUp(ctx, sb, amount, meta)
	}

	if err == nil {
		return jm.servers.AdvanceDay(ctx, sb.ServerID)
	}

	// Frozen wallets and audit holds are not "unpaid days": the wallet
	// cannot pay by definition and the orphan or audit path owns the
	// outcome. Only insufficient funds burns a failure day.
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		return err
	}

	failedDays, recErr := jm.servers.RecordFailedDay(ctx, sb.ServerID)
	if recErr != nil {
		return recErr
	}
	if failedDays >= failedDayLimit {
		if escErr := jm.escalateUnpaid(ctx, sb); escErr != nil {
			return escErr
		}
	}
	return err
}

// retryAfterTopUp asks the auto top-up engine to cover the shortfall
// and retries the charge once. The engine charges the gateway first, so
// a declined card means no retry.
func (jm *JobManager) retryAfterTopUp(ctx context.Context, sb billing.ServerBilling, amount int64, meta ledger.ChargeMeta) error {
	w, err := jm.ledger.GetWallet(ctx, sb.OwnerID)
	if err != nil {
		return err
	}
	shortfall := amount - w.BalanceCents
	if shortfall < 0 {
		shortfall = 0
	}

	result, err := jm.topup.MaybeTopUp(ctx, sb.OwnerID, shortfall)
	if err != nil {
		jm.metrics.AutoTopUps.WithLabelValues("failed").Inc()
		return ledger.ErrInsufficientFunds
	}
	if !result.ToppedUp {
		jm.metrics.AutoTopUps.WithLabelValues("skipped").Inc()
		return ledger.ErrInsufficientFunds
	}
	jm.metrics.AutoTopUps.WithLabelValues("applied").Inc()

	_, err = jm.ledger.Apply(ctx, sb.OwnerID, -amount, ledger.TypeCharge, meta)
	return err
}

// escalateUnpaid marks the server overdue and queues it for immediate
// deletion. The queue's uniqueness guard makes repeated escalation
// harmless.
func (jm *JobManager) escalateUnpaid(ctx context.Context, sb billing.ServerBilling) error {
	if err := jm.servers.MarkOverdue(ctx, sb.ServerID); err != nil {
		return err
	}

	_, err := jm.cancellations.Request(ctx, sb.ServerID, sb.OwnerID, billing.ModeImmediate)
	if err != nil && !errors.Is(err, billing.ErrCancellationExists) {
		return err
	}

	jm.logger.WithFields(logging.Fields{
		"server_id": sb.ServerID,
		"owner_id":  sb.OwnerID,
	}).Warn("Server escalated to overdue and queued for deletion")
	return nil
}
