package jobs

import (
	"context"
	"time"

	"github.com/harborpanel/bursar/pkg/logging"
)

const reconcileInterval = 24 * time.Hour

// runReconciliation replays every wallet's ledger once a day and
// compares it to the cached balance. Drifted wallets are placed on
// audit hold by the ledger store; nothing is auto-corrected.
func (jm *JobManager) runReconciliation(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting reconciliation audit job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.runAudit(ctx)
		}
	}
}

func (jm *JobManager) runAudit(ctx context.Context) {
	start := time.Now()
	drifted, err := jm.ledger.VerifyAll(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Reconciliation audit failed")
		return
	}

	for _, report := range drifted {
		jm.metrics.DriftHolds.Inc()
		jm.logger.WithFields(logging.Fields{
			"owner_id":   report.OwnerID,
			"cached":     report.Cached,
			"ledger_sum": report.LedgerSum,
		}).Error("Wallet drifted from ledger, audit hold placed")
	}

	jm.metrics.RunDuration.WithLabelValues("reconciliation").Observe(time.Since(start).Seconds())
	jm.logger.WithFields(logging.Fields{
		"drifted": len(drifted),
		"took":    time.Since(start).String(),
	}).Info("Reconciliation audit complete")
}
