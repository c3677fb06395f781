package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

// orphanLookupGap spaces out identity lookups so the sweep never
// floods the identity service, whatever the wallet count.
const orphanLookupGap = 100 * time.Millisecond

// Sweep cadence. Variables so tests can shrink them.
var (
	orphanInterval     = time.Hour
	orphanInitialDelay = 5 * time.Minute
)

// runOrphanCleanup sweeps hourly for wallets whose owning account no
// longer exists and unwinds everything attached to them. The first
// sweep runs a few minutes after startup, like the charge pass.
func (jm *JobManager) runOrphanCleanup(ctx context.Context) {
	jm.logger.Info("Starting orphan cleanup job")

	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(orphanInitialDelay):
	}

	ticker := time.NewTicker(orphanInterval)
	defer ticker.Stop()

	jm.processOrphans(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processOrphans(ctx)
		}
	}
}

// processOrphans checks every active wallet owner against the identity
// service. A lookup error skips the owner for this sweep; only an
// authoritative "gone" answer triggers the unwind.
func (jm *JobManager) processOrphans(ctx context.Context) {
	start := time.Now()
	owners, err := jm.ledger.ListActiveOwners(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list active wallet owners")
		return
	}

	var checked, unwound, skipped int
	for _, w := range owners {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-time.After(orphanLookupGap):
		}

		exists, err := jm.identity.UserExists(ctx, w.OwnerID)
		if err != nil {
			skipped++
			jm.logger.WithError(err).WithFields(logging.Fields{
				"owner_id":    w.OwnerID,
				"error_class": classifyError(err),
			}).Warn("Identity lookup failed, owner skipped this sweep")
			continue
		}
		checked++
		if exists {
			continue
		}

		if err := jm.UnwindOrphan(ctx, w.OwnerID); err != nil {
			jm.logger.WithError(err).WithField("owner_id", w.OwnerID).
				Error("Orphan unwind failed, will retry next sweep")
			continue
		}
		unwound++
		jm.metrics.OrphansUnwound.Inc()
	}

	jm.metrics.RunDuration.WithLabelValues("orphans").Observe(time.Since(start).Seconds())
	jm.logger.WithFields(logging.Fields{
		"owners":  len(owners),
		"checked": checked,
		"unwound": unwound,
		"skipped": skipped,
		"took":    time.Since(start).String(),
	}).Info("Orphan cleanup pass complete")
}

// UnwindOrphan tears down everything attached to a dead account:
// servers first, then pending orders and queued cancellations, then the
// gateway customer, and finally the wallet freeze. The freeze comes
// last so a partial unwind is retried in full on the next sweep. The
// wallet row and its ledger are kept forever. Also invoked directly by
// the identity deletion webhook.
func (jm *JobManager) UnwindOrphan(ctx context.Context, ownerID string) error {
	servers, err := jm.compute.ListServers(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		if err := jm.compute.DeleteServer(ctx, srv.ID); err != nil {
			return err
		}
		if err := jm.servers.MarkCancelled(ctx, srv.ID); err != nil {
			return err
		}
	}

	if err := jm.compute.CancelPendingOrders(ctx, ownerID); err != nil {
		return err
	}
	if err := jm.cancellations.DeleteOwner(ctx, ownerID); err != nil {
		return err
	}

	// An owner who never had a wallet has no gateway customer either;
	// the unwind must still finish so the deletion event settles.
	w, err := jm.ledger.GetWallet(ctx, ownerID)
	if err != nil && !errors.Is(err, ledger.ErrWalletNotFound) {
		return err
	}
	if w != nil && w.GatewayCustomerID != "" {
		if err := jm.gateway.DeleteCustomer(ctx, w.GatewayCustomerID); err != nil {
			return err
		}
	}

	if err := jm.ledger.Freeze(ctx, ownerID); err != nil && !errors.Is(err, ledger.ErrWalletNotFound) {
		return err
	}

	jm.logger.WithFields(logging.Fields{
		"owner_id": ownerID,
		"servers":  len(servers),
	}).Warn("Orphaned account unwound, wallet frozen")
	return nil
}
