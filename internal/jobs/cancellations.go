package jobs

import (
	"context"
	"time"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/pkg/logging"
)

const (
	cancellationInterval  = 30 * time.Second
	cancellationBatchSize = 50
)

// runCancellations drains the deletion queue every 30 seconds.
func (jm *JobManager) runCancellations(ctx context.Context) {
	ticker := time.NewTicker(cancellationInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting cancellation processor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.processCancellations(ctx)
		}
	}
}

// processCancellations claims due rows and deletes the servers behind
// them. A row whose deletion fails is parked as failed and left for an
// operator; it is never retried automatically.
func (jm *JobManager) processCancellations(ctx context.Context) {
	start := time.Now()
	claimed, err := jm.cancellations.ClaimDue(ctx, start, cancellationBatchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to claim due cancellations")
		return
	}
	if len(claimed) == 0 {
		return
	}

	var done, failed int
	for _, c := range claimed {
		if err := jm.deleteServer(ctx, c); err != nil {
			failed++
			jm.metrics.CancellationsDone.WithLabelValues("failed").Inc()
			jm.logger.WithError(err).WithFields(logging.Fields{
				"cancellation_id": c.ID,
				"server_id":       c.ServerID,
				"owner_id":        c.OwnerID,
				"mode":            c.Mode,
				"error_class":     classifyError(err),
			}).Error("Server deletion failed, cancellation parked")
			if failErr := jm.cancellations.Fail(ctx, c.ID); failErr != nil {
				jm.logger.WithError(failErr).WithField("cancellation_id", c.ID).
					Error("Failed to park cancellation")
			}
			continue
		}
		done++
		jm.metrics.CancellationsDone.WithLabelValues("done").Inc()
	}

	jm.metrics.RunDuration.WithLabelValues("cancellations").Observe(time.Since(start).Seconds())
	jm.logger.WithFields(logging.Fields{
		"claimed": len(claimed),
		"done":    done,
		"failed":  failed,
		"took":    time.Since(start).String(),
	}).Info("Cancellation pass complete")
}

// deleteServer destroys the server, stops its billing, and removes the
// queue row. The compute client treats an already-deleted server as
// success, so a crash between steps just repeats harmless work.
func (jm *JobManager) deleteServer(ctx context.Context, c billing.Cancellation) error {
	if err := jm.compute.DeleteServer(ctx, c.ServerID); err != nil {
		return err
	}
	if err := jm.servers.MarkCancelled(ctx, c.ServerID); err != nil {
		return err
	}
	if err := jm.cancellations.Complete(ctx, c.ID); err != nil {
		return err
	}

	jm.logger.WithFields(logging.Fields{
		"server_id": c.ServerID,
		"owner_id":  c.OwnerID,
		"mode":      c.Mode,
	}).Info("Server deleted")
	return nil
}
