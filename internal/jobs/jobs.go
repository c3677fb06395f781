package jobs

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/clients/compute"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/clients"
	"github.com/harborpanel/bursar/pkg/logging"
	"github.com/harborpanel/bursar/pkg/monitoring"
)

// Gateway is the payment gateway surface the background jobs touch.
type Gateway interface {
	DeleteCustomer(ctx context.Context, customerID string) error
}

// ComputeAPI is the provisioning surface the background jobs touch.
type ComputeAPI interface {
	ListServers(ctx context.Context, ownerID string) ([]compute.Server, error)
	DeleteServer(ctx context.Context, serverID string) error
	CancelPendingOrders(ctx context.Context, ownerID string) error
}

// IdentityAPI answers whether a user account still exists.
type IdentityAPI interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// JobManager runs the recurring billing processors: the hourly charge
// pass, the 30-second cancellation queue drain, the hourly orphan
// sweep, and the daily ledger reconciliation audit.
type JobManager struct {
	logger        logging.Logger
	ledger        *ledger.Store
	servers       *billing.ServerStore
	cancellations *billing.CancellationStore
	topup         *billing.TopUpEngine
	compute       ComputeAPI
	identity      IdentityAPI
	gateway       Gateway
	metrics       *Metrics
	stopCh        chan struct{}
}

// NewJobManager creates a new job manager.
func NewJobManager(
	log logging.Logger,
	ledgerStore *ledger.Store,
	serverStore *billing.ServerStore,
	cancellationStore *billing.CancellationStore,
	topupEngine *billing.TopUpEngine,
	computeClient ComputeAPI,
	identityClient IdentityAPI,
	gw Gateway,
	metrics *Metrics,
) *JobManager {
	return &JobManager{
		logger:        log,
		ledger:        ledgerStore,
		servers:       serverStore,
		cancellations: cancellationStore,
		topup:         topupEngine,
		compute:       computeClient,
		identity:      identityClient,
		gateway:       gw,
		metrics:       metrics,
		stopCh:        make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting billing job manager")

	go jm.runBilling(ctx)
	go jm.runCancellations(ctx)
	go jm.runOrphanCleanup(ctx)
	go jm.runReconciliation(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping billing job manager")
	close(jm.stopCh)
}

// Metrics holds the counters the processors report per run.
type Metrics struct {
	ChargesApplied    *prometheus.CounterVec
	ChargeFailures    *prometheus.CounterVec
	AutoTopUps        *prometheus.CounterVec
	CancellationsDone *prometheus.CounterVec
	OrphansUnwound    prometheus.Counter
	DriftHolds        prometheus.Counter
	RunDuration       *prometheus.HistogramVec
}

// NewMetrics registers the job counters on the shared collector.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		ChargesApplied: mc.NewCounter("billing_charges_applied_total",
			"Daily server charges successfully written to the ledger", []string{}),
		ChargeFailures: mc.NewCounter("billing_charge_failures_total",
			"Daily server charges that could not be applied, by error class", []string{"class"}),
		AutoTopUps: mc.NewCounter("billing_auto_topups_total",
			"Automatic wallet top-ups, by outcome", []string{"outcome"}),
		CancellationsDone: mc.NewCounter("billing_cancellations_processed_total",
			"Cancellation queue rows processed, by outcome", []string{"outcome"}),
		RunDuration: mc.NewHistogram("billing_job_run_duration_seconds",
			"Wall time of one processor pass", []string{"job"},
			[]float64{0.1, 0.5, 1, 5, 15, 60, 300}),
	}

	orphans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_orphans_unwound_total",
		Help: "Wallets frozen because their owning account disappeared",
	})
	mc.RegisterCustomMetric("billing_orphans_unwound_total", orphans)
	m.OrphansUnwound = orphans

	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_drift_holds_total",
		Help: "Wallets placed on audit hold by the reconciliation audit",
	})
	mc.RegisterCustomMetric("billing_drift_holds_total", drift)
	m.DriftHolds = drift

	return m
}

// classifyError buckets a processor failure for metrics and the per-run
// summary log. Expected business outcomes get their own classes so an
// operator can tell a broke customer from a broken system.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrWalletFrozen):
		return "wallet_frozen"
	case errors.Is(err, ledger.ErrAuditHold):
		return "audit_hold"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, clients.ErrCircuitOpen):
		return "external_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}
