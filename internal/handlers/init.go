package handlers

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/clients/compute"
	"github.com/harborpanel/bursar/internal/gateway"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
	"github.com/harborpanel/bursar/pkg/monitoring"
)

var (
	logger        logging.Logger
	metrics       *BursarMetrics
	wallets       *ledger.Store
	servers       *billing.ServerStore
	cancellations *billing.CancellationStore
	stripeClient  *gateway.Client
	computeClient *compute.Client
	unwinder      Unwinder

	// identityWebhookSecret signs the identity service's deletion
	// notifications.
	identityWebhookSecret string
)

// Unwinder tears down everything attached to a deleted account. The job
// manager implements it; the identity webhook calls it inline so a
// deletion notice does not wait for the hourly sweep.
type Unwinder interface {
	UnwindOrphan(ctx context.Context, ownerID string) error
}

// BursarMetrics holds all Prometheus metrics for the HTTP API
type BursarMetrics struct {
	WalletOperations *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
}

// NewBursarMetrics registers the API counters on the shared collector.
func NewBursarMetrics(mc *monitoring.MetricsCollector) *BursarMetrics {
	return &BursarMetrics{
		WalletOperations: mc.NewCounter("wallet_api_operations_total",
			"Wallet API operations, by operation and status", []string{"operation", "status"}),
		WebhookEvents: mc.NewCounter("webhook_events_total",
			"Webhook events received, by source, type and status", []string{"source", "type", "status"}),
	}
}

// Deps carries everything the handlers need.
type Deps struct {
	Logger                logging.Logger
	Metrics               *BursarMetrics
	Ledger                *ledger.Store
	Servers               *billing.ServerStore
	Cancellations         *billing.CancellationStore
	Stripe                *gateway.Client
	Compute               *compute.Client
	Unwinder              Unwinder
	IdentityWebhookSecret string
}

// Init initializes the handlers with their stores and clients
func Init(deps Deps) {
	logger = deps.Logger
	metrics = deps.Metrics
	wallets = deps.Ledger
	servers = deps.Servers
	cancellations = deps.Cancellations
	stripeClient = deps.Stripe
	computeClient = deps.Compute
	unwinder = deps.Unwinder
	identityWebhookSecret = deps.IdentityWebhookSecret
}
