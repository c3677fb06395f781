package main

import (
	"context"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/internal/clients/compute"
	"github.com/harborpanel/bursar/internal/clients/identity"
	"github.com/harborpanel/bursar/internal/gateway"
	"github.com/harborpanel/bursar/internal/handlers"
	"github.com/harborpanel/bursar/internal/jobs"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/auth"
	"github.com/harborpanel/bursar/pkg/clients"
	"github.com/harborpanel/bursar/pkg/config"
	"github.com/harborpanel/bursar/pkg/database"
	"github.com/harborpanel/bursar/pkg/logging"
	"github.com/harborpanel/bursar/pkg/monitoring"
	"github.com/harborpanel/bursar/pkg/server"
	"github.com/harborpanel/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Wallet & Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")
	stripeWebhookSecret := config.RequireEnv("STRIPE_WEBHOOK_SECRET")
	identityWebhookSecret := config.RequireEnv("IDENTITY_WEBHOOK_SECRET")
	computeURL := config.RequireEnv("COMPUTE_URL")
	identityURL := config.RequireEnv("IDENTITY_URL")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("compute", monitoring.HTTPServiceHealthCheck("compute", computeURL+"/health"))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Stores
	ledgerStore := ledger.NewStore(db, logger)
	serverStore := billing.NewServerStore(db, logger)
	cancellationStore := billing.NewCancellationStore(db, logger)

	// External clients
	stripeClient := gateway.NewClient(gateway.Config{
		SecretKey:     stripeKey,
		WebhookSecret: stripeWebhookSecret,
		Logger:        logger,
	})
	computeBreaker := clients.DefaultCircuitBreakerConfig()
	computeBreaker.Name = "compute"
	computeBreaker.Logger = logger
	computeClient := compute.NewClient(compute.Config{
		BaseURL:              computeURL,
		ServiceToken:         serviceToken,
		Logger:               logger,
		CircuitBreakerConfig: &computeBreaker,
	})
	identityBreaker := clients.DefaultCircuitBreakerConfig()
	identityBreaker.Name = "identity"
	identityBreaker.Logger = logger
	identityClient := identity.NewClient(identity.Config{
		BaseURL:              identityURL,
		ServiceToken:         serviceToken,
		Logger:               logger,
		CircuitBreakerConfig: &identityBreaker,
	})

	topupEngine := billing.NewTopUpEngine(ledgerStore, stripeClient, logger)

	// Background processors
	jobMetrics := jobs.NewMetrics(metricsCollector)
	jobManager := jobs.NewJobManager(logger, ledgerStore, serverStore, cancellationStore,
		topupEngine, computeClient, identityClient, stripeClient, jobMetrics)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background billing jobs active")

	// Initialize handlers
	handlers.Init(handlers.Deps{
		Logger:                logger,
		Metrics:               handlers.NewBursarMetrics(metricsCollector),
		Ledger:                ledgerStore,
		Servers:               serverStore,
		Cancellations:         cancellationStore,
		Stripe:                stripeClient,
		Compute:               computeClient,
		Unwinder:              jobManager,
		IdentityWebhookSecret: identityWebhookSecret,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/billing/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/wallet", handlers.GetWallet)
			protected.GET("/wallet/transactions", handlers.GetTransactions)
			protected.PUT("/wallet/autotopup", handlers.SetAutoTopUp)
			protected.POST("/wallet/topup", handlers.CreateTopUp)

			protected.POST("/servers/:id/cancel", handlers.RequestCancellation)
			protected.DELETE("/servers/:id/cancel", handlers.RevokeCancellation)
			protected.GET("/servers/:id/cancel", handlers.GetCancellation)
		}

		// Webhook endpoints (signature-verified, no session auth)
		router.POST("/webhooks/stripe", handlers.StripeWebhook)
		router.POST("/webhooks/identity", handlers.IdentityWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/internal/servers", handlers.ServerProvisioned)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18003")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
