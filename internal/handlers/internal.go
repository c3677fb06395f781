package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/pkg/logging"
)

// ProvisionedRequest is posted by the compute service when a server
// finishes provisioning and must start billing.
type ProvisionedRequest struct {
	ServerID   string `json:"server_id"`
	OwnerID    string `json:"owner_id"`
	PlanID     string `json:"plan_id"`
	AutoRenew  bool   `json:"auto_renew"`
	DeployedAt string `json:"deployed_at"`
}

// ServerProvisioned registers a freshly provisioned server for daily
// billing. The wallet is created if this is the owner's first server;
// the plan price is fetched from the compute service so billing never
// carries stale prices. Reposting the same server is a no-op.
func ServerProvisioned(c *gin.Context) {
	var req ProvisionedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ServerID == "" || req.OwnerID == "" || req.PlanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_id, owner_id and plan_id are required"})
		return
	}

	ctx := c.Request.Context()
	plan, err := computeClient.GetPlan(ctx, req.PlanID)
	if err != nil {
		logger.WithError(err).WithField("plan_id", req.PlanID).Error("Failed to fetch plan")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch plan"})
		return
	}

	if err := wallets.CreateWallet(ctx, req.OwnerID, ""); err != nil {
		logger.WithError(err).WithField("owner_id", req.OwnerID).Error("Failed to ensure wallet")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ensure wallet"})
		return
	}

	deployedAt := time.Now()
	if req.DeployedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, req.DeployedAt); err == nil {
			deployedAt = parsed
		}
	}

	err = servers.Track(ctx, billing.ServerBilling{
		ServerID:          req.ServerID,
		OwnerID:           req.OwnerID,
		PlanID:            req.PlanID,
		MonthlyPriceCents: plan.MonthlyPriceCents,
		AutoRenew:         req.AutoRenew,
		DeployedAt:        deployedAt,
		NextBillAt:        deployedAt.Add(24 * time.Hour),
	})
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"server_id": req.ServerID,
			"owner_id":  req.OwnerID,
		}).Error("Failed to track server for billing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to track server"})
		return
	}

	logger.WithFields(logging.Fields{
		"server_id":           req.ServerID,
		"owner_id":            req.OwnerID,
		"plan_id":             req.PlanID,
		"monthly_price_cents": plan.MonthlyPriceCents,
	}).Info("Server registered for billing")
	c.JSON(http.StatusCreated, gin.H{"status": "tracked"})
}
