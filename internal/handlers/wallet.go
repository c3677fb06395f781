package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harborpanel/bursar/internal/gateway"
	"github.com/harborpanel/bursar/internal/ledger"
)

const defaultHistoryLimit = 50

// GetWallet returns the authenticated owner's wallet.
func GetWallet(c *gin.Context) {
	ownerID := c.GetString("owner_id")

	w, err := wallets.GetWallet(c.Request.Context(), ownerID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		metrics.WalletOperations.WithLabelValues("get_wallet", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to load wallet")
		metrics.WalletOperations.WithLabelValues("get_wallet", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallet"})
		return
	}

	metrics.WalletOperations.WithLabelValues("get_wallet", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"owner_id":      w.OwnerID,
		"balance_cents": w.BalanceCents,
		"frozen":        w.Frozen(),
		"audit_hold":    w.AuditHoldAt != nil,
		"auto_topup": gin.H{
			"enabled":         w.AutoTopUpEnabled,
			"threshold_cents": w.AutoTopUpThresholdCents,
			"amount_cents":    w.AutoTopUpAmountCents,
		},
	})
}

// GetTransactions returns the owner's ledger history, newest first.
func GetTransactions(c *gin.Context) {
	ownerID := c.GetString("owner_id")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	txs, err := wallets.History(c.Request.Context(), ownerID, limit)
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to load transactions")
		metrics.WalletOperations.WithLabelValues("get_transactions", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}

	metrics.WalletOperations.WithLabelValues("get_transactions", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// AutoTopUpRequest configures automatic replenishment.
type AutoTopUpRequest struct {
	Enabled        bool  `json:"enabled"`
	ThresholdCents int64 `json:"threshold_cents"`
	AmountCents    int64 `json:"amount_cents"`
}

// SetAutoTopUp updates the owner's auto top-up settings.
func SetAutoTopUp(c *gin.Context) {
	ownerID := c.GetString("owner_id")

	var req AutoTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Enabled && (req.ThresholdCents < 0 || req.AmountCents <= 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled auto top-up needs a non-negative threshold and a positive amount"})
		return
	}

	err := wallets.SetAutoTopUp(c.Request.Context(), ownerID, req.Enabled, req.ThresholdCents, req.AmountCents)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to update auto top-up")
		metrics.WalletOperations.WithLabelValues("set_auto_topup", "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update auto top-up"})
		return
	}

	metrics.WalletOperations.WithLabelValues("set_auto_topup", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// TopUpRequest starts a hosted checkout for a manual top-up.
type TopUpRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Email       string `json:"email"`
	SuccessURL  string `json:"success_url"`
	CancelURL   string `json:"cancel_url"`
}

const minTopUpCents = 500

// CreateTopUp creates a Stripe Checkout session for a manual wallet
// top-up. The wallet is credited by the webhook once the payment
// settles, never here.
func CreateTopUp(c *gin.Context) {
	ownerID := c.GetString("owner_id")

	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AmountCents < minTopUpCents {
		c.JSON(http.StatusBadRequest, gin.H{"error": "top-up amount below minimum"})
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "success_url and cancel_url are required"})
		return
	}

	ctx := c.Request.Context()
	w, err := wallets.GetWallet(ctx, ownerID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to load wallet")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallet"})
		return
	}
	if w.Frozen() {
		metrics.WalletOperations.WithLabelValues("topup", "frozen").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "wallet is frozen"})
		return
	}
	if w.AuditHoldAt != nil {
		metrics.WalletOperations.WithLabelValues("topup", "audit_hold").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "wallet is on audit hold"})
		return
	}

	customerID := w.GatewayCustomerID
	if customerID == "" {
		cust, err := stripeClient.CreateOrGetCustomer(ctx, gateway.CustomerInfo{
			OwnerID: ownerID,
			Email:   req.Email,
		})
		if err != nil {
			logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to create gateway customer")
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
			return
		}
		customerID = cust.ID
		if err := wallets.SetGatewayCustomer(ctx, ownerID, customerID); err != nil {
			logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to store gateway customer")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store gateway customer"})
			return
		}
	}

	sess, err := stripeClient.CreateTopUpSession(ctx, gateway.TopUpSessionParams{
		CustomerID:  customerID,
		OwnerID:     ownerID,
		AmountCents: req.AmountCents,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to create top-up session")
		metrics.WalletOperations.WithLabelValues("topup", "error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
		return
	}

	metrics.WalletOperations.WithLabelValues("topup", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}
