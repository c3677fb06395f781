package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v82"

	"github.com/harborpanel/bursar/internal/clients/identity"
	"github.com/harborpanel/bursar/internal/ledger"
	"github.com/harborpanel/bursar/pkg/logging"
)

const maxWebhookBody = 64 * 1024

// StripeWebhook handles payment gateway events. Only a verified
// checkout.session.completed for a wallet top-up credits the ledger;
// everything else is acknowledged and dropped. Replayed events are
// detected by their payment reference and acknowledged without a second
// credit.
func StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := stripeClient.VerifyAndParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logger.WithError(err).Warn("Rejected Stripe webhook with bad signature")
		metrics.WebhookEvents.WithLabelValues("stripe", "unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	sess, err := stripeClient.CheckoutSessionFromEvent(event)
	if err != nil {
		logger.WithError(err).Error("Failed to parse checkout session from event")
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	if sess.Metadata["purpose"] != "wallet_topup" || sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ownerID := sess.Metadata["owner_id"]
	if ownerID == "" {
		logger.WithField("session_id", sess.ID).Error("Top-up session missing owner metadata")
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "error").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	gatewayRef := sess.ID
	if sess.PaymentIntent != nil {
		gatewayRef = sess.PaymentIntent.ID
	}

	ctx := c.Request.Context()
	seen, err := wallets.HasGatewayRef(ctx, ownerID, gatewayRef)
	if err != nil {
		logger.WithError(err).WithField("owner_id", ownerID).Error("Failed to check for replayed top-up")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}
	if seen {
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "replay").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already processed"})
		return
	}

	result, err := wallets.Apply(ctx, ownerID, sess.AmountTotal, ledger.TypeTopUp, ledger.TopUpMeta{
		GatewayRef: gatewayRef,
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// A concurrent delivery of the same event won the unique index
		// race on the gateway reference; this copy credits nothing.
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "replay").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already processed"})
		return
	}
	if err != nil {
		// The money settled at the gateway; surface loudly and let
		// Stripe redeliver until an operator resolves the wallet state.
		logger.WithError(err).WithFields(logging.Fields{
			"owner_id":    ownerID,
			"gateway_ref": gatewayRef,
			"amount":      sess.AmountTotal,
		}).Error("Settled top-up could not be credited")
		metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to credit wallet"})
		return
	}

	metrics.WebhookEvents.WithLabelValues("stripe", string(event.Type), "ok").Inc()
	logger.WithFields(logging.Fields{
		"owner_id":     ownerID,
		"amount_cents": sess.AmountTotal,
		"new_balance":  result.NewBalance,
		"gateway_ref":  gatewayRef,
	}).Info("Wallet top-up credited")
	c.JSON(http.StatusOK, gin.H{"status": "credited"})
}

// identityEvent is the deletion notice the identity service posts.
type identityEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// IdentityWebhook handles account lifecycle notices. A verified
// user.deleted event unwinds the account immediately instead of waiting
// for the hourly orphan sweep.
func IdentityWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if err := identity.VerifyWebhookSignature(payload, c.GetHeader("X-Identity-Signature"), identityWebhookSecret); err != nil {
		logger.WithError(err).Warn("Rejected identity webhook with bad signature")
		metrics.WebhookEvents.WithLabelValues("identity", "unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var event identityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.WebhookEvents.WithLabelValues("identity", "unknown", "error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	if event.Type != "user.deleted" {
		metrics.WebhookEvents.WithLabelValues("identity", event.Type, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if event.UserID == "" {
		metrics.WebhookEvents.WithLabelValues("identity", event.Type, "error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}

	if err := unwinder.UnwindOrphan(c.Request.Context(), event.UserID); err != nil {
		// The hourly sweep will retry; acknowledge nothing so the
		// identity service redelivers too.
		logger.WithError(err).WithField("owner_id", event.UserID).Error("Deletion unwind failed")
		metrics.WebhookEvents.WithLabelValues("identity", event.Type, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unwind failed"})
		return
	}

	metrics.WebhookEvents.WithLabelValues("identity", event.Type, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "unwound"})
}
