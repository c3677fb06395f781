package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harborpanel/bursar/internal/billing"
	"github.com/harborpanel/bursar/pkg/logging"
)

// CancelRequest selects how the server should be cancelled.
type CancelRequest struct {
	Mode string `json:"mode"`
}

// RequestCancellation queues a server for deletion. Grace mode keeps it
// running for 30 days and can be revoked; immediate mode deletes after
// a 5-minute regret buffer and cannot.
func RequestCancellation(c *gin.Context) {
	ownerID := c.GetString("owner_id")
	serverID := c.Param("id")

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Mode == "" {
		req.Mode = billing.ModeGrace
	}
	if req.Mode != billing.ModeGrace && req.Mode != billing.ModeImmediate {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be grace or immediate"})
		return
	}

	ctx := c.Request.Context()
	sb, err := servers.Get(ctx, serverID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	if sb.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "server belongs to another account"})
		return
	}
	if sb.Status == billing.StatusCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "server is already cancelled"})
		return
	}

	cancellation, err := cancellations.Request(ctx, serverID, ownerID, req.Mode)
	if errors.Is(err, billing.ErrCancellationExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "cancellation already pending"})
		return
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"server_id": serverID,
			"owner_id":  ownerID,
		}).Error("Failed to request cancellation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request cancellation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":                    cancellation.ID,
		"mode":                  cancellation.Mode,
		"scheduled_deletion_at": cancellation.ScheduledDeletionAt,
		"revocable":             cancellation.Mode == billing.ModeGrace,
	})
}

// RevokeCancellation withdraws a pending grace cancellation.
func RevokeCancellation(c *gin.Context) {
	ownerID := c.GetString("owner_id")
	serverID := c.Param("id")

	err := cancellations.Revoke(c.Request.Context(), serverID, ownerID)
	if errors.Is(err, billing.ErrCancellationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no revocable cancellation found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"server_id": serverID,
			"owner_id":  ownerID,
		}).Error("Failed to revoke cancellation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke cancellation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// GetCancellation returns the pending cancellation for a server.
func GetCancellation(c *gin.Context) {
	ownerID := c.GetString("owner_id")
	serverID := c.Param("id")

	cancellation, err := cancellations.Get(c.Request.Context(), serverID)
	if errors.Is(err, billing.ErrCancellationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending cancellation"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("server_id", serverID).Error("Failed to load cancellation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cancellation"})
		return
	}
	if cancellation.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "server belongs to another account"})
		return
	}

	c.JSON(http.StatusOK, cancellation)
}
