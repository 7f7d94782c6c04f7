package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-api/internal/response"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// GooglePlayWebhook handles Google Play Real-Time Developer Notifications
// pushed by Cloud Pub/Sub.
// POST /webhooks/google-play
//
// Any non-2xx makes Pub/Sub redeliver. Undecodable envelopes are rejected
// with 400; storage and billing outages return 503 so the notification is
// retried, since nothing else re-verifies a pro record.
func (h *Handler) GooglePlayWebhook(c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	outcome, err := h.Reconciler.HandlePush(c.Request.Context(), body)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrMalformedNotification):
		logging.Errorf("Rejected Google Play notification: %v", err)
		writeError(c, err)
		return
	default:
		logging.Errorf("Failed to reconcile Google Play notification, Pub/Sub will redeliver: %v", err)
		writeError(c, err)
		return
	}

	logging.Infof("Google Play notification processed - type: %s, status: %s, time: %v",
		outcome.NotificationType, outcome.Status, time.Since(startTime))
	response.SuccessJSON(c, outcome)
}
