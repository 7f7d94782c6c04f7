package api

import (
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// GetSubscriptionStatus returns the caller's entitlement, converting an ended
// auto-converting trial on the way
// GET /api/subscription/status
func (h *Handler) GetSubscriptionStatus(c *gin.Context) {
	status, err := h.Entitlements.GetStatus(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, status)
}

// StartTrial starts the caller's one-time trial
// POST /api/subscription/trial
func (h *Handler) StartTrial(c *gin.Context) {
	status, err := h.Entitlements.StartTrial(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, status)
}

// CancelSubscription cancels a trial or pro plan
// POST /api/subscription/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	status, err := h.Entitlements.Cancel(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, status)
}
