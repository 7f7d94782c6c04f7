package api

import (
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// CanGenerate reports whether the caller may run a metered generation now
// GET /api/quota
func (h *Handler) CanGenerate(c *gin.Context) {
	response.SuccessJSON(c, h.Quotas.CanGenerate(c.Request.Context(), middleware.UserID(c)))
}

// RecordGeneration counts a generation that completed successfully
// POST /api/quota/generations
func (h *Handler) RecordGeneration(c *gin.Context) {
	decision, err := h.Quotas.RecordGeneration(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, decision)
}

// UnlockAfterAd grants an extra generation for a watched ad
// POST /api/quota/ad-unlock
func (h *Handler) UnlockAfterAd(c *gin.Context) {
	unlocked, decision, err := h.Quotas.UnlockAfterAd(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessJSON(c, gin.H{
		"unlocked": unlocked,
		"quota":    decision,
	})
}
