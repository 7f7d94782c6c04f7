package api

import (
	"net/http"

	"entitlement-api/internal/middleware"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
)

// VerifyPurchaseRequest represents a purchase submitted by the client
type VerifyPurchaseRequest struct {
	ProductID     string `json:"product_id" binding:"required"` // subscription ID or one-time product ID
	PurchaseToken string `json:"purchase_token" binding:"required"`
	SignedData    string `json:"signed_data"` // originalJson from the billing library, optional
	Signature     string `json:"signature"`
}

// VerifySignatureRequest represents a local signature check
type VerifySignatureRequest struct {
	SignedData string `json:"signed_data" binding:"required"`
	Signature  string `json:"signature" binding:"required"`
}

// VerifyPurchase verifies a purchase with Google Play and grants pro when active
// POST /api/purchases/verify
func (h *Handler) VerifyPurchase(c *gin.Context) {
	var req VerifyPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	result, err := h.Entitlements.VerifyPurchase(c.Request.Context(), middleware.UserID(c), services.VerifyPurchaseInput{
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
		SignedData:    req.SignedData,
		Signature:     req.Signature,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.SuccessJSON(c, result)
}

// VerifySignature checks a signed purchase payload offline. It never grants entitlement.
// POST /api/purchases/verify-signature
func (h *Handler) VerifySignature(c *gin.Context) {
	var req VerifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	purchase, err := h.Verifier.VerifySignature(req.SignedData, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}

	response.SuccessJSON(c, gin.H{
		"valid":    true,
		"purchase": purchase,
	})
}
