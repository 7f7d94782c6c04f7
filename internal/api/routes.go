package api

import (
	"net/http"

	"entitlement-api/internal/middleware"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler carries the services the HTTP layer calls into
type Handler struct {
	Entitlements *services.EntitlementService
	Verifier     *services.PurchaseVerifier
	Quotas       *services.QuotaService
	Reconciler   *services.WebhookReconciler
}

// RouteOptions holds the shared secrets guarding each route group
type RouteOptions struct {
	GatewaySecret           string
	PubSubVerificationToken string
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler, opts RouteOptions) {
	api := r.Group("/api")
	api.Use(middleware.UserAuthMiddleware(opts.GatewaySecret))
	{
		purchases := api.Group("/purchases")
		{
			purchases.POST("/verify", h.VerifyPurchase)
			purchases.POST("/verify-signature", h.VerifySignature)
		}

		subscription := api.Group("/subscription")
		{
			subscription.GET("/status", h.GetSubscriptionStatus)
			subscription.POST("/trial", h.StartTrial)
			subscription.POST("/cancel", h.CancelSubscription)
		}

		quota := api.Group("/quota")
		{
			quota.GET("", h.CanGenerate)
			quota.POST("/generations", h.RecordGeneration)
			quota.POST("/ad-unlock", h.UnlockAfterAd)
		}
	}

	// Google Play RTDN push (Pub/Sub calls this, no user identity)
	webhooks := r.Group("/webhooks")
	webhooks.Use(middleware.PubSubTokenMiddleware(opts.PubSubVerificationToken))
	{
		webhooks.POST("/google-play", h.GooglePlayWebhook)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "entitlement-service",
		})
	})
}
