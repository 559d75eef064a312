package api

import (
	"net/http"

	accountDelivery "mailsync-backend/internal/account/delivery"
	authDelivery "mailsync-backend/internal/auth/delivery"
	syncDelivery "mailsync-backend/internal/sync/delivery"
	webhookDelivery "mailsync-backend/internal/webhook/delivery"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/sse"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(
	r *gin.Engine,
	accountHandler *accountDelivery.AccountHandler,
	syncHandler *syncDelivery.SyncHandler,
	webhookHandler *webhookDelivery.WebhookHandler,
	sseManager *sse.Manager,
	cfg *config.Config,
) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// SSE endpoint: one stream per account
		api.GET("/events/:id", authDelivery.AuthMiddleware(cfg.JWTSecret), func(c *gin.Context) {
			sseManager.ServeHTTP(c, c.Param("id"))
		})

		// Account routes (protected)
		accounts := api.Group("/accounts")
		accounts.Use(authDelivery.AuthMiddleware(cfg.JWTSecret))
		{
			accounts.POST("", accountHandler.ConnectAccount)
			accounts.GET("", accountHandler.ListAccounts)
			accounts.GET("/:id", accountHandler.GetAccount)
			accounts.POST("/:id/devices", accountHandler.RegisterDevice)

			accounts.POST("/:id/sync/trigger", syncHandler.TriggerSync)
			accounts.GET("/:id/sync/status", syncHandler.GetSyncStatus)
			accounts.POST("/:id/sync/pause", syncHandler.PauseSync)
			accounts.POST("/:id/sync/resume", syncHandler.ResumeSync)
		}

		// Internal sweep routes, shared-secret protected
		internal := api.Group("/internal")
		internal.Use(syncDelivery.SweepAuthMiddleware(cfg.SweepSecret))
		{
			internal.POST("/sweeps/stalled", syncHandler.SweepStalled)
			internal.POST("/sweeps/resume", syncHandler.SweepResume)
		}

		// Webhook routes, signature-verified in the handler
		webhooks := api.Group("/webhooks")
		{
			webhooks.GET("/provider", webhookHandler.VerifyChallenge)
			webhooks.POST("/provider", webhookHandler.Receive)
		}
	}
}
