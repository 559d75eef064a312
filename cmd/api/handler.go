package api

import (
	accountDelivery "mailsync-backend/internal/account/delivery"
	accountUsecasePkg "mailsync-backend/internal/account/usecase"
	syncDelivery "mailsync-backend/internal/sync/delivery"
	webhookDelivery "mailsync-backend/internal/webhook/delivery"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/sse"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	accountHandler *accountDelivery.AccountHandler
	syncHandler    *syncDelivery.SyncHandler
	webhookHandler *webhookDelivery.WebhookHandler
	sseManager     *sse.Manager
	config         *config.Config
}

func NewHandler(
	accountUc accountUsecasePkg.AccountUsecase,
	syncHandler *syncDelivery.SyncHandler,
	webhookHandler *webhookDelivery.WebhookHandler,
	sseManager *sse.Manager,
	cfg *config.Config,
) *Handler {
	return &Handler{
		accountHandler: accountDelivery.NewAccountHandler(accountUc),
		syncHandler:    syncHandler,
		webhookHandler: webhookHandler,
		sseManager:     sseManager,
		config:         cfg,
	}
}

func (h *Handler) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	return h.router().Run(addr)
}

// router builds the engine; the gin mode must be set before this runs.
func (h *Handler) router() *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h.accountHandler, h.syncHandler, h.webhookHandler, h.sseManager, h.config)

	return r
}
