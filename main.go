package main

import (
	"context"
	"log"
	"strings"

	api "mailsync-backend/cmd/api"
	accountdomain "mailsync-backend/internal/account/domain"
	accountRepo "mailsync-backend/internal/account/repository"
	accountUsecase "mailsync-backend/internal/account/usecase"
	maildomain "mailsync-backend/internal/mail/domain"
	mailRepo "mailsync-backend/internal/mail/repository"
	"mailsync-backend/internal/notification"
	syncDelivery "mailsync-backend/internal/sync/delivery"
	syncUsecase "mailsync-backend/internal/sync/usecase"
	webhookDelivery "mailsync-backend/internal/webhook/delivery"
	webhookUsecase "mailsync-backend/internal/webhook/usecase"
	"mailsync-backend/pkg/breaker"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/database"
	"mailsync-backend/pkg/fcm"
	"mailsync-backend/pkg/gmail"
	"mailsync-backend/pkg/imapsync"
	"mailsync-backend/pkg/provider"
	"mailsync-backend/pkg/quota"
	"mailsync-backend/pkg/sse"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&accountdomain.Account{}, &accountdomain.DeviceToken{}, &maildomain.Message{}, &maildomain.Folder{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	accounts := accountRepo.NewAccountRepository(db)
	devices := accountRepo.NewDeviceTokenRepository(db)
	messages := mailRepo.NewMessageRepository(db)

	// Initialize SSE Manager
	sseManager := sse.NewManager(cfg.SSEKeepAlive, cfg.SSEMaxLifetime)
	go sseManager.Run()

	// Mail providers
	providers := map[string]provider.MailProvider{
		"google": gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret),
		"imap":   imapsync.NewService(),
	}

	// Backpressure infrastructure
	breakerRegistry := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
	})
	quotaMonitor := quota.NewMonitor(quota.Settings{
		Window:           cfg.QuotaWindow,
		MaxCalls:         cfg.QuotaMaxCalls,
		MaxRateLimitHits: cfg.QuotaMaxRateLimitHits,
	})

	// Sync core
	stateMachine := syncUsecase.NewStateMachine(accounts, sseManager)
	engine := syncUsecase.NewEngine(accounts, messages, stateMachine, providers, breakerRegistry, quotaMonitor, sseManager, cfg)
	watchdog := syncUsecase.NewWatchdog(accounts, engine, stateMachine, cfg)
	watchdog.Start()

	// FCM client (optional, push notifications disabled without credentials)
	var fcmClient *fcm.Client
	if cfg.FirebaseCredentials != "" {
		fcmClient, err = fcm.NewClient(cfg.FirebaseCredentials)
		if err != nil {
			log.Printf("[WARN] Failed to initialize FCM client (push notifications disabled): %v", err)
			fcmClient = nil
		}
	}

	// Gmail push notifications via Pub/Sub, only with a configured project
	if cfg.GoogleProjectID != "" {
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}
		if topicName == "" {
			topicName = "gmail-updates"
		}

		notifService, err := notification.NewService(cfg.GoogleProjectID, topicName, sseManager, accounts, devices, fcmClient, engine, cfg.GoogleCredentials)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize notification service: %v", err)
		} else {
			go notifService.Start(context.Background())
		}
	} else {
		log.Printf("[WARN] GoogleProjectID not configured, notification service disabled")
	}

	// Webhook ingestion shares the message upsert path with the sync engine
	notifier := notification.NewNotifier(devices, fcmClient)
	ingest := webhookUsecase.NewIngestUsecase(accounts, messages, sseManager, notifier)
	webhookHandler := webhookDelivery.NewWebhookHandler(ingest, cfg.WebhookSecret)

	// HTTP surface
	accountUc := accountUsecase.NewAccountUsecase(accounts, devices, providers, cfg)
	syncHandler := syncDelivery.NewSyncHandler(engine, watchdog, stateMachine, accounts)
	handler := api.NewHandler(accountUc, syncHandler, webhookHandler, sseManager, cfg)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
