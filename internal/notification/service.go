package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"mailsync-backend/internal/account/repository"
	syncusecase "mailsync-backend/internal/sync/usecase"
	"mailsync-backend/pkg/fcm"
	"mailsync-backend/pkg/sse"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes to the Pub/Sub topic when
// a watched mailbox changes.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Service consumes Gmail push notifications and turns them into background
// sync runs. It never applies changes itself; the sync engine owns the cursor.
type Service struct {
	pubsubClient *pubsub.Client
	sseManager   *sse.Manager
	accounts     repository.AccountRepository
	devices      repository.DeviceTokenRepository
	fcmClient    *fcm.Client
	engine       *syncusecase.Engine
	projectID    string
	topicName    string
	subName      string

	// Deduplication: drop notifications whose historyId is not ahead of the
	// last one seen for the account.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

func NewService(
	projectID, topicName string,
	sseManager *sse.Manager,
	accounts repository.AccountRepository,
	devices repository.DeviceTokenRepository,
	fcmClient *fcm.Client,
	engine *syncusecase.Engine,
	credentialsFile string,
) (*Service, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %v", err)
	}

	return &Service{
		pubsubClient:  client,
		sseManager:    sseManager,
		accounts:      accounts,
		devices:       devices,
		fcmClient:     fcmClient,
		engine:        engine,
		projectID:     projectID,
		topicName:     topicName,
		subName:       topicName + "-sub",
		lastHistoryID: make(map[string]uint64),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}
		if !topicExists {
			log.Printf("[PubSub] Topic %s does not exist, cannot create subscription", s.topicName)
			return
		}

		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", s.subName)
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
		msg.Ack()
	})
	if err != nil {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notification GmailNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return
	}

	account, err := s.accounts.FindByEmail(notification.EmailAddress)
	if err != nil {
		log.Printf("[PubSub] Error finding account for %s: %v", notification.EmailAddress, err)
		return
	}
	if account == nil {
		log.Printf("[PubSub] No account for email %s, ignoring", notification.EmailAddress)
		return
	}

	s.mu.Lock()
	lastHID, seen := s.lastHistoryID[account.ID]
	if seen && notification.HistoryID <= lastHID {
		s.mu.Unlock()
		return
	}
	s.lastHistoryID[account.ID] = notification.HistoryID
	s.mu.Unlock()

	log.Printf("[PubSub] Change notification for account %s (historyId %d)", account.ID, notification.HistoryID)

	// A losing claim means a sync is already running and will pick the change
	// up; the notification has done its job either way.
	if err := s.engine.Trigger(account.ID, true); err != nil {
		if err != repository.ErrSyncInProgress {
			log.Printf("[PubSub] Failed to trigger sync for account %s: %v", account.ID, err)
		}
	}

	s.sseManager.Broadcast(account.ID, "mailbox.changed", map[string]interface{}{
		"history_id": notification.HistoryID,
	})

	if s.fcmClient != nil {
		go s.pushNewMail(account.ID, notification.EmailAddress)
	}
}

func (s *Service) pushNewMail(accountID, email string) {
	tokens, err := s.devices.GetTokensByAccountID(accountID)
	if err != nil {
		log.Printf("[FCM] Error getting tokens for account %s: %v", accountID, err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	var tokenStrings []string
	for _, t := range tokens {
		tokenStrings = append(tokenStrings, t.Token)
	}

	failedTokens, err := s.fcmClient.SendToDevices(context.Background(), tokenStrings, fcm.NotificationData{
		Title: "New mail",
		Body:  fmt.Sprintf("New activity in %s", email),
		Data: map[string]string{
			"type":       "mailbox.changed",
			"account_id": accountID,
		},
	})
	if err != nil {
		log.Printf("[FCM] Error sending notifications: %v", err)
		return
	}
	for _, token := range failedTokens {
		if err := s.devices.DeleteToken(token); err != nil {
			log.Printf("[FCM] Failed to delete stale token: %v", err)
		}
	}
}
