package notification

import (
	"context"
	"fmt"
	"log"

	"mailsync-backend/internal/account/repository"
	"mailsync-backend/pkg/fcm"
)

// Notifier pushes per-message notifications to an account's registered
// devices. Satisfies the webhook ingestion sink.
type Notifier struct {
	devices   repository.DeviceTokenRepository
	fcmClient *fcm.Client
}

func NewNotifier(devices repository.DeviceTokenRepository, fcmClient *fcm.Client) *Notifier {
	return &Notifier{devices: devices, fcmClient: fcmClient}
}

func (n *Notifier) NotifyNewMessage(accountID, subject, from string) {
	if n.fcmClient == nil {
		return
	}

	tokens, err := n.devices.GetTokensByAccountID(accountID)
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

	title := fmt.Sprintf("New mail from %s", from)
	body := subject
	if body == "" {
		body = "(no subject)"
	}
	if len(body) > 100 {
		body = body[:97] + "..."
	}

	failedTokens, err := n.fcmClient.SendToDevices(context.Background(), tokenStrings, fcm.NotificationData{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":       "message.created",
			"account_id": accountID,
		},
	})
	if err != nil {
		log.Printf("[FCM] Error sending notifications: %v", err)
		return
	}
	for _, token := range failedTokens {
		if err := n.devices.DeleteToken(token); err != nil {
			log.Printf("[FCM] Failed to delete stale token: %v", err)
		}
	}
}
