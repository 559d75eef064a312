package usecase

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mailsync-backend/internal/account/repository"
	mailrepo "mailsync-backend/internal/mail/repository"
	"mailsync-backend/pkg/provider"
	"mailsync-backend/pkg/sse"
)

// Envelope is the provider webhook payload.
type Envelope struct {
	Type    string          `json:"type"`
	GrantID string          `json:"grant_id"`
	Data    json.RawMessage `json:"data"`
}

type messagePayload struct {
	ID              string `json:"id"`
	FolderID        string `json:"folder_id"`
	Subject         string `json:"subject"`
	From            string `json:"from"`
	FromName        string `json:"from_name"`
	To              string `json:"to"`
	Snippet         string `json:"snippet"`
	Unread          bool   `json:"unread"`
	Starred         bool   `json:"starred"`
	AttachmentCount int    `json:"attachment_count"`
	Date            int64  `json:"date"`
}

type folderPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NotificationSink pushes a new-mail notification to the account's devices.
// Implemented by the FCM service; nil disables push.
type NotificationSink interface {
	NotifyNewMessage(accountID, subject, from string)
}

// IngestUsecase applies webhook-delivered mutations through the same upsert
// path the delta sync engine uses, so out-of-order delivery against a
// concurrent sync converges to the same rows.
type IngestUsecase struct {
	accounts repository.AccountRepository
	messages mailrepo.MessageRepository
	events   EventService
	notify   NotificationSink
}

// EventService mirrors the sync usecase's event interface.
type EventService interface {
	Broadcast(accountID string, eventType string, payload interface{})
}

func NewIngestUsecase(
	accounts repository.AccountRepository,
	messages mailrepo.MessageRepository,
	events EventService,
	notify NotificationSink,
) *IngestUsecase {
	return &IngestUsecase{
		accounts: accounts,
		messages: messages,
		events:   events,
		notify:   notify,
	}
}

// Ingest processes one verified webhook envelope. Unknown grant IDs and
// unknown event types are acknowledged without effect; a retry storm from the
// provider buys nothing.
func (u *IngestUsecase) Ingest(env Envelope) error {
	account, err := u.accounts.FindByGrantID(env.GrantID)
	if err != nil {
		return fmt.Errorf("failed to resolve grant %s: %w", env.GrantID, err)
	}
	if account == nil {
		log.Printf("[Webhook] Ignoring event for unknown grant %s", env.GrantID)
		return nil
	}

	mutation, ok := u.toMutation(env)
	if !ok {
		log.Printf("[Webhook] Ignoring unhandled event type %q for account %s", env.Type, account.ID)
		return nil
	}

	if _, err := u.messages.ApplyDirect(account.ID, []provider.Mutation{mutation}); err != nil {
		return fmt.Errorf("failed to apply webhook mutation: %w", err)
	}

	u.fanOut(account.ID, mutation)
	return nil
}

func (u *IngestUsecase) toMutation(env Envelope) (provider.Mutation, bool) {
	switch env.Type {
	case "message.created", "message.updated":
		var p messagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return provider.Mutation{}, false
		}
		mt := provider.MutationMessageCreated
		if env.Type == "message.updated" {
			mt = provider.MutationMessageUpdated
		}
		return provider.Mutation{
			Type:              mt,
			ProviderMessageID: p.ID,
			Message: &provider.MessageData{
				ProviderMessageID: p.ID,
				FolderID:          p.FolderID,
				Subject:           p.Subject,
				From:              p.From,
				FromName:          p.FromName,
				To:                p.To,
				Snippet:           p.Snippet,
				IsRead:            !p.Unread,
				IsStarred:         p.Starred,
				AttachmentCount:   p.AttachmentCount,
				ReceivedAt:        time.Unix(p.Date, 0),
			},
		}, true
	case "message.deleted":
		var p messagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return provider.Mutation{}, false
		}
		return provider.Mutation{
			Type:              provider.MutationMessageDeleted,
			ProviderMessageID: p.ID,
		}, true
	case "folder.updated":
		var p folderPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ID == "" {
			return provider.Mutation{}, false
		}
		return provider.Mutation{
			Type:       provider.MutationFolderUpdated,
			FolderID:   p.ID,
			FolderName: p.Name,
		}, true
	default:
		return provider.Mutation{}, false
	}
}

func (u *IngestUsecase) fanOut(accountID string, m provider.Mutation) {
	switch m.Type {
	case provider.MutationMessageCreated:
		u.events.Broadcast(accountID, sse.EventMessageCreated, map[string]interface{}{
			"provider_message_id": m.ProviderMessageID,
			"folder_id":           m.Message.FolderID,
		})
		if u.notify != nil {
			u.notify.NotifyNewMessage(accountID, m.Message.Subject, m.Message.From)
		}
	case provider.MutationMessageUpdated:
		u.events.Broadcast(accountID, sse.EventMessageUpdated, map[string]interface{}{
			"provider_message_id": m.ProviderMessageID,
		})
	case provider.MutationMessageDeleted:
		u.events.Broadcast(accountID, sse.EventMessageDeleted, map[string]interface{}{
			"provider_message_id": m.ProviderMessageID,
		})
	case provider.MutationFolderUpdated:
		u.events.Broadcast(accountID, sse.EventFolderUpdated, map[string]interface{}{
			"folder_id": m.FolderID,
			"name":      m.FolderName,
		})
	}
}
