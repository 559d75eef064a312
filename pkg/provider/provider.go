package provider

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenUpdateFunc persists rotated OAuth tokens back to the account record.
type TokenUpdateFunc func(token *oauth2.Token) error

// Credentials carries whatever a provider needs for one account. OAuth
// providers use the token fields, IMAP providers the server fields.
type Credentials struct {
	AccessToken    string
	RefreshToken   string
	OnTokenRefresh TokenUpdateFunc

	IMAPServer   string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
}

type MutationType string

const (
	MutationMessageCreated MutationType = "message.created"
	MutationMessageUpdated MutationType = "message.updated"
	MutationMessageDeleted MutationType = "message.deleted"
	MutationFolderUpdated  MutationType = "folder.updated"
)

// MessageData is the provider-neutral envelope for one mail item.
type MessageData struct {
	ProviderMessageID string
	FolderID          string
	Subject           string
	From              string
	FromName          string
	To                string
	Snippet           string
	IsRead            bool
	IsStarred         bool
	AttachmentCount   int
	ReceivedAt        time.Time
}

// Mutation is one remote change to apply locally.
type Mutation struct {
	Type              MutationType
	ProviderMessageID string
	Message           *MessageData
	FolderID          string
	FolderName        string
}

// Page is one bounded batch of the remote change stream.
type Page struct {
	Mutations  []Mutation
	NextCursor string
	HasMore    bool
	// TotalEstimate is advisory; providers may revise it between pages.
	TotalEstimate int64
}

// MailProvider fetches the next batch of remote mutations after cursor.
// An empty cursor starts a full sync from the beginning of the mailbox.
type MailProvider interface {
	FetchDelta(ctx context.Context, creds Credentials, cursor string, pageSize int) (*Page, error)
}

// WatchProvider is implemented by providers that support push notifications.
type WatchProvider interface {
	Watch(ctx context.Context, creds Credentials, topic string) (time.Time, error)
}
