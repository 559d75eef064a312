package domain

import "time"

type SyncStatus string

const (
	SyncStatusIdle              SyncStatus = "idle"
	SyncStatusPending           SyncStatus = "pending"
	SyncStatusSyncing           SyncStatus = "syncing"
	SyncStatusBackgroundSyncing SyncStatus = "background_syncing"
	SyncStatusPendingResume     SyncStatus = "pending_resume"
	SyncStatusPaused            SyncStatus = "paused"
	SyncStatusCompleted         SyncStatus = "completed"
	SyncStatusError             SyncStatus = "error"
)

// Active reports whether a worker currently owns the account.
func (s SyncStatus) Active() bool {
	return s == SyncStatusSyncing || s == SyncStatusBackgroundSyncing
}

// Account is one connected mailbox. Status-bearing sync fields are written
// exclusively through the sync state machine; connection fields are set once
// when the mailbox is registered.
type Account struct {
	ID       string `json:"id" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"index;not null"`
	Email    string `json:"email" gorm:"index"`
	Provider string `json:"provider"` // "google" or "imap"
	// GrantID is the provider-issued grant identifier used to route webhooks.
	GrantID string `json:"grant_id" gorm:"index"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"-"`

	IMAPServer   string `json:"imap_server,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPPassword string `json:"-"` // AES-GCM encrypted at rest

	SyncStatus          SyncStatus `json:"sync_status" gorm:"index;default:idle"`
	SyncCursor          string     `json:"sync_cursor"`
	SyncedCount         int64      `json:"synced_count"`
	TotalCount          int64      `json:"total_count"` // provider estimate, advisory only
	LastError           string     `json:"last_error,omitempty"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty" gorm:"index"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	ResumeAfter         *time.Time `json:"resume_after,omitempty"`
	ContinuationCount   int        `json:"continuation_count"`
	RetryCount          int        `json:"retry_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SyncStopped         bool       `json:"sync_stopped"`
	AutoSync            bool       `json:"auto_sync"`

	// WatchExpiry tracks the Gmail push channel expiry for renewal.
	WatchExpiry *time.Time `json:"watch_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
