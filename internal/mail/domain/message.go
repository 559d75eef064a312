package domain

import "time"

// Message is one synchronized mail item. (account_id, provider_message_id)
// is unique; sync and webhook paths upsert, never blind-insert.
type Message struct {
	ID                string `json:"id" gorm:"primaryKey"`
	AccountID         string `json:"account_id" gorm:"not null;uniqueIndex:idx_account_provider_message"`
	ProviderMessageID string `json:"provider_message_id" gorm:"not null;uniqueIndex:idx_account_provider_message"`
	FolderID          string `json:"folder_id" gorm:"index"`

	Subject     string    `json:"subject"`
	FromAddress string    `json:"from_address"`
	FromName    string    `json:"from_name"`
	ToAddress   string    `json:"to_address"`
	Snippet     string    `json:"snippet"`
	IsRead      bool      `json:"is_read"`
	IsStarred   bool      `json:"is_starred"`
	ReceivedAt  time.Time `json:"received_at"`

	AttachmentCount int `json:"attachment_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Folder is a provider folder/label assignment target.
type Folder struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	AccountID        string    `json:"account_id" gorm:"not null;uniqueIndex:idx_account_provider_folder"`
	ProviderFolderID string    `json:"provider_folder_id" gorm:"not null;uniqueIndex:idx_account_provider_folder"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
