package domain

import "time"

// DeviceToken is an FCM registration token for one of an account owner's
// devices. Used to push "new mail" notifications to devices without a live
// SSE connection.
type DeviceToken struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	AccountID string    `json:"account_id" gorm:"index;not null"`
	Token     string    `json:"token" gorm:"uniqueIndex;not null"`
	Platform  string    `json:"platform"` // "web", "android", "ios"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
