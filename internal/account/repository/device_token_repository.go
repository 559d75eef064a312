package repository

import (
	"time"

	"mailsync-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceTokenRepository defines the interface for FCM device token storage
type DeviceTokenRepository interface {
	Register(accountID, token, platform string) error
	GetTokensByAccountID(accountID string) ([]*domain.DeviceToken, error)
	DeleteToken(token string) error
}

type gormDeviceTokenRepository struct {
	db *gorm.DB
}

func NewDeviceTokenRepository(db *gorm.DB) DeviceTokenRepository {
	return &gormDeviceTokenRepository{db: db}
}

func (r *gormDeviceTokenRepository) Register(accountID, token, platform string) error {
	var existing domain.DeviceToken
	err := r.db.Where("token = ?", token).First(&existing).Error

	now := time.Now()
	if err == gorm.ErrRecordNotFound {
		return r.db.Create(&domain.DeviceToken{
			ID:        uuid.New().String(),
			AccountID: accountID,
			Token:     token,
			Platform:  platform,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	} else if err != nil {
		return err
	}

	// Token re-registered, possibly for another account.
	existing.AccountID = accountID
	existing.Platform = platform
	existing.UpdatedAt = now
	return r.db.Save(&existing).Error
}

func (r *gormDeviceTokenRepository) GetTokensByAccountID(accountID string) ([]*domain.DeviceToken, error) {
	var tokens []*domain.DeviceToken
	err := r.db.Where("account_id = ?", accountID).Find(&tokens).Error
	return tokens, err
}

func (r *gormDeviceTokenRepository) DeleteToken(token string) error {
	return r.db.Where("token = ?", token).Delete(&domain.DeviceToken{}).Error
}
