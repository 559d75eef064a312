package repository

import (
	"time"

	maildomain "mailsync-backend/internal/mail/domain"
	"mailsync-backend/pkg/provider"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormMessageRepository implements MessageRepository using GORM
type gormMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) ApplyMutations(tx *gorm.DB, accountID string, mutations []provider.Mutation) (int, error) {
	applied := 0
	for _, m := range mutations {
		switch m.Type {
		case provider.MutationMessageCreated, provider.MutationMessageUpdated:
			if m.Message == nil {
				continue
			}
			if err := upsertMessage(tx, accountID, m.Message); err != nil {
				return applied, err
			}
			applied++
		case provider.MutationMessageDeleted:
			// Provider-reported deletion. Missing rows are fine: the message
			// may never have been synced, or the delete is a replay.
			if err := tx.Where("account_id = ? AND provider_message_id = ?", accountID, m.ProviderMessageID).
				Delete(&maildomain.Message{}).Error; err != nil {
				return applied, err
			}
			applied++
		case provider.MutationFolderUpdated:
			if err := upsertFolder(tx, accountID, m.FolderID, m.FolderName); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

func (r *gormMessageRepository) ApplyDirect(accountID string, mutations []provider.Mutation) (int, error) {
	applied := 0
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = r.ApplyMutations(tx, accountID, mutations)
		return err
	})
	return applied, err
}

func upsertMessage(tx *gorm.DB, accountID string, data *provider.MessageData) error {
	now := time.Now()
	msg := maildomain.Message{
		ID:                uuid.New().String(),
		AccountID:         accountID,
		ProviderMessageID: data.ProviderMessageID,
		FolderID:          data.FolderID,
		Subject:           data.Subject,
		FromAddress:       data.From,
		FromName:          data.FromName,
		ToAddress:         data.To,
		Snippet:           data.Snippet,
		IsRead:            data.IsRead,
		IsStarred:         data.IsStarred,
		ReceivedAt:        data.ReceivedAt,
		AttachmentCount:   data.AttachmentCount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"folder_id", "subject", "from_address", "from_name", "to_address",
			"snippet", "is_read", "is_starred", "received_at", "attachment_count", "updated_at",
		}),
	}).Create(&msg).Error
}

func upsertFolder(tx *gorm.DB, accountID, providerFolderID, name string) error {
	now := time.Now()
	folder := maildomain.Folder{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		ProviderFolderID: providerFolderID,
		Name:             name,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider_folder_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&folder).Error
}

func (r *gormMessageRepository) CountByFolder(accountID string) (map[string]int64, error) {
	type row struct {
		FolderID string
		Count    int64
	}
	var rows []row
	err := r.db.Model(&maildomain.Message{}).
		Select("folder_id, count(*) as count").
		Where("account_id = ?", accountID).
		Group("folder_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.FolderID] = rw.Count
	}
	return counts, nil
}

func (r *gormMessageRepository) CountByAccount(accountID string) (int64, error) {
	var count int64
	err := r.db.Model(&maildomain.Message{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}
