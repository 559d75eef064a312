package repository

import (
	"time"

	"mailsync-backend/internal/account/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var activeStatuses = []domain.SyncStatus{
	domain.SyncStatusSyncing,
	domain.SyncStatusBackgroundSyncing,
}

// gormAccountRepository implements AccountRepository using GORM
type gormAccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: db}
}

func (r *gormAccountRepository) Create(account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.SyncStatus == "" {
		account.SyncStatus = domain.SyncStatusIdle
	}
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	return r.db.Create(account).Error
}

func (r *gormAccountRepository) FindByID(id string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *gormAccountRepository) FindByGrantID(grantID string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("grant_id = ?", grantID).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *gormAccountRepository) FindByEmail(email string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("email = ?", email).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *gormAccountRepository) FindByTenantID(tenantID string) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

func (r *gormAccountRepository) Update(account *domain.Account) error {
	account.UpdatedAt = time.Now()
	return r.db.Save(account).Error
}

// ClaimForSync is the single atomic conditional transition that grants
// exclusive sync ownership. The WHERE clause is the mutual exclusion: a
// losing claim updates zero rows.
func (r *gormAccountRepository) ClaimForSync(id string, status domain.SyncStatus) error {
	now := time.Now()
	result := r.db.Model(&domain.Account{}).
		Where("id = ? AND sync_status NOT IN ? AND sync_stopped = ?", id, activeStatuses, false).
		Updates(map[string]interface{}{
			"sync_status":      status,
			"last_activity_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSyncInProgress
	}
	return nil
}

func (r *gormAccountRepository) ReclaimStalled(id string, staleBefore time.Time) error {
	now := time.Now()
	result := r.db.Model(&domain.Account{}).
		Where("id = ? AND sync_status IN ? AND last_activity_at < ? AND sync_stopped = ?",
			id, activeStatuses, staleBefore, false).
		Updates(map[string]interface{}{
			"sync_status":      domain.SyncStatusBackgroundSyncing,
			"last_activity_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSyncInProgress
	}
	return nil
}

func (r *gormAccountRepository) ClaimPendingResume(id string, now time.Time) error {
	result := r.db.Model(&domain.Account{}).
		Where("id = ? AND sync_status = ? AND resume_after <= ? AND sync_stopped = ?",
			id, domain.SyncStatusPendingResume, now, false).
		Updates(map[string]interface{}{
			"sync_status":      domain.SyncStatusBackgroundSyncing,
			"last_activity_at": now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSyncInProgress
	}
	return nil
}

func (r *gormAccountRepository) UpdateStatus(id string, status domain.SyncStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"sync_status": status,
		"updated_at":  time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormAccountRepository) UpdateStatusUnlessStopped(id string, status domain.SyncStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"sync_status": status,
		"updated_at":  time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.Model(&domain.Account{}).
		Where("id = ? AND sync_stopped = ?", id, false).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *gormAccountRepository) IncrementRetryCount(id string) error {
	return r.db.Model(&domain.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}

// AdvanceCursor runs the page's data mutations and the cursor/counter update
// in one transaction, so a partial batch never advances the cursor without
// its data.
func (r *gormAccountRepository) AdvanceCursor(id, cursor string, totalEstimate int64, apply func(tx *gorm.DB) (int, error)) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		applied := 0
		if apply != nil {
			var err error
			applied, err = apply(tx)
			if err != nil {
				return err
			}
		}
		now := time.Now()
		updates := map[string]interface{}{
			"sync_cursor":      cursor,
			"synced_count":     gorm.Expr("synced_count + ?", applied),
			"last_activity_at": now,
			"updated_at":       now,
		}
		if totalEstimate > 0 {
			updates["total_count"] = totalEstimate
		}
		return tx.Model(&domain.Account{}).Where("id = ?", id).Updates(updates).Error
	})
}

func (r *gormAccountRepository) FindStalled(staleBefore time.Time, limit int) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.
		Where("sync_status IN ? AND last_activity_at < ? AND sync_stopped = ?", activeStatuses, staleBefore, false).
		Order("last_activity_at ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormAccountRepository) FindResumable(now time.Time, limit int) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.
		Where("sync_status = ? AND resume_after <= ? AND sync_stopped = ?", domain.SyncStatusPendingResume, now, false).
		Order("last_activity_at ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *gormAccountRepository) FindWatchExpiring(before time.Time, limit int) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.
		Where("provider = ? AND watch_expiry IS NOT NULL AND watch_expiry < ? AND sync_stopped = ?", "google", before, false).
		Order("watch_expiry ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
