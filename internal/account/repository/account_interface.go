package repository

import (
	"errors"
	"time"

	"mailsync-backend/internal/account/domain"

	"gorm.io/gorm"
)

// ErrSyncInProgress is returned by a losing claim. Callers must surface it as
// a conflict, not queue or retry.
var ErrSyncInProgress = errors.New("sync already in progress")

// AccountRepository defines persistence for connected mailboxes, including
// the atomic claim primitives the sync state machine builds on.
type AccountRepository interface {
	Create(account *domain.Account) error
	FindByID(id string) (*domain.Account, error)
	FindByGrantID(grantID string) (*domain.Account, error)
	FindByEmail(email string) (*domain.Account, error)
	FindByTenantID(tenantID string) ([]*domain.Account, error)
	Update(account *domain.Account) error

	// ClaimForSync atomically transitions an inactive, non-stopped account to
	// the given active status. Returns ErrSyncInProgress when another worker
	// already owns the account.
	ClaimForSync(id string, status domain.SyncStatus) error
	// ReclaimStalled re-claims an account stuck in an active status with no
	// activity since staleBefore. Atomic so concurrent sweeps cannot
	// double-restart.
	ReclaimStalled(id string, staleBefore time.Time) error
	// ClaimPendingResume transitions pending_resume to background_syncing once
	// resume_after has elapsed.
	ClaimPendingResume(id string, now time.Time) error

	// UpdateStatus writes the sync status plus any extra status-bearing
	// fields. Only the sync state machine calls this.
	UpdateStatus(id string, status domain.SyncStatus, fields map[string]interface{}) error
	// UpdateStatusUnlessStopped writes a run's settled status, but only while
	// the user has not paused the account. A pause landing mid-run wins over
	// the run's outcome; returns false when the write was suppressed.
	UpdateStatusUnlessStopped(id string, status domain.SyncStatus, fields map[string]interface{}) (bool, error)
	// IncrementRetryCount bumps the transient-retry counter durably.
	IncrementRetryCount(id string) error

	// AdvanceCursor persists the new cursor and counters in the same
	// transaction as the page's data mutations, so a crash between pages
	// resumes from the last durable cursor. apply returns the number of
	// mutations added to synced_count.
	AdvanceCursor(id, cursor string, totalEstimate int64, apply func(tx *gorm.DB) (int, error)) error

	// FindStalled returns active, non-stopped accounts idle since staleBefore,
	// oldest activity first, bounded by limit.
	FindStalled(staleBefore time.Time, limit int) ([]*domain.Account, error)
	// FindResumable returns pending_resume, non-stopped accounts whose
	// resume_after has elapsed, oldest activity first, bounded by limit.
	FindResumable(now time.Time, limit int) ([]*domain.Account, error)
	// FindWatchExpiring returns Gmail accounts whose push channel expires
	// before the given time.
	FindWatchExpiring(before time.Time, limit int) ([]*domain.Account, error)
}
