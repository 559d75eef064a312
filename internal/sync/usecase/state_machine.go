package usecase

import (
	"fmt"
	"log"
	"time"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/internal/account/repository"
	"mailsync-backend/pkg/sse"

	"gorm.io/gorm"
)

// StateMachine owns the account's sync lifecycle. It is the only component
// that writes sync status; everything else goes through it.
type StateMachine struct {
	accounts repository.AccountRepository
	events   EventService
}

func NewStateMachine(accounts repository.AccountRepository, events EventService) *StateMachine {
	return &StateMachine{accounts: accounts, events: events}
}

// Claim grants exclusive sync ownership of the account to the caller.
// Returns repository.ErrSyncInProgress on a losing claim.
func (m *StateMachine) Claim(accountID string, background bool) (*domain.Account, error) {
	account, err := m.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account not found: %s", accountID)
	}
	if account.SyncStopped {
		return nil, fmt.Errorf("sync is paused for account %s", accountID)
	}

	status := domain.SyncStatusSyncing
	if background {
		status = domain.SyncStatusBackgroundSyncing
	}
	if err := m.accounts.ClaimForSync(accountID, status); err != nil {
		return nil, err
	}
	account.SyncStatus = status

	m.events.Broadcast(accountID, sse.EventSyncStarted, map[string]interface{}{
		"status": status,
		"cursor": account.SyncCursor,
	})
	return account, nil
}

// MarkCompleted records that the cursor reached the current head. A pause
// that landed mid-run wins: the account stays paused and no completion is
// recorded.
func (m *StateMachine) MarkCompleted(accountID string, syncedCount, totalCount int64) error {
	now := time.Now()
	applied, err := m.accounts.UpdateStatusUnlessStopped(accountID, domain.SyncStatusCompleted, map[string]interface{}{
		"last_synced_at":       now,
		"last_activity_at":     now,
		"last_error":           "",
		"consecutive_failures": 0,
		"continuation_count":   0,
		"resume_after":         nil,
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[StateMachine] Account %s paused mid-run, completion not recorded", accountID)
		return nil
	}
	m.events.Broadcast(accountID, sse.EventSyncCompleted, map[string]interface{}{
		"synced_count": syncedCount,
		"total_count":  totalCount,
	})
	return nil
}

// MarkContinuation parks a run that stopped cleanly on the time budget.
// Not a failure: the consecutive failure counter is untouched.
func (m *StateMachine) MarkContinuation(accountID string, resumeAfter time.Time) error {
	now := time.Now()
	_, err := m.accounts.UpdateStatusUnlessStopped(accountID, domain.SyncStatusPendingResume, map[string]interface{}{
		"resume_after":       resumeAfter,
		"last_activity_at":   now,
		"continuation_count": gorm.Expr("continuation_count + 1"),
	})
	return err
}

// MarkPendingResume parks a run after a recoverable failure. The resume
// sweep picks it up once resumeAfter has elapsed.
func (m *StateMachine) MarkPendingResume(accountID string, resumeAfter time.Time, cause string) error {
	now := time.Now()
	log.Printf("[StateMachine] Account %s pending resume at %s: %s", accountID, resumeAfter.Format(time.RFC3339), cause)
	_, err := m.accounts.UpdateStatusUnlessStopped(accountID, domain.SyncStatusPendingResume, map[string]interface{}{
		"resume_after":         resumeAfter,
		"last_error":           cause,
		"last_activity_at":     now,
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
	})
	return err
}

// MarkError records an unrecoverable failure. Further sync attempts require
// explicit user action.
func (m *StateMachine) MarkError(accountID, cause string) error {
	log.Printf("[StateMachine] Account %s entered error state: %s", accountID, cause)
	_, err := m.accounts.UpdateStatusUnlessStopped(accountID, domain.SyncStatusError, map[string]interface{}{
		"last_error":       cause,
		"last_activity_at": time.Now(),
		"resume_after":     nil,
	})
	return err
}

// Pause is user-initiated and reachable from any state. The watchdog must
// never restart a paused account; an in-flight page still completes and
// persists before the next claim check observes the pause.
func (m *StateMachine) Pause(accountID string) error {
	return m.accounts.UpdateStatus(accountID, domain.SyncStatusPaused, map[string]interface{}{
		"sync_stopped": true,
		"auto_sync":    false,
	})
}

// Resume re-enables a paused account.
func (m *StateMachine) Resume(accountID string) error {
	account, err := m.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account not found: %s", accountID)
	}
	if account.SyncStatus != domain.SyncStatusPaused {
		return fmt.Errorf("account %s is not paused", accountID)
	}
	return m.accounts.UpdateStatus(accountID, domain.SyncStatusIdle, map[string]interface{}{
		"sync_stopped": false,
		"auto_sync":    true,
		"last_error":   "",
	})
}
