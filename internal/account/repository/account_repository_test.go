package repository

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"mailsync-backend/internal/account/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, repo AccountRepository, status domain.SyncStatus) *domain.Account {
	t.Helper()
	account := &domain.Account{
		TenantID:   "tenant-1",
		Email:      "user@example.com",
		Provider:   "google",
		SyncStatus: status,
		AutoSync:   true,
	}
	if err := repo.Create(account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func TestClaimForSync_ExactlyOneWinner(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := seedAccount(t, repo, domain.SyncStatusIdle)

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.ClaimForSync(account.ID, domain.SyncStatusSyncing)
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch err {
		case nil:
			wins++
		case ErrSyncInProgress:
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d (losses %d)", wins, losses)
	}
}

func TestClaimForSync_RejectsActiveAndStopped(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)

	account := seedAccount(t, repo, domain.SyncStatusSyncing)
	if err := repo.ClaimForSync(account.ID, domain.SyncStatusSyncing); err != ErrSyncInProgress {
		t.Fatalf("expected ErrSyncInProgress for active account, got %v", err)
	}

	if err := repo.UpdateStatus(account.ID, domain.SyncStatusPaused, map[string]interface{}{"sync_stopped": true}); err != nil {
		t.Fatalf("failed to pause account: %v", err)
	}
	if err := repo.ClaimForSync(account.ID, domain.SyncStatusSyncing); err != ErrSyncInProgress {
		t.Fatalf("expected ErrSyncInProgress for stopped account, got %v", err)
	}
}

func TestClaimForSync_AllowedFromRecoverableStates(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)

	for _, status := range []domain.SyncStatus{
		domain.SyncStatusIdle,
		domain.SyncStatusCompleted,
		domain.SyncStatusError,
		domain.SyncStatusPendingResume,
	} {
		account := &domain.Account{TenantID: "t", Email: string(status) + "@example.com", Provider: "google", SyncStatus: status}
		if err := repo.Create(account); err != nil {
			t.Fatalf("failed to create account: %v", err)
		}
		if err := repo.ClaimForSync(account.ID, domain.SyncStatusSyncing); err != nil {
			t.Fatalf("expected claim from %s to succeed, got %v", status, err)
		}
	}
}

func TestAdvanceCursor_Transactional(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := seedAccount(t, repo, domain.SyncStatusSyncing)

	err := repo.AdvanceCursor(account.ID, "cursor-1", 100, func(tx *gorm.DB) (int, error) {
		return 25, nil
	})
	if err != nil {
		t.Fatalf("advance cursor failed: %v", err)
	}

	got, err := repo.FindByID(account.ID)
	if err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	if got.SyncCursor != "cursor-1" {
		t.Errorf("expected cursor cursor-1, got %q", got.SyncCursor)
	}
	if got.SyncedCount != 25 {
		t.Errorf("expected synced count 25, got %d", got.SyncedCount)
	}
	if got.TotalCount != 100 {
		t.Errorf("expected total count 100, got %d", got.TotalCount)
	}
	if got.LastActivityAt == nil {
		t.Error("expected last activity to be set")
	}
}

func TestAdvanceCursor_RollsBackOnApplyError(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := seedAccount(t, repo, domain.SyncStatusSyncing)

	err := repo.AdvanceCursor(account.ID, "cursor-1", 0, func(tx *gorm.DB) (int, error) {
		return 0, fmt.Errorf("batch insert failed")
	})
	if err == nil {
		t.Fatal("expected error from failed apply")
	}

	got, _ := repo.FindByID(account.ID)
	if got.SyncCursor != "" {
		t.Errorf("cursor must not advance on failed batch, got %q", got.SyncCursor)
	}
	if got.SyncedCount != 0 {
		t.Errorf("synced count must not change on failed batch, got %d", got.SyncedCount)
	}
}

func TestReclaimStalled_OnlyWhenStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := seedAccount(t, repo, domain.SyncStatusSyncing)

	old := time.Now().Add(-time.Hour)
	if err := db.Model(&domain.Account{}).Where("id = ?", account.ID).
		Update("last_activity_at", old).Error; err != nil {
		t.Fatalf("failed to backdate activity: %v", err)
	}

	// Not stale relative to a cutoff before the activity timestamp.
	if err := repo.ReclaimStalled(account.ID, old.Add(-time.Minute)); err != ErrSyncInProgress {
		t.Fatalf("expected ErrSyncInProgress for fresh account, got %v", err)
	}

	if err := repo.ReclaimStalled(account.ID, time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("expected stale account to be reclaimed, got %v", err)
	}

	got, _ := repo.FindByID(account.ID)
	if got.SyncStatus != domain.SyncStatusBackgroundSyncing {
		t.Errorf("expected background_syncing after reclaim, got %s", got.SyncStatus)
	}
}

func TestClaimPendingResume_RespectsResumeAfter(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	account := seedAccount(t, repo, domain.SyncStatusPendingResume)

	future := time.Now().Add(time.Hour)
	if err := db.Model(&domain.Account{}).Where("id = ?", account.ID).
		Update("resume_after", future).Error; err != nil {
		t.Fatalf("failed to set resume_after: %v", err)
	}

	if err := repo.ClaimPendingResume(account.ID, time.Now()); err != ErrSyncInProgress {
		t.Fatalf("expected claim before resume_after to fail, got %v", err)
	}
	if err := repo.ClaimPendingResume(account.ID, future.Add(time.Minute)); err != nil {
		t.Fatalf("expected claim after resume_after to succeed, got %v", err)
	}
}

func TestFindStalled_SkipsStoppedAccounts(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)

	stale := time.Now().Add(-time.Hour)
	active := seedAccount(t, repo, domain.SyncStatusSyncing)
	db.Model(&domain.Account{}).Where("id = ?", active.ID).Update("last_activity_at", stale)

	stopped := &domain.Account{TenantID: "t", Email: "stopped@example.com", Provider: "google", SyncStatus: domain.SyncStatusSyncing, SyncStopped: true}
	if err := repo.Create(stopped); err != nil {
		t.Fatalf("failed to create stopped account: %v", err)
	}
	db.Model(&domain.Account{}).Where("id = ?", stopped.ID).Update("last_activity_at", stale)

	found, err := repo.FindStalled(time.Now().Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("find stalled failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != active.ID {
		t.Fatalf("expected only the active stale account, got %d results", len(found))
	}
}
