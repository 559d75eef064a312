package usecase

import (
	"time"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/pkg/breaker"
	"mailsync-backend/pkg/quota"
)

// StatusReport is the pull-based view clients reconcile against after an SSE
// reconnect. It always reflects the most recent durable state.
type StatusReport struct {
	AccountID         string            `json:"account_id"`
	Status            domain.SyncStatus `json:"status"`
	Progress          float64           `json:"progress"`
	SyncedCount       int64             `json:"synced_count"`
	TotalCount        int64             `json:"total_count"`
	LastError         string            `json:"last_error,omitempty"`
	LastSyncedAt      *time.Time        `json:"last_synced_at,omitempty"`
	LastActivityAt    *time.Time        `json:"last_activity_at,omitempty"`
	ResumeAfter       *time.Time        `json:"resume_after,omitempty"`
	ContinuationCount int               `json:"continuation_count"`
	RetryCount        int               `json:"retry_count"`
	FolderCounts      map[string]int64  `json:"folder_counts"`
	Breaker           breaker.Snapshot  `json:"breaker"`
	Quota             quota.Snapshot    `json:"quota"`
	Health            int               `json:"health"`
}

// Status assembles the status report for one account.
func (e *Engine) Status(accountID string) (*StatusReport, error) {
	account, err := e.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}

	folderCounts, err := e.messages.CountByFolder(accountID)
	if err != nil {
		return nil, err
	}

	breakerSnap := e.breaker.Snapshot(account.Provider, account.ID)
	quotaSnap := e.quota.Snapshot(account.Provider, account.ID)

	return &StatusReport{
		AccountID:         account.ID,
		Status:            account.SyncStatus,
		Progress:          progressPercent(account),
		SyncedCount:       account.SyncedCount,
		TotalCount:        account.TotalCount,
		LastError:         account.LastError,
		LastSyncedAt:      account.LastSyncedAt,
		LastActivityAt:    account.LastActivityAt,
		ResumeAfter:       account.ResumeAfter,
		ContinuationCount: account.ContinuationCount,
		RetryCount:        account.RetryCount,
		FolderCounts:      folderCounts,
		Breaker:           breakerSnap,
		Quota:             quotaSnap,
		Health:            healthScore(account, breakerSnap, quotaSnap, e.now()),
	}, nil
}

// progressPercent is advisory: totalCount is a provider estimate and never
// used for correctness checks.
func progressPercent(account *domain.Account) float64 {
	if account.SyncStatus == domain.SyncStatusCompleted {
		return 100
	}
	if account.TotalCount <= 0 {
		return 0
	}
	pct := float64(account.SyncedCount) / float64(account.TotalCount) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// healthScore derives a 0-100 score penalized by error status, staleness of
// the last successful sync, an open breaker, and recent rate-limit hits.
func healthScore(account *domain.Account, b breaker.Snapshot, q quota.Snapshot, now time.Time) int {
	score := 100

	if account.SyncStatus == domain.SyncStatusError {
		score -= 40
	}

	switch b.State {
	case breaker.StateOpen:
		score -= 25
	case breaker.StateHalfOpen:
		score -= 10
	}

	if account.LastSyncedAt == nil {
		score -= 15
	} else {
		age := now.Sub(*account.LastSyncedAt)
		switch {
		case age > 24*time.Hour:
			score -= 15
		case age > time.Hour:
			score -= 5
		}
	}

	penalty := q.RateLimitHits * 5
	if penalty > 15 {
		penalty = 15
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	return score
}
