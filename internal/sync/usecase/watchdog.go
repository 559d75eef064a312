package usecase

import (
	"context"
	"log"
	"time"

	"mailsync-backend/internal/account/repository"
	"mailsync-backend/pkg/config"
)

// Watchdog periodically sweeps for stalled syncs and parked accounts whose
// resume time has elapsed. Restarting is always safe because pages replay
// idempotently from the persisted cursor.
type Watchdog struct {
	accounts repository.AccountRepository
	engine   *Engine
	states   *StateMachine
	cfg      *config.Config
	stopChan chan struct{}
	now      func() time.Time
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked   int `json:"checked"`
	Restarted int `json:"restarted"`
	Failed    int `json:"failed"`
}

func NewWatchdog(accounts repository.AccountRepository, engine *Engine, states *StateMachine, cfg *config.Config) *Watchdog {
	return &Watchdog{
		accounts: accounts,
		engine:   engine,
		states:   states,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic sweeps in a background goroutine.
func (w *Watchdog) Start() {
	go func() {
		ticker := time.NewTicker(w.cfg.SweepInterval)
		defer ticker.Stop()

		log.Printf("[Watchdog] Started (interval %v, stall threshold %v)", w.cfg.SweepInterval, w.cfg.StallThreshold)
		for {
			select {
			case <-ticker.C:
				w.SweepStalled()
				w.SweepResumable()
				if w.cfg.GooglePubSubTopic != "" {
					w.engine.RenewExpiringWatches(context.Background(), w.cfg.GooglePubSubTopic)
				}
			case <-w.stopChan:
				log.Println("[Watchdog] Stopped")
				return
			}
		}
	}()
}

func (w *Watchdog) Stop() {
	close(w.stopChan)
}

// SweepStalled reclaims accounts stuck in an active status with no recent
// activity, presumed orphaned by a crashed worker, and restarts them.
func (w *Watchdog) SweepStalled() SweepResult {
	var result SweepResult

	staleBefore := w.now().Add(-w.cfg.StallThreshold)
	accounts, err := w.accounts.FindStalled(staleBefore, w.cfg.SweepBatchSize)
	if err != nil {
		log.Printf("[Watchdog] Failed to list stalled accounts: %v", err)
		return result
	}

	for _, account := range accounts {
		result.Checked++
		// Reclaim is conditional on the same staleness predicate, so a worker
		// that woke up in the meantime keeps its run.
		if err := w.accounts.ReclaimStalled(account.ID, staleBefore); err != nil {
			if err == repository.ErrSyncInProgress {
				continue
			}
			log.Printf("[Watchdog] Failed to reclaim stalled account %s: %v", account.ID, err)
			result.Failed++
			continue
		}
		log.Printf("[Watchdog] Restarting stalled account %s (last activity %v)", account.ID, account.LastActivityAt)
		result.Restarted++
		go w.engine.Run(context.Background(), account.ID)
	}
	return result
}

// SweepResumable restarts parked accounts whose resume time has elapsed.
func (w *Watchdog) SweepResumable() SweepResult {
	var result SweepResult

	now := w.now()
	accounts, err := w.accounts.FindResumable(now, w.cfg.SweepBatchSize)
	if err != nil {
		log.Printf("[Watchdog] Failed to list resumable accounts: %v", err)
		return result
	}

	for _, account := range accounts {
		result.Checked++
		if err := w.accounts.ClaimPendingResume(account.ID, now); err != nil {
			if err == repository.ErrSyncInProgress {
				continue
			}
			log.Printf("[Watchdog] Failed to claim resumable account %s: %v", account.ID, err)
			result.Failed++
			if markErr := w.states.MarkError(account.ID, "automatic resume failed; manual restart required"); markErr != nil {
				log.Printf("[Watchdog] Failed to mark account %s errored: %v", account.ID, markErr)
			}
			continue
		}
		log.Printf("[Watchdog] Resuming account %s", account.ID)
		result.Restarted++
		go w.engine.Run(context.Background(), account.ID)
	}
	return result
}
