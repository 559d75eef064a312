package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/internal/account/repository"
	mailrepo "mailsync-backend/internal/mail/repository"
	"mailsync-backend/pkg/breaker"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/crypto"
	"mailsync-backend/pkg/provider"
	"mailsync-backend/pkg/quota"
	"mailsync-backend/pkg/sse"

	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Engine performs incremental cursor-based sync for one account at a time.
// The page fetch is the only blocking operation and the only point where the
// time budget is checked; pages for one account are applied strictly in
// cursor order.
type Engine struct {
	accounts  repository.AccountRepository
	messages  mailrepo.MessageRepository
	states    *StateMachine
	providers map[string]provider.MailProvider
	breaker   *breaker.Registry
	quota     *quota.Monitor
	events    EventService
	cfg       *config.Config
	now       func() time.Time
}

func NewEngine(
	accounts repository.AccountRepository,
	messages mailrepo.MessageRepository,
	states *StateMachine,
	providers map[string]provider.MailProvider,
	breakerRegistry *breaker.Registry,
	quotaMonitor *quota.Monitor,
	events EventService,
	cfg *config.Config,
) *Engine {
	return &Engine{
		accounts:  accounts,
		messages:  messages,
		states:    states,
		providers: providers,
		breaker:   breakerRegistry,
		quota:     quotaMonitor,
		events:    events,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Trigger claims the account and starts a sync run asynchronously.
// A losing claim returns repository.ErrSyncInProgress.
func (e *Engine) Trigger(accountID string, background bool) error {
	if _, err := e.states.Claim(accountID, background); err != nil {
		return err
	}
	go e.Run(context.Background(), accountID)
	return nil
}

// Run executes one claimed sync run to a terminal or intermediate status.
// The caller must hold the claim.
func (e *Engine) Run(ctx context.Context, accountID string) {
	account, err := e.accounts.FindByID(accountID)
	if err != nil {
		log.Printf("[SyncEngine] Failed to load account %s: %v", accountID, err)
		return
	}
	if account == nil {
		log.Printf("[SyncEngine] Account %s disappeared before run start", accountID)
		return
	}

	outcome, resumeAfter, cause := e.runLoop(ctx, account)

	switch outcome {
	case OutcomeCompleted:
		refreshed, _ := e.accounts.FindByID(accountID)
		var synced, total int64
		if refreshed != nil {
			synced, total = refreshed.SyncedCount, refreshed.TotalCount
		}
		if err := e.states.MarkCompleted(accountID, synced, total); err != nil {
			log.Printf("[SyncEngine] Failed to mark account %s completed: %v", accountID, err)
		}
		log.Printf("[SyncEngine] Account %s completed (synced=%d)", accountID, synced)
	case OutcomeContinue:
		if err := e.states.MarkContinuation(accountID, resumeAfter); err != nil {
			log.Printf("[SyncEngine] Failed to park account %s for continuation: %v", accountID, err)
		}
	case OutcomeRateLimited:
		// Too many consecutive failed runs escalates to error; otherwise the
		// resume sweep picks the account up after resumeAfter.
		if account.ConsecutiveFailures+1 >= e.cfg.SyncMaxConsecutiveFailures {
			msg := fmt.Sprintf("sync failed %d consecutive times, manual restart required: %s",
				account.ConsecutiveFailures+1, cause)
			if err := e.states.MarkError(accountID, msg); err != nil {
				log.Printf("[SyncEngine] Failed to mark account %s errored: %v", accountID, err)
			}
		} else {
			if err := e.states.MarkPendingResume(accountID, resumeAfter, cause); err != nil {
				log.Printf("[SyncEngine] Failed to park account %s: %v", accountID, err)
			}
		}
	case OutcomeFatal:
		if err := e.states.MarkError(accountID, cause); err != nil {
			log.Printf("[SyncEngine] Failed to mark account %s errored: %v", accountID, err)
		}
	case OutcomePaused:
		// The pause already wrote the account's status; nothing to record.
		log.Printf("[SyncEngine] Account %s paused mid-run, stopped at page boundary", accountID)
	}
}

func (e *Engine) runLoop(ctx context.Context, account *domain.Account) (BatchOutcome, time.Time, string) {
	p, ok := e.providers[account.Provider]
	if !ok {
		return OutcomeFatal, time.Time{}, fmt.Sprintf("no provider registered for kind %q", account.Provider)
	}

	creds, err := e.credentialsFor(account)
	if err != nil {
		return OutcomeFatal, time.Time{}, fmt.Sprintf("invalid credentials: %v", err)
	}

	cursor := account.SyncCursor
	deadline := e.now().Add(e.cfg.SyncTimeBudget)

	for {
		// Advisory gate: stop early instead of hammering a provider that
		// already signaled backpressure.
		if !e.quota.CanProceed(account.Provider, account.ID) {
			return OutcomeRateLimited, e.now().Add(e.cfg.SyncResumeDelay), "provider call budget exhausted"
		}

		page, err := e.fetchPage(ctx, p, account, creds, cursor)
		if err != nil {
			switch {
			case errors.Is(err, breaker.ErrOpen):
				// The credential may be fine and the provider simply
				// unavailable; never escalate breaker-open to fatal.
				retryAt := e.breaker.RetryAt(account.Provider, account.ID)
				if retryAt.IsZero() {
					retryAt = e.now().Add(e.cfg.SyncResumeDelay)
				}
				return OutcomeRateLimited, retryAt, "provider temporarily unavailable (circuit breaker open)"
			case provider.IsAuth(err):
				return OutcomeFatal, time.Time{}, fmt.Sprintf("authentication failed, reconnect required: %v", err)
			case provider.IsRateLimited(err):
				return OutcomeRateLimited, e.now().Add(e.cfg.SyncResumeDelay), fmt.Sprintf("provider rate limited: %v", err)
			default:
				return OutcomeRateLimited, e.now().Add(e.cfg.SyncResumeDelay), fmt.Sprintf("provider error: %v", err)
			}
		}

		mutations := page.Mutations
		if err := e.accounts.AdvanceCursor(account.ID, page.NextCursor, page.TotalEstimate, func(tx *gorm.DB) (int, error) {
			return e.messages.ApplyMutations(tx, account.ID, mutations)
		}); err != nil {
			return OutcomeRateLimited, e.now().Add(e.cfg.SyncResumeDelay), fmt.Sprintf("failed to persist batch: %v", err)
		}
		cursor = page.NextCursor

		e.broadcastMutations(account.ID, mutations)
		e.events.Broadcast(account.ID, sse.EventSyncProgress, map[string]interface{}{
			"cursor":         cursor,
			"batch_size":     len(mutations),
			"total_estimate": page.TotalEstimate,
		})

		if !page.HasMore {
			return OutcomeCompleted, time.Time{}, ""
		}
		if ctx.Err() != nil {
			return OutcomeContinue, e.now(), ""
		}
		// Stop cleanly between pages before the host force-terminates us.
		if e.now().After(deadline) {
			log.Printf("[SyncEngine] Account %s time budget exhausted, stopping between pages at cursor %s", account.ID, cursor)
			return OutcomeContinue, e.now(), ""
		}
		// A user pause lands here, at the page boundary. The page that was in
		// flight is already durable.
		if fresh, err := e.accounts.FindByID(account.ID); err == nil && (fresh == nil || fresh.SyncStopped) {
			return OutcomePaused, time.Time{}, ""
		}
	}
}

// fetchPage wraps the provider call with the circuit breaker and retries
// transient failures. Auth failures, rate limits and breaker-open are never
// retried here.
func (e *Engine) fetchPage(ctx context.Context, p provider.MailProvider, account *domain.Account, creds provider.Credentials, cursor string) (*provider.Page, error) {
	var page *provider.Page
	var lastErr error

	for attempt := 0; attempt < e.cfg.SyncMaxPageRetries; attempt++ {
		if attempt > 0 {
			if err := e.accounts.IncrementRetryCount(account.ID); err != nil {
				log.Printf("[SyncEngine] Failed to record retry for account %s: %v", account.ID, err)
			}
			select {
			case <-time.After(time.Duration(attempt) * e.cfg.SyncRetryBackoff):
			case <-ctx.Done():
				return nil, provider.NewTransientError("fetch canceled", ctx.Err())
			}
		}

		err := e.breaker.Execute(account.Provider, account.ID, func() error {
			var ferr error
			page, ferr = p.FetchDelta(ctx, creds, cursor, e.cfg.SyncPageSize)
			e.quota.RecordCall(account.Provider, account.ID, provider.IsRateLimited(ferr))
			return ferr
		})
		if err == nil {
			return page, nil
		}
		lastErr = err

		if errors.Is(err, breaker.ErrOpen) || provider.IsAuth(err) || provider.IsRateLimited(err) {
			return nil, err
		}
		log.Printf("[SyncEngine] Transient error for account %s (attempt %d/%d): %v",
			account.ID, attempt+1, e.cfg.SyncMaxPageRetries, err)
	}
	return nil, lastErr
}

func (e *Engine) broadcastMutations(accountID string, mutations []provider.Mutation) {
	for _, m := range mutations {
		switch m.Type {
		case provider.MutationMessageCreated:
			e.events.Broadcast(accountID, sse.EventMessageCreated, map[string]interface{}{
				"provider_message_id": m.Message.ProviderMessageID,
				"folder_id":           m.Message.FolderID,
			})
		case provider.MutationMessageUpdated:
			e.events.Broadcast(accountID, sse.EventMessageUpdated, map[string]interface{}{
				"provider_message_id": m.Message.ProviderMessageID,
			})
		case provider.MutationMessageDeleted:
			e.events.Broadcast(accountID, sse.EventMessageDeleted, map[string]interface{}{
				"provider_message_id": m.ProviderMessageID,
			})
		case provider.MutationFolderUpdated:
			e.events.Broadcast(accountID, sse.EventFolderUpdated, map[string]interface{}{
				"folder_id": m.FolderID,
				"name":      m.FolderName,
			})
		}
	}
}

// credentialsFor builds provider credentials, decrypting stored IMAP
// passwords and wiring a callback that persists rotated OAuth tokens.
func (e *Engine) credentialsFor(account *domain.Account) (provider.Credentials, error) {
	creds := provider.Credentials{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
	}

	if account.Provider == "imap" {
		if account.IMAPPassword == "" {
			return creds, fmt.Errorf("no IMAP password stored")
		}
		password, err := crypto.Decrypt(account.IMAPPassword, e.cfg.EncryptionKey)
		if err != nil {
			return creds, fmt.Errorf("failed to decrypt IMAP password: %w", err)
		}
		creds.IMAPServer = account.IMAPServer
		creds.IMAPPort = account.IMAPPort
		creds.IMAPUsername = account.Email
		creds.IMAPPassword = password
		return creds, nil
	}

	accountID := account.ID
	creds.OnTokenRefresh = func(token *oauth2.Token) error {
		fresh, err := e.accounts.FindByID(accountID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return nil
		}
		fresh.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			fresh.RefreshToken = token.RefreshToken
		}
		fresh.TokenExpiry = token.Expiry
		return e.accounts.Update(fresh)
	}
	return creds, nil
}

// RenewExpiringWatches re-registers provider push channels that are about to
// lapse, so webhook delivery does not silently stop.
func (e *Engine) RenewExpiringWatches(ctx context.Context, topic string) {
	accounts, err := e.accounts.FindWatchExpiring(e.now().Add(24*time.Hour), e.cfg.SweepBatchSize)
	if err != nil {
		log.Printf("[SyncEngine] Failed to list expiring watches: %v", err)
		return
	}

	for _, account := range accounts {
		p, ok := e.providers[account.Provider]
		if !ok {
			continue
		}
		wp, ok := p.(provider.WatchProvider)
		if !ok {
			continue
		}
		creds, err := e.credentialsFor(account)
		if err != nil {
			log.Printf("[SyncEngine] Skipping watch renewal for account %s: %v", account.ID, err)
			continue
		}
		expiry, err := wp.Watch(ctx, creds, topic)
		if err != nil {
			log.Printf("[SyncEngine] Failed to renew watch for account %s: %v", account.ID, err)
			continue
		}
		account.WatchExpiry = &expiry
		if err := e.accounts.Update(account); err != nil {
			log.Printf("[SyncEngine] Failed to persist watch expiry for account %s: %v", account.ID, err)
		}
	}
}
