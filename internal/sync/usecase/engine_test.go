package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/internal/account/repository"
	mailrepo "mailsync-backend/internal/mail/repository"
	maildomain "mailsync-backend/internal/mail/domain"
	"mailsync-backend/pkg/breaker"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/provider"
	"mailsync-backend/pkg/quota"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeProvider serves scripted pages keyed by cursor.
type fakeProvider struct {
	mu    sync.Mutex
	fetch func(cursor string, pageSize int) (*provider.Page, error)
	calls int
}

func (f *fakeProvider) FetchDelta(ctx context.Context, creds provider.Credentials, cursor string, pageSize int) (*provider.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fetch(cursor, pageSize)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingEvents captures broadcasts for assertions.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Broadcast(accountID, eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingEvents) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	db       *gorm.DB
	accounts repository.AccountRepository
	messages mailrepo.MessageRepository
	states   *StateMachine
	engine   *Engine
	provider *fakeProvider
	events   *recordingEvents
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Account{}, &maildomain.Message{}, &maildomain.Folder{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cfg := &config.Config{
		EncryptionKey:              "test-encryption-key",
		SyncPageSize:               50,
		SyncTimeBudget:             time.Minute,
		SyncMaxPageRetries:         3,
		SyncRetryBackoff:           time.Millisecond,
		SyncMaxConsecutiveFailures: 8,
		SyncResumeDelay:            5 * time.Minute,
		StallThreshold:             10 * time.Minute,
		SweepInterval:              time.Minute,
		SweepBatchSize:             20,
	}

	accounts := repository.NewAccountRepository(db)
	messages := mailrepo.NewMessageRepository(db)
	events := &recordingEvents{}
	states := NewStateMachine(accounts, events)
	fake := &fakeProvider{}
	engine := NewEngine(accounts, messages, states, map[string]provider.MailProvider{"google": fake},
		breaker.NewRegistry(breaker.Settings{FailureThreshold: 5, Cooldown: 30 * time.Second, MaxCooldown: 15 * time.Minute}),
		quota.NewMonitor(quota.Settings{Window: time.Minute, MaxCalls: 1000, MaxRateLimitHits: 1000}),
		events, cfg)

	return &testEnv{
		db:       db,
		accounts: accounts,
		messages: messages,
		states:   states,
		engine:   engine,
		provider: fake,
		events:   events,
		cfg:      cfg,
	}
}

func (env *testEnv) seedAccount(t *testing.T, status domain.SyncStatus) *domain.Account {
	t.Helper()
	account := &domain.Account{
		TenantID:   "tenant-1",
		Email:      "user@example.com",
		Provider:   "google",
		SyncStatus: status,
		AutoSync:   true,
	}
	if err := env.accounts.Create(account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func (env *testEnv) reload(t *testing.T, id string) *domain.Account {
	t.Helper()
	account, err := env.accounts.FindByID(id)
	if err != nil || account == nil {
		t.Fatalf("failed to reload account %s: %v", id, err)
	}
	return account
}

// runSync claims and runs one sync to a settled status, synchronously.
func (env *testEnv) runSync(t *testing.T, accountID string) {
	t.Helper()
	if _, err := env.states.Claim(accountID, false); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	env.engine.Run(context.Background(), accountID)
}

// scriptPages serves count messages split across pages of pageSize.
func scriptPages(count int) func(cursor string, pageSize int) (*provider.Page, error) {
	return func(cursor string, pageSize int) (*provider.Page, error) {
		offset := 0
		if cursor != "" {
			offset, _ = strconv.Atoi(cursor)
		}
		var mutations []provider.Mutation
		for i := offset; i < count && i < offset+pageSize; i++ {
			id := fmt.Sprintf("msg-%d", i)
			mutations = append(mutations, provider.Mutation{
				Type:              provider.MutationMessageCreated,
				ProviderMessageID: id,
				Message: &provider.MessageData{
					ProviderMessageID: id,
					FolderID:          "INBOX",
					Subject:           fmt.Sprintf("subject %d", i),
					ReceivedAt:        time.Now(),
				},
			})
		}
		next := offset + len(mutations)
		return &provider.Page{
			Mutations:     mutations,
			NextCursor:    strconv.Itoa(next),
			HasMore:       next < count,
			TotalEstimate: int64(count),
		}, nil
	}
}

func TestSyncCompletesAcrossPages(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	env.provider.fetch = scriptPages(100)

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusCompleted {
		t.Fatalf("expected completed, got %s (last error %q)", got.SyncStatus, got.LastError)
	}
	if got.SyncedCount != 100 {
		t.Errorf("expected 100 synced, got %d", got.SyncedCount)
	}
	if got.TotalCount != 100 {
		t.Errorf("expected total 100, got %d", got.TotalCount)
	}
	if got.LastSyncedAt == nil {
		t.Error("expected last_synced_at to be set")
	}

	count, _ := env.messages.CountByAccount(account.ID)
	if count != 100 {
		t.Errorf("expected 100 stored messages, got %d", count)
	}
	if !env.events.has("sync.started") || !env.events.has("sync.progress") || !env.events.has("sync.completed") {
		t.Error("expected lifecycle events to be broadcast")
	}
}

func TestSyncResumesFromDurableCursor(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)

	// First run: page one lands, page two keeps failing.
	pages := scriptPages(100)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		if cursor != "" {
			return nil, provider.NewTransientError("flaky backend", nil)
		}
		return pages(cursor, pageSize)
	}
	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPendingResume {
		t.Fatalf("expected pending_resume after exhausted retries, got %s", got.SyncStatus)
	}
	if got.SyncCursor != "50" {
		t.Fatalf("expected durable cursor after page one, got %q", got.SyncCursor)
	}
	if got.SyncedCount != 50 {
		t.Fatalf("expected 50 synced before failure, got %d", got.SyncedCount)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", got.ConsecutiveFailures)
	}

	// Second run continues where the first left off, never from scratch.
	env.provider.fetch = pages
	env.runSync(t, account.ID)

	got = env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusCompleted {
		t.Fatalf("expected completed, got %s", got.SyncStatus)
	}
	if got.SyncedCount != 100 {
		t.Errorf("expected 100 synced total, got %d", got.SyncedCount)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("expected failure streak cleared, got %d", got.ConsecutiveFailures)
	}
	count, _ := env.messages.CountByAccount(account.ID)
	if count != 100 {
		t.Errorf("expected 100 messages with no duplicates, got %d", count)
	}
}

func TestRateLimitParksAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		return nil, provider.NewRateLimitedError("quota exceeded", nil)
	}

	before := time.Now()
	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPendingResume {
		t.Fatalf("expected pending_resume, got %s", got.SyncStatus)
	}
	if got.ResumeAfter == nil || got.ResumeAfter.Before(before.Add(env.cfg.SyncResumeDelay-time.Second)) {
		t.Errorf("expected resume_after around now+%v, got %v", env.cfg.SyncResumeDelay, got.ResumeAfter)
	}
	// Rate limits are not retried page-level.
	if env.provider.callCount() != 1 {
		t.Errorf("expected a single provider call, got %d", env.provider.callCount())
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		return nil, provider.NewAuthError("token revoked", nil)
	}

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusError {
		t.Fatalf("expected error status, got %s", got.SyncStatus)
	}
	if got.LastError == "" {
		t.Error("expected last_error to be recorded")
	}
	if env.provider.callCount() != 1 {
		t.Errorf("auth failures must not be retried, got %d calls", env.provider.callCount())
	}
}

func TestTransientErrorsRetriedThenRecovered(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)

	pages := scriptPages(10)
	failures := 0
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		if failures < 2 {
			failures++
			return nil, provider.NewTransientError("blip", nil)
		}
		return pages(cursor, pageSize)
	}

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusCompleted {
		t.Fatalf("expected recovery within page retries, got %s", got.SyncStatus)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected 2 recorded retries, got %d", got.RetryCount)
	}
}

func TestConsecutiveFailuresEscalateToError(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	if err := env.db.Model(&domain.Account{}).Where("id = ?", account.ID).
		Update("consecutive_failures", env.cfg.SyncMaxConsecutiveFailures-1).Error; err != nil {
		t.Fatalf("failed to seed failure streak: %v", err)
	}
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		return nil, provider.NewRateLimitedError("still limited", nil)
	}

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusError {
		t.Fatalf("expected escalation to error, got %s", got.SyncStatus)
	}
}

func TestTimeBudgetStopsBetweenPages(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SyncTimeBudget = -time.Second // every deadline check fires
	account := env.seedAccount(t, domain.SyncStatusIdle)
	env.provider.fetch = scriptPages(100)

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPendingResume {
		t.Fatalf("expected pending_resume continuation, got %s", got.SyncStatus)
	}
	if got.ContinuationCount != 1 {
		t.Errorf("expected continuation_count 1, got %d", got.ContinuationCount)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("a clean continuation is not a failure, got %d", got.ConsecutiveFailures)
	}
	if got.SyncCursor != "50" {
		t.Errorf("expected cursor after first page, got %q", got.SyncCursor)
	}
	// The page that was in flight must have landed before the stop.
	count, _ := env.messages.CountByAccount(account.ID)
	if count != 50 {
		t.Errorf("expected 50 messages persisted, got %d", count)
	}
}

func TestPauseDuringRunStopsAtPageBoundary(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)

	pages := scriptPages(150)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		if cursor == "50" {
			if err := env.states.Pause(account.ID); err != nil {
				t.Errorf("pause failed: %v", err)
			}
		}
		return pages(cursor, pageSize)
	}

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPaused {
		t.Fatalf("expected pause to survive the run, got %s", got.SyncStatus)
	}
	if !got.SyncStopped {
		t.Fatal("expected sync_stopped to remain set")
	}
	// The page that was in flight when the pause landed is durable.
	if got.SyncCursor != "100" {
		t.Errorf("expected cursor after the in-flight page, got %q", got.SyncCursor)
	}
	count, _ := env.messages.CountByAccount(account.ID)
	if count != 100 {
		t.Errorf("expected 100 messages persisted, got %d", count)
	}

	// The account stays resumable and finishes on the next run.
	if err := env.states.Resume(account.ID); err != nil {
		t.Fatalf("resume after pause failed: %v", err)
	}
	env.runSync(t, account.ID)
	if got := env.reload(t, account.ID); got.SyncStatus != domain.SyncStatusCompleted {
		t.Fatalf("expected completion after resume, got %s", got.SyncStatus)
	}
}

func TestPauseDuringFinalPageNotClobberedByCompletion(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)

	pages := scriptPages(50)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		if err := env.states.Pause(account.ID); err != nil {
			t.Errorf("pause failed: %v", err)
		}
		return pages(cursor, pageSize)
	}

	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPaused || !got.SyncStopped {
		t.Fatalf("expected paused with sync_stopped, got %s (stopped=%v)", got.SyncStatus, got.SyncStopped)
	}
	if env.events.has("sync.completed") {
		t.Error("a suppressed completion must not broadcast")
	}
	if err := env.states.Resume(account.ID); err != nil {
		t.Fatalf("resume after pause failed: %v", err)
	}
}

func TestConcurrentTriggerConflicts(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)

	if _, err := env.states.Claim(account.ID, false); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := env.engine.Trigger(account.ID, false); err != repository.ErrSyncInProgress {
		t.Fatalf("expected ErrSyncInProgress for second trigger, got %v", err)
	}
}

func TestTriggerRefusesPausedAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	if err := env.states.Pause(account.ID); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if err := env.engine.Trigger(account.ID, false); err == nil {
		t.Fatal("expected trigger of paused account to fail")
	}
}

func TestBreakerOpenShortCircuitsRun(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, domain.SyncStatusIdle)
	env.provider.fetch = func(cursor string, pageSize int) (*provider.Page, error) {
		return nil, provider.NewTransientError("down", nil)
	}

	// Two runs of three retries each trip the threshold of five.
	env.runSync(t, account.ID)
	env.runSync(t, account.ID)

	calls := env.provider.callCount()
	env.runSync(t, account.ID)

	got := env.reload(t, account.ID)
	if got.SyncStatus != domain.SyncStatusPendingResume {
		t.Fatalf("expected pending_resume while breaker open, got %s", got.SyncStatus)
	}
	if env.provider.callCount() != calls {
		t.Errorf("open breaker must not reach the provider, got %d extra calls", env.provider.callCount()-calls)
	}
}
