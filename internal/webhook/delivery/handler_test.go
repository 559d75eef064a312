package delivery

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/internal/account/repository"
	maildomain "mailsync-backend/internal/mail/domain"
	mailrepo "mailsync-backend/internal/mail/repository"
	"mailsync-backend/internal/webhook/usecase"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testSecret = "webhook-test-secret"

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Broadcast(accountID, eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

type testEnv struct {
	router   *gin.Engine
	accounts repository.AccountRepository
	messages mailrepo.MessageRepository
	events   *recordingEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Account{}, &maildomain.Message{}, &maildomain.Folder{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	accounts := repository.NewAccountRepository(db)
	messages := mailrepo.NewMessageRepository(db)
	events := &recordingEvents{}
	ingest := usecase.NewIngestUsecase(accounts, messages, events, nil)
	handler := NewWebhookHandler(ingest, testSecret)

	router := gin.New()
	router.GET("/webhook", handler.VerifyChallenge)
	router.POST("/webhook", handler.Receive)

	return &testEnv{router: router, accounts: accounts, messages: messages, events: events}
}

func (env *testEnv) seedAccount(t *testing.T, grantID string) *domain.Account {
	t.Helper()
	account := &domain.Account{TenantID: "t", Email: "user@example.com", Provider: "google", GrantID: grantID}
	if err := env.accounts.Create(account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (env *testEnv) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestChallengeEchoedVerbatim(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?challenge=abc123", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Fatalf("expected raw challenge echo, got %q", w.Body.String())
	}
}

func TestChallengeMissing(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing challenge, got %d", w.Code)
	}
}

func TestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"type":"message.created","grant_id":"g1","data":{"id":"m1"}}`)

	if w := env.post(body, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signature, got %d", w.Code)
	}
	if w := env.post(body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", w.Code)
	}
}

func TestMessageCreatedApplied(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "g1")

	body := []byte(`{"type":"message.created","grant_id":"g1","data":{"id":"m1","folder_id":"INBOX","subject":"hi","from":"a@b.c","date":1700000000}}`)
	w := env.post(body, sign(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	count, _ := env.messages.CountByAccount(account.ID)
	if count != 1 {
		t.Fatalf("expected 1 message applied, got %d", count)
	}

	// Replayed delivery must converge, not duplicate.
	if w := env.post(body, sign(body)); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", w.Code)
	}
	count, _ = env.messages.CountByAccount(account.ID)
	if count != 1 {
		t.Fatalf("expected 1 message after replay, got %d", count)
	}
}

func TestUnknownGrantAcked(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"type":"message.created","grant_id":"nobody","data":{"id":"m1"}}`)
	if w := env.post(body, sign(body)); w.Code != http.StatusOK {
		t.Fatalf("unknown grant must be acked, got %d", w.Code)
	}
}

func TestUnknownEventTypeAcked(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "g1")

	body := []byte(`{"type":"grant.expired","grant_id":"g1","data":{}}`)
	if w := env.post(body, sign(body)); w.Code != http.StatusOK {
		t.Fatalf("unknown event type must be acked, got %d", w.Code)
	}
}

func TestDeleteOfUnsyncedMessageAcked(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "g1")

	body := []byte(`{"type":"message.deleted","grant_id":"g1","data":{"id":"never-seen"}}`)
	if w := env.post(body, sign(body)); w.Code != http.StatusOK {
		t.Fatalf("delete of unsynced message must be acked, got %d", w.Code)
	}
}

func TestMalformedAuthedPayloadAcked(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{not json`)
	if w := env.post(body, sign(body)); w.Code != http.StatusOK {
		t.Fatalf("malformed authenticated payload must be acked, got %d", w.Code)
	}
}
