package repository

import (
	"fmt"
	"testing"
	"time"

	maildomain "mailsync-backend/internal/mail/domain"
	"mailsync-backend/pkg/provider"

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
	if err := db.AutoMigrate(&maildomain.Message{}, &maildomain.Folder{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func messageMutation(id, subject string) provider.Mutation {
	return provider.Mutation{
		Type:              provider.MutationMessageCreated,
		ProviderMessageID: id,
		Message: &provider.MessageData{
			ProviderMessageID: id,
			FolderID:          "INBOX",
			Subject:           subject,
			From:              "sender@example.com",
			ReceivedAt:        time.Now(),
		},
	}
}

func TestApplyDirect_Idempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	batch := []provider.Mutation{
		messageMutation("msg-1", "hello"),
		messageMutation("msg-2", "world"),
	}

	for i := 0; i < 2; i++ {
		if _, err := repo.ApplyDirect("acct-1", batch); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	count, err := repo.CountByAccount("acct-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 messages after replay, got %d", count)
	}
}

func TestApplyDirect_UpdateOverwritesFields(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{messageMutation("msg-1", "original")}); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	updated := messageMutation("msg-1", "edited")
	updated.Type = provider.MutationMessageUpdated
	updated.Message.IsRead = true
	if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{updated}); err != nil {
		t.Fatalf("update apply failed: %v", err)
	}

	var msg maildomain.Message
	if err := db.Where("account_id = ? AND provider_message_id = ?", "acct-1", "msg-1").First(&msg).Error; err != nil {
		t.Fatalf("failed to load message: %v", err)
	}
	if msg.Subject != "edited" {
		t.Errorf("expected subject edited, got %q", msg.Subject)
	}
	if !msg.IsRead {
		t.Error("expected is_read to be updated")
	}
}

func TestApplyDirect_DeleteMissingIsNoop(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	applied, err := repo.ApplyDirect("acct-1", []provider.Mutation{{
		Type:              provider.MutationMessageDeleted,
		ProviderMessageID: "never-synced",
	}})
	if err != nil {
		t.Fatalf("delete of missing message must not fail: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected delete to count as applied, got %d", applied)
	}
}

func TestApplyDirect_DeleteRemovesRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{messageMutation("msg-1", "bye")}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{{
		Type:              provider.MutationMessageDeleted,
		ProviderMessageID: "msg-1",
	}}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	count, _ := repo.CountByAccount("acct-1")
	if count != 0 {
		t.Fatalf("expected 0 messages after delete, got %d", count)
	}
}

func TestApplyDirect_ScopedToAccount(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	// The same provider message id under two accounts must stay two rows.
	if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{messageMutation("msg-1", "a")}); err != nil {
		t.Fatalf("apply acct-1 failed: %v", err)
	}
	if _, err := repo.ApplyDirect("acct-2", []provider.Mutation{messageMutation("msg-1", "b")}); err != nil {
		t.Fatalf("apply acct-2 failed: %v", err)
	}

	for _, acct := range []string{"acct-1", "acct-2"} {
		count, _ := repo.CountByAccount(acct)
		if count != 1 {
			t.Errorf("expected 1 message for %s, got %d", acct, count)
		}
	}
}

func TestCountByFolder(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	batch := []provider.Mutation{
		messageMutation("msg-1", "a"),
		messageMutation("msg-2", "b"),
	}
	sent := messageMutation("msg-3", "c")
	sent.Message.FolderID = "SENT"
	batch = append(batch, sent)

	if _, err := repo.ApplyDirect("acct-1", batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	counts, err := repo.CountByFolder("acct-1")
	if err != nil {
		t.Fatalf("count by folder failed: %v", err)
	}
	if counts["INBOX"] != 2 || counts["SENT"] != 1 {
		t.Fatalf("unexpected folder counts: %v", counts)
	}
}

func TestApplyDirect_FolderUpsert(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepository(db)

	folder := provider.Mutation{Type: provider.MutationFolderUpdated, FolderID: "Label_1", FolderName: "Receipts"}
	for _, name := range []string{"Receipts", "Invoices"} {
		folder.FolderName = name
		if _, err := repo.ApplyDirect("acct-1", []provider.Mutation{folder}); err != nil {
			t.Fatalf("folder apply failed: %v", err)
		}
	}

	var folders []maildomain.Folder
	if err := db.Where("account_id = ?", "acct-1").Find(&folders).Error; err != nil {
		t.Fatalf("failed to list folders: %v", err)
	}
	if len(folders) != 1 {
		t.Fatalf("expected 1 folder after re-apply, got %d", len(folders))
	}
	if folders[0].Name != "Invoices" {
		t.Errorf("expected renamed folder, got %q", folders[0].Name)
	}
}
