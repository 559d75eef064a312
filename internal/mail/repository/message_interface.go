package repository

import (
	"mailsync-backend/pkg/provider"

	"gorm.io/gorm"
)

// MessageRepository is the single upsert path shared by the delta sync engine
// and webhook ingestion, so both benefit from the same conflict resolution
// and idempotence guarantees.
type MessageRepository interface {
	// ApplyMutations applies one batch of provider mutations inside the given
	// transaction. Re-applying a batch is a no-op on already-applied entries.
	// Returns the number of message mutations processed.
	ApplyMutations(tx *gorm.DB, accountID string, mutations []provider.Mutation) (int, error)
	// ApplyDirect wraps ApplyMutations in its own transaction, for callers
	// that do not advance a cursor (webhook ingestion).
	ApplyDirect(accountID string, mutations []provider.Mutation) (int, error)

	CountByFolder(accountID string) (map[string]int64, error)
	CountByAccount(accountID string) (int64, error)
}
