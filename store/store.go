package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Operation is one persisted CRDT update.
type Operation struct {
	OpID      string // content fingerprint of Update, the idempotency key
	DocID     string
	UserID    string
	Update    []byte // opaque engine-produced update
	Lamport   int64  // insertion-time logical clock, display ordering only
	CreatedAt time.Time
}

// Snapshot is the single latest full-state checkpoint of a document.
type Snapshot struct {
	DocID   string
	Data    []byte
	Version int64 // strictly increasing per document
	TakenAt time.Time
}

// OpID returns the content fingerprint of an update, used to absorb
// duplicate delivery from retries or at-least-once transport.
func OpID(update []byte) string {
	sum := sha256.Sum256(update)
	return hex.EncodeToString(sum[:])
}

// OperationStore is the durable, append-only operation log.
// Implementations: MemoryStore, FirestoreStore.
type OperationStore interface {
	// Append persists op unless an operation with the same OpID already
	// exists, in which case it reports applied=false without error.
	Append(ctx context.Context, op Operation) (applied bool, err error)

	// ListSince returns a document's operations created at or after the
	// given time, in creation order. A zero time returns everything.
	ListSince(ctx context.Context, docID string, after time.Time) ([]Operation, error)

	// PruneOlderThan deletes a document's operations created before cutoff.
	// Callers only prune operations already captured by a snapshot.
	PruneOlderThan(ctx context.Context, docID string, cutoff time.Time) error
}

// SnapshotStore persists one latest snapshot per document.
type SnapshotStore interface {
	// SaveSnapshot overwrites the document's snapshot. The version must be
	// greater than the stored one; non-increasing versions are rejected.
	SaveSnapshot(ctx context.Context, docID string, data []byte, version int64) error

	// LoadSnapshot returns the latest snapshot, or nil when the document
	// has none.
	LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error)
}
