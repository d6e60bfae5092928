// Package ledger implements a tamper-evident, hash-linked event log.
//
// Every chain key (a landlord id, a tenant stream, ...) owns an independent
// chain whose entries carry a strictly increasing sequence number starting
// at 1. Each entry stores the SHA-256 of its canonical payload and an entry
// hash over a fixed projection of its fields, including the previous entry's
// hash. Altering, removing or reordering any persisted entry is detectable by
// replaying the chain with Verify.
//
// The Service is the only writer. Appends to one chain key are serialised by
// a per-key lock and guarded by the Store's conditional insert, so two
// concurrent appends can never commit colliding sequence numbers. Three
// Store implementations are provided:
//   - MemoryStore: in-process, for tests and development.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: durable, for single-node deployments.
package ledger

import "context"

// Store is the persistence collaborator used by the Service.
type Store interface {
	// Tail returns the highest-sequence entry for chainKey, or nil when the
	// chain is empty.
	Tail(ctx context.Context, chainKey string) (*ChainEvent, error)

	// Insert persists e as the next entry of its chain. It must fail with
	// ErrConcurrencyConflict, leaving nothing behind, when e.Sequence is not
	// exactly one past the stored tail or e.PreviousHash does not match the
	// tail's EntryHash. The store assigns e.ID and e.RecordedAt.
	Insert(ctx context.Context, e *ChainEvent) error

	// Query returns entries of chainKey matching f, ordered by sequence
	// ascending.
	Query(ctx context.Context, chainKey string, f Filter) ([]*ChainEvent, error)

	// Get returns the entry at the given sequence or ErrNotFound.
	Get(ctx context.Context, chainKey string, sequence int64) (*ChainEvent, error)

	// Count returns the number of entries in chainKey.
	Count(ctx context.Context, chainKey string) (int64, error)

	// MarkIntegrity records the advisory verification status for the
	// entries with from <= sequence <= to. It never touches hashed fields.
	MarkIntegrity(ctx context.Context, chainKey string, from, to int64, status IntegrityStatus) error
}

// Publisher receives every entry after it has been durably persisted.
// Implementations must not block; see anchor.Dispatcher.
type Publisher interface {
	Publish(e *ChainEvent)
}

// MetricsRecorder is an optional callback for recording operation outcomes.
type MetricsRecorder func(op string, success bool)
