// Package anchor forwards persisted ledger entries to an external integrity
// anchor. Anchoring is advisory: the ledger's own proof never depends on it,
// and an anchoring failure never affects a persisted entry.
package anchor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
)

// Subject is what gets anchored: the identity and hash of one entry.
type Subject struct {
	ChainKey   string    `json:"chain_key"`
	Sequence   int64     `json:"sequence"`
	EntryID    string    `json:"entry_id"`
	EntryHash  string    `json:"entry_hash"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SubjectOf builds the Subject for a persisted entry.
func SubjectOf(e *ledger.ChainEvent) Subject {
	return Subject{
		ChainKey:   e.ChainKey,
		Sequence:   e.Sequence,
		EntryID:    e.ID,
		EntryHash:  e.EntryHash,
		RecordedAt: e.RecordedAt,
	}
}

// Result is the outcome of one anchoring attempt.
type Result struct {
	Success    bool      `json:"success"`
	Network    string    `json:"network,omitempty"`
	TxID       string    `json:"tx_id,omitempty"`
	AnchoredAt time.Time `json:"anchored_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Anchor is an external integrity anchor. Implementations report failure
// in the Result rather than as an error.
type Anchor interface {
	Anchor(ctx context.Context, s Subject) Result
}

// Simulated is an Anchor that succeeds without contacting anything.
type Simulated struct{}

// Anchor implements Anchor.
func (Simulated) Anchor(context.Context, Subject) Result {
	return Result{
		Success:    true,
		Network:    "simulated",
		TxID:       uuid.NewString(),
		AnchoredAt: time.Now().UTC(),
	}
}
