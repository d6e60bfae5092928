package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/canon"
)

// SchemaVersion is the hashable-projection format version. It is part of the
// projection so that any future format change is detectable.
const SchemaVersion = 1

// IntegrityStatus is the advisory cache of an entry's last verification
// outcome. Recomputation is always authoritative.
type IntegrityStatus string

const (
	StatusUnverified IntegrityStatus = "unverified"
	StatusVerified   IntegrityStatus = "verified"
	StatusBroken     IntegrityStatus = "broken"
)

// Valid reports whether s is a known status.
func (s IntegrityStatus) Valid() bool {
	switch s {
	case StatusUnverified, StatusVerified, StatusBroken:
		return true
	}
	return false
}

// Actor identifies who caused an event.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// ChainEvent is a single ledger entry.
type ChainEvent struct {
	ID              string            `json:"id"`
	ChainKey        string            `json:"chain_key"`
	Sequence        int64             `json:"sequence"`
	PreviousHash    *string           `json:"previous_hash"`
	Type            string            `json:"type"`
	Actor           Actor             `json:"actor"`
	OccurredAt      int64             `json:"occurred_at"` // epoch millis, caller supplied
	Payload         json.RawMessage   `json:"payload"`
	PayloadHash     string            `json:"payload_hash"`
	EntryHash       string            `json:"entry_hash"`
	SchemaVersion   int               `json:"schema_version"`
	IntegrityStatus IntegrityStatus   `json:"integrity_status"`
	RecordedAt      time.Time         `json:"recorded_at"`
	Lookup          map[string]string `json:"lookup,omitempty"` // denormalised filter fields, never hashed
}

// PrevHash returns the previous hash or "" for the first entry.
func (e *ChainEvent) PrevHash() string {
	if e.PreviousHash == nil {
		return ""
	}
	return *e.PreviousHash
}

// Clone returns a deep copy of e.
func (e *ChainEvent) Clone() *ChainEvent {
	c := *e
	if e.PreviousHash != nil {
		h := *e.PreviousHash
		c.PreviousHash = &h
	}
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Lookup != nil {
		c.Lookup = make(map[string]string, len(e.Lookup))
		for k, v := range e.Lookup {
			c.Lookup[k] = v
		}
	}
	return &c
}

// projection is the hashable subset of a ChainEvent. Payload, ID, RecordedAt,
// Lookup and IntegrityStatus are deliberately absent.
type projection struct {
	ChainKey      string  `json:"chain_key"`
	Type          string  `json:"type"`
	Sequence      int64   `json:"sequence"`
	PreviousHash  *string `json:"previous_hash"`
	PayloadHash   string  `json:"payload_hash"`
	Actor         Actor   `json:"actor"`
	OccurredAt    int64   `json:"occurred_at"`
	SchemaVersion int     `json:"schema_version"`
}

func projectionOf(e *ChainEvent) projection {
	return projection{
		ChainKey:      e.ChainKey,
		Type:          e.Type,
		Sequence:      e.Sequence,
		PreviousHash:  e.PreviousHash,
		PayloadHash:   e.PayloadHash,
		Actor:         e.Actor,
		OccurredAt:    e.OccurredAt,
		SchemaVersion: e.SchemaVersion,
	}
}

// ComputePayloadHash returns the content hash of the canonical payload.
func ComputePayloadHash(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	h, err := canon.HashJSON(payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return h, nil
}

// ComputeEntryHash returns the hash of e's hashable projection, using the
// stored sequence, previous hash and payload hash.
func ComputeEntryHash(e *ChainEvent) (string, error) {
	h, err := canon.HashValue(projectionOf(e))
	if err != nil {
		return "", fmt.Errorf("hash entry projection: %w", err)
	}
	return h, nil
}
