// Package stream provides entity-keyed event streams (for example one per
// tenant) on top of the hash-chained ledger. Every stream is an ordinary
// ledger chain keyed "<stream type>:<stream id>", so envelopes get the same
// sequence counter, conditional append and verification as any chain event.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// HashAlgorithm is the content hash used for every envelope.
const HashAlgorithm = "sha256"

// Hash is the integrity block of an Envelope.
type Hash struct {
	Algorithm   string  `json:"algorithm"`
	ContentHash string  `json:"content_hash"`
	PrevHash    *string `json:"prev_hash"`
}

// Envelope is a domain event on an entity stream.
type Envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	StreamType string          `json:"stream_type"`
	StreamID   string          `json:"stream_id"`
	EventType  string          `json:"event_type"`
	Sequence   int64           `json:"sequence"`
	Actor      ledger.Actor    `json:"actor"`
	OccurredAt int64           `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Hash       Hash            `json:"hash"`
}

// body is what an envelope stores as its chain payload.
type body struct {
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// CreateRequest is the input to CreateEnvelope.
type CreateRequest struct {
	StreamType string
	StreamID   string
	EventType  string
	Payload    any
	Metadata   map[string]any
	Actor      ledger.Actor
	OccurredAt int64 // epoch millis; zero means now

	// PrevHashHint, when non-empty, must be the content hash of the latest
	// envelope on the stream (see LatestHash).
	PrevHashHint string
}

// ChainKey returns the ledger chain backing a stream.
func ChainKey(streamType, streamID string) string {
	return streamType + ":" + streamID
}

func validateStream(streamType, streamID string) error {
	switch {
	case strings.TrimSpace(streamType) == "":
		return &ledger.ValidationError{Field: "stream_type", Msg: "is required"}
	case strings.Contains(streamType, ":"):
		return &ledger.ValidationError{Field: "stream_type", Msg: `must not contain ":"`}
	case strings.TrimSpace(streamID) == "":
		return &ledger.ValidationError{Field: "stream_id", Msg: "is required"}
	}
	return nil
}

// Service creates, lists and verifies envelopes.
type Service struct {
	ledger *ledger.Service
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a stream Service writing through svc.
func NewService(svc *ledger.Service, logger *zap.Logger) *Service {
	return &Service{ledger: svc, logger: logger, now: time.Now}
}

// CreateEnvelope appends an envelope to its stream. A stale PrevHashHint
// fails with ledger.ErrStalePrevious.
func (s *Service) CreateEnvelope(ctx context.Context, req CreateRequest) (*Envelope, error) {
	if err := validateStream(req.StreamType, req.StreamID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.EventType) == "" {
		return nil, &ledger.ValidationError{Field: "event_type", Msg: "is required"}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "payload", Msg: err.Error()}
	}

	occurredAt := req.OccurredAt
	if occurredAt == 0 {
		occurredAt = s.now().UnixMilli()
	}

	lookup := map[string]string{
		"stream_type": req.StreamType,
		"stream_id":   req.StreamID,
	}
	if k := req.StreamType + "_id"; ledger.ValidLookupKey(k) {
		lookup[k] = req.StreamID
	}

	e, err := s.ledger.Append(ctx, ledger.AppendRequest{
		ChainKey:       ChainKey(req.StreamType, req.StreamID),
		Type:           req.EventType,
		Payload:        body{Payload: payload, Metadata: req.Metadata},
		Actor:          req.Actor,
		OccurredAt:     occurredAt,
		Lookup:         lookup,
		ExpectPrevious: req.PrevHashHint,
	})
	if err != nil {
		return nil, err
	}
	return fromChainEvent(req.StreamType, req.StreamID, e)
}

// LatestHash returns the content hash of the newest envelope on a stream, or
// "" for an empty stream. The value is suitable as a PrevHashHint.
func (s *Service) LatestHash(ctx context.Context, streamType, streamID string) (string, error) {
	if err := validateStream(streamType, streamID); err != nil {
		return "", err
	}
	tail, err := s.ledger.Tail(ctx, ChainKey(streamType, streamID))
	if err != nil || tail == nil {
		return "", err
	}
	return tail.EntryHash, nil
}

// List returns up to limit envelopes of a stream, oldest first.
func (s *Service) List(ctx context.Context, streamType, streamID string, limit int) ([]*Envelope, error) {
	if err := validateStream(streamType, streamID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.ListEntries(ctx, ChainKey(streamType, streamID), ledger.Filter{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Envelope, 0, len(entries))
	for _, e := range entries {
		env, err := fromChainEvent(streamType, streamID, e)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Verify checks the hash chain of a stream.
func (s *Service) Verify(ctx context.Context, streamType, streamID string, limit int) (*ledger.Report, error) {
	if err := validateStream(streamType, streamID); err != nil {
		return nil, err
	}
	return s.ledger.Verify(ctx, ChainKey(streamType, streamID), limit)
}

func fromChainEvent(streamType, streamID string, e *ledger.ChainEvent) (*Envelope, error) {
	var b body
	if err := json.Unmarshal(e.Payload, &b); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", e.ID, err)
	}
	return &Envelope{
		EnvelopeID: e.ID,
		StreamType: streamType,
		StreamID:   streamID,
		EventType:  e.Type,
		Sequence:   e.Sequence,
		Actor:      e.Actor,
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
		Payload:    b.Payload,
		Metadata:   b.Metadata,
		Hash: Hash{
			Algorithm:   HashAlgorithm,
			ContentHash: e.EntryHash,
			PrevHash:    e.PreviousHash,
		},
	}, nil
}
