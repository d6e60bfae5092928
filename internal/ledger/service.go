package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/canon"
	"github.com/jmerrifield20/ChainLedger/internal/lock"
	"go.uber.org/zap"
)

// Config tunes the Service. Zero values select the defaults.
type Config struct {
	MaxAttempts  int           // whole-append attempts on ErrConcurrencyConflict; default 5
	RetryBackoff time.Duration // base backoff between attempts; default 10ms
	VerifyLimit  int           // entries checked by Verify when no limit is given; default 500
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	if c.VerifyLimit <= 0 {
		c.VerifyLimit = 500
	}
	return c
}

// AppendRequest is the producer-supplied input to Append.
type AppendRequest struct {
	ChainKey   string
	Type       string
	Payload    any // any JSON-serialisable value; json.RawMessage is used as-is
	Actor      Actor
	OccurredAt int64             // epoch millis
	Lookup     map[string]string // optional denormalised filter fields

	// ExpectPrevious, when set, must equal the entry hash of the current
	// tail; otherwise the append fails with ErrStalePrevious.
	ExpectPrevious string
}

func (r *AppendRequest) validate() error {
	switch {
	case strings.TrimSpace(r.ChainKey) == "":
		return &ValidationError{Field: "chain_key", Msg: "is required"}
	case strings.TrimSpace(r.Type) == "":
		return &ValidationError{Field: "type", Msg: "is required"}
	case strings.TrimSpace(r.Actor.UserID) == "":
		return &ValidationError{Field: "actor.user_id", Msg: "is required"}
	case strings.TrimSpace(r.Actor.Role) == "":
		return &ValidationError{Field: "actor.role", Msg: "is required"}
	case r.OccurredAt <= 0:
		return &ValidationError{Field: "occurred_at", Msg: "is required"}
	}
	for k := range r.Lookup {
		if !lookupKeyRe.MatchString(k) {
			return &ValidationError{Field: "lookup", Msg: fmt.Sprintf("unsupported key %q", k)}
		}
	}
	return nil
}

// Service is the append and verification front of the ledger. It is the
// only component permitted to write chain events.
type Service struct {
	store     Store
	locker    lock.Locker
	publisher Publisher       // nil = no out-of-band dispatch
	onMetrics MetricsRecorder // nil = no metrics
	cfg       Config
	logger    *zap.Logger
}

// NewService creates a Service. locker may be nil, in which case appends are
// serialised per chain key within this process only.
func NewService(store Store, locker lock.Locker, cfg Config, logger *zap.Logger) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		store:  store,
		locker: locker,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// SetPublisher configures the out-of-band receiver of persisted entries.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

func (s *Service) record(op string, success bool) {
	if s.onMetrics != nil {
		s.onMetrics(op, success)
	}
}

// Append validates req, links it to the current tail of its chain and
// persists it. The returned entry is exactly what was stored.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*ChainEvent, error) {
	if err := req.validate(); err != nil {
		s.record("append", false)
		return nil, err
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		s.record("append", false)
		return nil, &ValidationError{Field: "payload", Msg: err.Error()}
	}
	payloadHash := canon.Hash(payload)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.backoff(ctx, attempt); err != nil {
				s.record("append", false)
				return nil, storeErr("append", err)
			}
		}

		entry, err := s.appendOnce(ctx, &req, payload, payloadHash)
		if err == nil {
			s.record("append", true)
			s.logger.Debug("ledger entry appended",
				zap.String("chain_key", entry.ChainKey),
				zap.Int64("sequence", entry.Sequence),
				zap.String("type", entry.Type),
				zap.Int("attempt", attempt),
			)
			if s.publisher != nil {
				s.publisher.Publish(entry.Clone())
			}
			return entry, nil
		}
		if errors.Is(err, ErrStalePrevious) || !errors.Is(err, ErrConcurrencyConflict) {
			s.record("append", false)
			return nil, err
		}

		lastErr = err
		s.logger.Debug("ledger append conflict, retrying",
			zap.String("chain_key", req.ChainKey),
			zap.Int("attempt", attempt),
		)
	}

	s.record("append", false)
	s.logger.Warn("ledger append gave up after repeated conflicts",
		zap.String("chain_key", req.ChainKey),
		zap.Int("attempts", s.cfg.MaxAttempts),
	)
	return nil, fmt.Errorf("append to %q after %d attempts: %w", req.ChainKey, s.cfg.MaxAttempts, lastErr)
}

// appendOnce performs one locked read-tail/compute/insert cycle.
func (s *Service) appendOnce(ctx context.Context, req *AppendRequest, payload json.RawMessage, payloadHash string) (*ChainEvent, error) {
	unlock, err := s.locker.Lock(ctx, req.ChainKey)
	if err != nil {
		return nil, storeErr("lock", err)
	}
	defer unlock()

	tail, err := s.store.Tail(ctx, req.ChainKey)
	if err != nil {
		return nil, storeErr("tail", err)
	}

	if req.ExpectPrevious != "" && (tail == nil || tail.EntryHash != req.ExpectPrevious) {
		return nil, ErrStalePrevious
	}

	entry := &ChainEvent{
		ChainKey:        req.ChainKey,
		Sequence:        1,
		Type:            req.Type,
		Actor:           req.Actor,
		OccurredAt:      req.OccurredAt,
		Payload:         append(json.RawMessage(nil), payload...),
		PayloadHash:     payloadHash,
		SchemaVersion:   SchemaVersion,
		IntegrityStatus: StatusUnverified,
		Lookup:          maps.Clone(req.Lookup),
	}
	if tail != nil {
		prev := tail.EntryHash
		entry.Sequence = tail.Sequence + 1
		entry.PreviousHash = &prev
	}

	entry.EntryHash, err = ComputeEntryHash(entry)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		return nil, storeErr("insert", err)
	}
	return entry, nil
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	base := s.cfg.RetryBackoff * time.Duration(attempt-1)
	d := base + rand.N(s.cfg.RetryBackoff)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func encodePayload(p any) (json.RawMessage, error) {
	if raw, ok := p.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return canon.EncodeJSON(raw)
	}
	return canon.Encode(p)
}

// ListEntries returns the raw entries of chainKey matching f, ordered by
// sequence. Any derived projection (running balances and the like) is left
// to the caller.
func (s *Service) ListEntries(ctx context.Context, chainKey string, f Filter) ([]*ChainEvent, error) {
	if strings.TrimSpace(chainKey) == "" {
		return nil, &ValidationError{Field: "chain_key", Msg: "is required"}
	}
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Query(ctx, chainKey, f)
	if err != nil {
		s.record("list", false)
		return nil, storeErr("query", err)
	}
	s.record("list", true)
	return entries, nil
}

// Get returns the entry of chainKey at sequence.
func (s *Service) Get(ctx context.Context, chainKey string, sequence int64) (*ChainEvent, error) {
	e, err := s.store.Get(ctx, chainKey, sequence)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get", err)
	}
	return e, nil
}

// Tail returns the latest entry of chainKey, or nil for an empty chain.
func (s *Service) Tail(ctx context.Context, chainKey string) (*ChainEvent, error) {
	e, err := s.store.Tail(ctx, chainKey)
	if err != nil {
		return nil, storeErr("tail", err)
	}
	return e, nil
}

// Overview summarises a chain: its length and current root (tail hash).
type Overview struct {
	ChainKey string `json:"chain_key"`
	Entries  int64  `json:"entries"`
	Root     string `json:"root"`
}

// Overview returns the length and root hash of chainKey.
func (s *Service) Overview(ctx context.Context, chainKey string) (*Overview, error) {
	n, err := s.store.Count(ctx, chainKey)
	if err != nil {
		return nil, storeErr("count", err)
	}
	tail, err := s.Tail(ctx, chainKey)
	if err != nil {
		return nil, err
	}
	ov := &Overview{ChainKey: chainKey, Entries: n}
	if tail != nil {
		ov.Root = tail.EntryHash
	}
	return ov, nil
}
