package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for single-process deployments that do not require durable
// persistence across restarts. Entries are copied on the way in and out so
// callers can never mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*ChainEvent
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*ChainEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Tail implements Store.
func (m *MemoryStore) Tail(_ context.Context, chainKey string) (*ChainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[chainKey]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// Insert implements Store. The tail check and the append happen under one
// write lock, which makes the insert conditional.
func (m *MemoryStore) Insert(_ context.Context, e *ChainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[e.ChainKey]
	var tailSeq int64
	var tailHash string
	if len(chain) > 0 {
		tailSeq, tailHash = chain[len(chain)-1].Sequence, chain[len(chain)-1].EntryHash
	}
	if !tailMatches(e, tailSeq, tailHash) {
		return ErrConcurrencyConflict
	}

	e.ID = uuid.NewString()
	e.RecordedAt = m.now()
	m.chains[e.ChainKey] = append(chain, e.Clone())
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, chainKey string, f Filter) ([]*ChainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChainEvent
	for _, e := range m.chains[chainKey] {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, chainKey string, sequence int64) (*ChainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.chains[chainKey] {
		if e.Sequence == sequence {
			return e.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, chainKey string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chains[chainKey])), nil
}

// MarkIntegrity implements Store.
func (m *MemoryStore) MarkIntegrity(_ context.Context, chainKey string, from, to int64, status IntegrityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.chains[chainKey] {
		if e.Sequence >= from && e.Sequence <= to {
			e.IntegrityStatus = status
		}
	}
	return nil
}
