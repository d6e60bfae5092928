package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

var landlord = ledger.Actor{UserID: "u1", Role: "landlord"}

func newService(t *testing.T, store ledger.Store) *ledger.Service {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	return ledger.NewService(store, nil, ledger.Config{}, zap.NewNop())
}

func rentCharged(chainKey string, amount int) ledger.AppendRequest {
	return ledger.AppendRequest{
		ChainKey:   chainKey,
		Type:       "RENT_CHARGED",
		Payload:    map[string]any{"amount": amount},
		Actor:      landlord,
		OccurredAt: 1700000000000,
	}
}

func TestAppend_rentChargedScenario(t *testing.T) {
	svc := newService(t, nil)

	e1, err := svc.Append(ctx, rentCharged("landlord-1", 1450))
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Nil(t, e1.PreviousHash)
	assert.NotEmpty(t, e1.ID)
	assert.Equal(t, ledger.StatusUnverified, e1.IntegrityStatus)
	assert.Equal(t, ledger.SchemaVersion, e1.SchemaVersion)
	assert.Equal(t, `{"amount":1450}`, string(e1.Payload))
	assert.Equal(t, "4451a8c3869076dbba221af84eb75eba6bec8ae136afea2640b9c0433e518337", e1.PayloadHash)
	assert.Equal(t, "513ab7d81da1cddf1b2a037c6fd8580ddffe31c2f6456895c68ef1fb9b4fec04", e1.EntryHash)

	e2, err := svc.Append(ctx, ledger.AppendRequest{
		ChainKey:   "landlord-1",
		Type:       "PAYMENT_RECORDED",
		Payload:    map[string]any{"amount": 1450, "method": "ach"},
		Actor:      landlord,
		OccurredAt: 1700000100000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.Sequence)
	require.NotNil(t, e2.PreviousHash)
	assert.Equal(t, e1.EntryHash, *e2.PreviousHash)

	report, err := svc.Verify(ctx, "landlord-1", 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Reason)
}

func TestAppend_entryHashIgnoresLookupAndRecordedAt(t *testing.T) {
	a := newService(t, nil)
	b := newService(t, nil)

	plain, err := a.Append(ctx, rentCharged("landlord-1", 1450))
	require.NoError(t, err)

	req := rentCharged("landlord-1", 1450)
	req.Lookup = map[string]string{"tenant_id": "t-9"}
	withLookup, err := b.Append(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, plain.EntryHash, withLookup.EntryHash)
	assert.Equal(t, "t-9", withLookup.Lookup["tenant_id"])
}

func TestAppend_rawPayloadHashesLikeValue(t *testing.T) {
	svc := newService(t, nil)

	req := rentCharged("landlord-1", 0)
	req.Payload = json.RawMessage(`{ "b": [1, 2], "a": "x" }`)
	e, err := svc.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1,2]}`, string(e.Payload))

	want, err := ledger.ComputePayloadHash(json.RawMessage(`{"a":"x","b":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, want, e.PayloadHash)
}

func TestAppend_rejectsNumbersADoubleCannotHold(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := newService(t, store)

	for _, payload := range []any{
		json.RawMessage(`{"ref":9007199254740993}`),
		map[string]any{"ref": int64(1<<53 + 1)},
		json.RawMessage(`{"amount":0.1000000000000000000001}`),
	} {
		req := rentCharged("landlord-1", 0)
		req.Payload = payload
		_, err := svc.Append(ctx, req)

		var vErr *ledger.ValidationError
		require.ErrorAs(t, err, &vErr, "payload %v", payload)
		assert.Equal(t, "payload", vErr.Field)
	}

	n, err := store.Count(ctx, "landlord-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	req := rentCharged("landlord-1", 0)
	req.Payload = json.RawMessage(`{"ref":9007199254740992}`)
	e, err := svc.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, `{"ref":9007199254740992}`, string(e.Payload))
}

func TestAppend_validation(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := newService(t, store)

	tests := []struct {
		name  string
		mut   func(r *ledger.AppendRequest)
		field string
	}{
		{"missing chain key", func(r *ledger.AppendRequest) { r.ChainKey = " " }, "chain_key"},
		{"missing type", func(r *ledger.AppendRequest) { r.Type = "" }, "type"},
		{"missing user id", func(r *ledger.AppendRequest) { r.Actor.UserID = "" }, "actor.user_id"},
		{"missing role", func(r *ledger.AppendRequest) { r.Actor.Role = "" }, "actor.role"},
		{"missing occurred at", func(r *ledger.AppendRequest) { r.OccurredAt = 0 }, "occurred_at"},
		{"bad lookup key", func(r *ledger.AppendRequest) { r.Lookup = map[string]string{"x'; --": "1"} }, "lookup"},
		{"unserialisable payload", func(r *ledger.AppendRequest) { r.Payload = make(chan int) }, "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := rentCharged("landlord-1", 100)
			tt.mut(&req)
			_, err := svc.Append(ctx, req)

			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}

	n, err := store.Count(ctx, "landlord-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_concurrentSameChain(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := newService(t, store)

	const k = 50
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Append(ctx, rentCharged("landlord-1", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	entries, err := svc.ListEntries(ctx, "landlord-1", ledger.Filter{Limit: k + 10})
	require.NoError(t, err)
	require.Len(t, entries, k)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	report, err := svc.Verify(ctx, "landlord-1", 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, k, report.Checked)
}

func TestAppend_independentChains(t *testing.T) {
	svc := newService(t, nil)

	var wg sync.WaitGroup
	for _, key := range []string{"A", "B"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(key string, i int) {
				defer wg.Done()
				_, err := svc.Append(ctx, rentCharged(key, i))
				assert.NoError(t, err)
			}(key, i)
		}
	}
	wg.Wait()

	hashes := map[string]map[string]bool{"A": {}, "B": {}}
	for key := range hashes {
		entries, err := svc.ListEntries(ctx, key, ledger.Filter{})
		require.NoError(t, err)
		require.Len(t, entries, 20)
		for _, e := range entries {
			hashes[key][e.EntryHash] = true
		}
	}
	for _, pair := range [][2]string{{"A", "B"}, {"B", "A"}} {
		entries, err := svc.ListEntries(ctx, pair[0], ledger.Filter{})
		require.NoError(t, err)
		for _, e := range entries {
			if e.PreviousHash != nil {
				assert.False(t, hashes[pair[1]][*e.PreviousHash], "chain %s links into %s", pair[0], pair[1])
			}
		}
	}

	for _, key := range []string{"A", "B"} {
		report, err := svc.Verify(ctx, key, 0)
		require.NoError(t, err)
		assert.True(t, report.OK, key)
	}
}

// conflictingStore loses the tail race a fixed number of times.
type conflictingStore struct {
	*ledger.MemoryStore
	mu        sync.Mutex
	conflicts int
	inserts   int
}

func (c *conflictingStore) Insert(ctx context.Context, e *ledger.ChainEvent) error {
	c.mu.Lock()
	c.inserts++
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return ledger.ErrConcurrencyConflict
	}
	c.mu.Unlock()
	return c.MemoryStore.Insert(ctx, e)
}

func TestAppend_retriesConflicts(t *testing.T) {
	store := &conflictingStore{MemoryStore: ledger.NewMemoryStore(), conflicts: 2}
	svc := newService(t, store)

	e, err := svc.Append(ctx, rentCharged("landlord-1", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
	assert.Equal(t, 3, store.inserts)
}

func TestAppend_conflictSurfacesAfterMaxAttempts(t *testing.T) {
	store := &conflictingStore{MemoryStore: ledger.NewMemoryStore(), conflicts: 100}
	svc := ledger.NewService(store, nil, ledger.Config{MaxAttempts: 3}, zap.NewNop())

	_, err := svc.Append(ctx, rentCharged("landlord-1", 1))
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.Equal(t, 3, store.inserts)

	n, err := store.Count(ctx, "landlord-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// brokenStore simulates an unreachable persistence collaborator.
type brokenStore struct {
	*ledger.MemoryStore
}

var errUnreachable = errors.New("connection refused")

func (brokenStore) Tail(context.Context, string) (*ledger.ChainEvent, error) {
	return nil, errUnreachable
}

func TestAppend_storeError(t *testing.T) {
	svc := newService(t, brokenStore{ledger.NewMemoryStore()})

	_, err := svc.Append(ctx, rentCharged("landlord-1", 1))
	var sErr *ledger.StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "tail", sErr.Op)
	assert.ErrorIs(t, err, errUnreachable)
}

type collectingPublisher struct {
	mu      sync.Mutex
	entries []*ledger.ChainEvent
}

func (p *collectingPublisher) Publish(e *ledger.ChainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func TestAppend_publishesPersistedEntries(t *testing.T) {
	svc := newService(t, nil)
	pub := &collectingPublisher{}
	svc.SetPublisher(pub)

	var ops []string
	svc.SetMetricsRecorder(func(op string, success bool) {
		ops = append(ops, fmt.Sprintf("%s:%t", op, success))
	})

	e, err := svc.Append(ctx, rentCharged("landlord-1", 1))
	require.NoError(t, err)
	_, err = svc.Append(ctx, ledger.AppendRequest{})
	require.Error(t, err)

	require.Len(t, pub.entries, 1)
	assert.Equal(t, e.EntryHash, pub.entries[0].EntryHash)
	assert.Equal(t, []string{"append:true", "append:false"}, ops)
}

func TestListEntries_filters(t *testing.T) {
	svc := newService(t, nil)

	for i := 1; i <= 6; i++ {
		req := rentCharged("landlord-1", i*100)
		req.OccurredAt = int64(1700000000000 + i)
		if i%2 == 0 {
			req.Type = "PAYMENT_RECORDED"
			req.Lookup = map[string]string{"tenant_id": "t-1"}
		}
		_, err := svc.Append(ctx, req)
		require.NoError(t, err)
	}

	byType, err := svc.ListEntries(ctx, "landlord-1", ledger.Filter{Type: "PAYMENT_RECORDED"})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	window, err := svc.ListEntries(ctx, "landlord-1", ledger.Filter{FromSequence: 2, ToSequence: 4})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(2), window[0].Sequence)

	byTime, err := svc.ListEntries(ctx, "landlord-1", ledger.Filter{Since: 1700000000003, Until: 1700000000005})
	require.NoError(t, err)
	assert.Len(t, byTime, 2)

	byLookup, err := svc.ListEntries(ctx, "landlord-1", ledger.Filter{Lookup: map[string]string{"tenant_id": "t-1"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byLookup, 2)

	_, err = svc.ListEntries(ctx, "landlord-1", ledger.Filter{FromSequence: 5, ToSequence: 2})
	var vErr *ledger.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestOverviewAndGet(t *testing.T) {
	svc := newService(t, nil)

	ov, err := svc.Overview(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, ov.Entries)
	assert.Empty(t, ov.Root)

	_, err = svc.Append(ctx, rentCharged("landlord-1", 1))
	require.NoError(t, err)
	e2, err := svc.Append(ctx, rentCharged("landlord-1", 2))
	require.NoError(t, err)

	ov, err = svc.Overview(ctx, "landlord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ov.Entries)
	assert.Equal(t, e2.EntryHash, ov.Root)

	got, err := svc.Get(ctx, "landlord-1", 2)
	require.NoError(t, err)
	assert.Equal(t, e2.ID, got.ID)

	_, err = svc.Get(ctx, "landlord-1", 3)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAppend_expectPrevious(t *testing.T) {
	store := &conflictingStore{MemoryStore: ledger.NewMemoryStore()}
	svc := newService(t, store)

	e1, err := svc.Append(ctx, rentCharged("landlord-1", 1))
	require.NoError(t, err)

	req := rentCharged("landlord-1", 2)
	req.ExpectPrevious = e1.EntryHash
	e2, err := svc.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, *e2.PreviousHash)

	inserts := store.inserts
	_, err = svc.Append(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrStalePrevious)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.Equal(t, inserts, store.inserts, "stale precondition must not reach the store")

	req = rentCharged("empty", 1)
	req.ExpectPrevious = e1.EntryHash
	_, err = svc.Append(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrStalePrevious)
}
