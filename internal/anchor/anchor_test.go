package anchor_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/anchor"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var subject = anchor.Subject{
	ChainKey:  "landlord-1",
	Sequence:  1,
	EntryID:   "e-1",
	EntryHash: "513ab7d81da1cddf1b2a037c6fd8580ddffe31c2f6456895c68ef1fb9b4fec04",
}

func TestSimulated(t *testing.T) {
	res := anchor.Simulated{}.Anchor(context.Background(), subject)
	assert.True(t, res.Success)
	assert.Equal(t, "simulated", res.Network)
	assert.NotEmpty(t, res.TxID)
	assert.False(t, res.AnchoredAt.IsZero())
	assert.Empty(t, res.Error)
}

func TestHTTPNotary_signsAndDecodesReceipt(t *testing.T) {
	var got anchor.Subject
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !anchor.VerifySignature(body, "s3cret", r.Header.Get(anchor.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"network":"opentimestamps","tx_id":"tx-1"}`))
	}))
	defer srv.Close()

	n := anchor.NewHTTPNotary(srv.URL, "s3cret", zap.NewNop())
	res := n.Anchor(context.Background(), subject)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "opentimestamps", res.Network)
	assert.Equal(t, "tx-1", res.TxID)
	assert.Equal(t, subject.EntryHash, got.EntryHash)
}

func TestHTTPNotary_retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := anchor.NewHTTPNotary(srv.URL, "", zap.NewNop())
	n.SetRetryDelays(time.Millisecond, time.Millisecond)
	res := n.Anchor(context.Background(), subject)

	assert.True(t, res.Success)
	assert.Equal(t, "notary", res.Network)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPNotary_givesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := anchor.NewHTTPNotary(srv.URL, "k", zap.NewNop())
	n.SetRetryDelays(time.Millisecond)
	res := n.Anchor(context.Background(), subject)

	assert.False(t, res.Success)
	assert.Equal(t, "HTTP 502", res.Error)
}

func TestVerifySignature_rejectsTamperedBody(t *testing.T) {
	body := []byte(`{"entry_hash":"aa"}`)
	sig := "sha256=" + "00"
	assert.False(t, anchor.VerifySignature(body, "k", sig))
}

// gatedAnchor blocks every call until release is closed.
type gatedAnchor struct {
	started chan anchor.Subject
	release chan struct{}
}

func (g *gatedAnchor) Anchor(ctx context.Context, s anchor.Subject) anchor.Result {
	g.started <- s
	select {
	case <-g.release:
		return anchor.Result{Success: true, Network: "test"}
	case <-ctx.Done():
		return anchor.Result{Error: ctx.Err().Error()}
	}
}

type outcomes struct {
	mu sync.Mutex
	m  map[string]int
}

func (o *outcomes) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[outcome]++
}

func (o *outcomes) get(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[outcome]
}

func TestDispatcher_dropsWhenFull(t *testing.T) {
	g := &gatedAnchor{started: make(chan anchor.Subject, 10), release: make(chan struct{})}
	d := anchor.NewDispatcher(g, 1, 1, zap.NewNop())
	o := &outcomes{m: map[string]int{}}
	d.SetMetricsRecorder(o.record)
	d.Start()

	d.Publish(&ledger.ChainEvent{ChainKey: "k", Sequence: 1})
	<-g.started // worker is busy with entry 1
	d.Publish(&ledger.ChainEvent{ChainKey: "k", Sequence: 2})
	d.Publish(&ledger.ChainEvent{ChainKey: "k", Sequence: 3})
	assert.Equal(t, 1, o.get(anchor.OutcomeDropped))

	close(g.release)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, 2, o.get(anchor.OutcomeAnchored))

	d.Publish(&ledger.ChainEvent{ChainKey: "k", Sequence: 4})
	assert.Equal(t, 2, o.get(anchor.OutcomeDropped))
}

func TestDispatcher_stopDeadlineCancelsInFlight(t *testing.T) {
	g := &gatedAnchor{started: make(chan anchor.Subject, 10), release: make(chan struct{})}
	d := anchor.NewDispatcher(g, 1, 4, zap.NewNop())
	o := &outcomes{m: map[string]int{}}
	d.SetMetricsRecorder(o.record)
	d.Start()

	d.Publish(&ledger.ChainEvent{ChainKey: "k", Sequence: 1})
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, o.get(anchor.OutcomeFailed))
}

func TestDispatcher_anchorsAppendedEntries(t *testing.T) {
	svc := ledger.NewService(ledger.NewMemoryStore(), nil, ledger.Config{}, zap.NewNop())
	d := anchor.NewDispatcher(anchor.Simulated{}, 2, 16, zap.NewNop())

	var mu sync.Mutex
	anchored := map[int64]anchor.Result{}
	d.OnResult(func(s anchor.Subject, r anchor.Result) {
		mu.Lock()
		defer mu.Unlock()
		anchored[s.Sequence] = r
	})
	d.Start()
	svc.SetPublisher(d)

	for i := 0; i < 5; i++ {
		_, err := svc.Append(context.Background(), ledger.AppendRequest{
			ChainKey:   "landlord-1",
			Type:       "RENT_CHARGED",
			Payload:    map[string]int{"amount": i},
			Actor:      ledger.Actor{UserID: "u1", Role: "landlord"},
			OccurredAt: 1700000000000,
		})
		require.NoError(t, err)
	}
	require.NoError(t, d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, anchored, 5)
	for seq, r := range anchored {
		assert.True(t, r.Success, "sequence %d", seq)
	}
}
