package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// Dispatcher outcomes passed to the MetricsRecorder.
const (
	OutcomeAnchored = "anchored"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
)

// MetricsRecorder is an optional callback for recording anchoring outcomes.
type MetricsRecorder func(outcome string)

// Dispatcher anchors persisted entries on a bounded queue drained by a fixed
// set of workers. It implements ledger.Publisher; Publish never blocks.
type Dispatcher struct {
	anchor    Anchor
	queue     chan Subject
	workers   int
	timeout   time.Duration
	onMetrics MetricsRecorder
	onResult  func(Subject, Result)
	logger    *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Call Start before publishing.
func NewDispatcher(a Anchor, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		anchor:  a,
		queue:   make(chan Subject, queueSize),
		workers: workers,
		timeout: 30 * time.Second,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// OnResult registers a callback invoked after every anchoring attempt.
func (d *Dispatcher) OnResult(fn func(Subject, Result)) {
	d.onResult = fn
}

func (d *Dispatcher) record(outcome string) {
	if d.onMetrics != nil {
		d.onMetrics(outcome)
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("anchor dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.queue)),
	)
}

// Publish implements ledger.Publisher. When the queue is full or the
// dispatcher is stopped the entry is dropped and logged.
func (d *Dispatcher) Publish(e *ledger.ChainEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := SubjectOf(e)
	if d.stopped {
		d.drop(s, "dispatcher stopped")
		return
	}
	select {
	case d.queue <- s:
	default:
		d.drop(s, "queue full")
	}
}

func (d *Dispatcher) drop(s Subject, why string) {
	d.record(OutcomeDropped)
	d.logger.Warn("anchor: entry dropped",
		zap.String("chain_key", s.ChainKey),
		zap.Int64("sequence", s.Sequence),
		zap.String("reason", why),
	)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for s := range d.queue {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		res := d.anchor.Anchor(ctx, s)
		cancel()

		if res.Success {
			d.record(OutcomeAnchored)
			d.logger.Debug("entry anchored",
				zap.String("chain_key", s.ChainKey),
				zap.Int64("sequence", s.Sequence),
				zap.String("network", res.Network),
				zap.String("tx_id", res.TxID),
			)
		} else {
			d.record(OutcomeFailed)
			d.logger.Error("anchor: entry not anchored",
				zap.String("chain_key", s.ChainKey),
				zap.Int64("sequence", s.Sequence),
				zap.String("error", res.Error),
			)
		}
		if d.onResult != nil {
			d.onResult(s, res)
		}
	}
}

// Stop stops accepting entries and waits for queued ones to be anchored.
// If ctx expires first, in-flight anchoring is cancelled and ctx.Err() is
// returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
