// Package audit re-verifies ledger chains in the background so tampering at
// rest is noticed without waiting for a client to ask.
package audit

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// Audit results passed to the metrics recorder.
const (
	ResultIntact = "intact"
	ResultBroken = "broken"
	ResultError  = "error"
)

// Config holds auditor configuration.
type Config struct {
	Interval    time.Duration // default 5m
	Limit       int           // entries per chain; 0 uses the verifier default
	Concurrency int           // chains verified at once; default 4
}

// Verifier replays a chain. *ledger.Service implements it.
type Verifier interface {
	Verify(ctx context.Context, chainKey string, limit int) (*ledger.Report, error)
}

// BreakFunc is called once when a chain goes from intact (or unknown) to broken.
type BreakFunc func(ctx context.Context, report *ledger.Report)

// MetricsRecorder is called with one of the Result constants per chain check.
type MetricsRecorder func(result string)

// ChainStatus is the last known state of an audited chain.
type ChainStatus struct {
	OK        bool
	CheckedAt time.Time
	Report    *ledger.Report
	Err       string
}

// Auditor periodically verifies a fixed set of chains.
type Auditor struct {
	verifier  Verifier
	chains    []string
	cfg       Config
	onBreak   BreakFunc
	onMetrics MetricsRecorder
	logger    *zap.Logger

	mu     sync.Mutex
	status map[string]ChainStatus
}

// New creates an Auditor over chains.
func New(verifier Verifier, chains []string, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Auditor{
		verifier: verifier,
		chains:   append([]string(nil), chains...),
		cfg:      cfg,
		logger:   logger,
		status:   make(map[string]ChainStatus, len(chains)),
	}
}

// OnBreak configures the callback fired when a chain is first seen broken.
func (a *Auditor) OnBreak(fn BreakFunc) {
	a.onBreak = fn
}

// SetMetricsRecorder configures the metrics callback.
func (a *Auditor) SetMetricsRecorder(fn MetricsRecorder) {
	a.onMetrics = fn
}

// Start runs CheckAll every interval until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, a.cfg.Interval)
			a.CheckAll(runCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every chain with bounded concurrency and returns how many
// are currently broken.
func (a *Auditor) CheckAll(ctx context.Context) int {
	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, chainKey := range a.chains {
		wg.Add(1)
		go func(chainKey string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			a.check(ctx, chainKey)
		}(chainKey)
	}
	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	broken := 0
	for _, s := range a.status {
		if s.Report != nil && !s.OK {
			broken++
		}
	}
	return broken
}

func (a *Auditor) check(ctx context.Context, chainKey string) {
	report, err := a.verifier.Verify(ctx, chainKey, a.cfg.Limit)
	now := time.Now().UTC()

	if err != nil {
		a.record(ResultError)
		a.logger.Warn("audit: verify failed", zap.String("chain_key", chainKey), zap.Error(err))
		a.mu.Lock()
		prev := a.status[chainKey]
		prev.CheckedAt = now
		prev.Err = err.Error()
		a.status[chainKey] = prev
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	prev, seen := a.status[chainKey]
	a.status[chainKey] = ChainStatus{OK: report.OK, CheckedAt: now, Report: report}
	a.mu.Unlock()

	wasBroken := seen && prev.Report != nil && !prev.OK
	switch {
	case report.OK:
		a.record(ResultIntact)
		if wasBroken {
			a.logger.Info("audit: chain intact again", zap.String("chain_key", chainKey))
		}
	default:
		a.record(ResultBroken)
		if wasBroken {
			return
		}
		a.logger.Error("audit: chain integrity broken",
			zap.String("chain_key", chainKey),
			zap.Int64("broken_sequence", report.BrokenSequence),
			zap.String("reason", string(report.Reason)),
			zap.String("expected", report.Expected),
			zap.String("actual", report.Actual),
		)
		if a.onBreak != nil {
			a.onBreak(ctx, report)
		}
	}
}

func (a *Auditor) record(result string) {
	if a.onMetrics != nil {
		a.onMetrics(result)
	}
}

// Status returns a snapshot of the last result per chain.
func (a *Auditor) Status() map[string]ChainStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.status)
}
