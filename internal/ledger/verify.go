package ledger

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Report is the outcome of a verification run. A broken chain is reported
// here as data, never as an error.
type Report struct {
	ChainKey       string      `json:"chain_key"`
	OK             bool        `json:"ok"`
	Checked        int         `json:"checked"` // entries that passed every check
	FromSequence   int64       `json:"from_sequence"`
	BrokenAt       string      `json:"broken_at,omitempty"` // id of the first broken entry
	BrokenSequence int64       `json:"broken_sequence,omitempty"`
	Reason         BreakReason `json:"reason,omitempty"`
	Expected       string      `json:"expected,omitempty"`
	Actual         string      `json:"actual,omitempty"`
}

// Verify replays chainKey from its first entry, checking up to limit entries
// (the configured default when limit <= 0).
func (s *Service) Verify(ctx context.Context, chainKey string, limit int) (*Report, error) {
	return s.VerifyRange(ctx, chainKey, 1, limit)
}

// VerifyRange replays a window of chainKey starting at fromSequence. For a
// window not starting at 1 the stored entry hash of entry fromSequence-1 is
// taken as the expected previous hash; that anchor entry is trusted, so a
// full Verify is required to prove the whole prefix.
func (s *Service) VerifyRange(ctx context.Context, chainKey string, fromSequence int64, limit int) (*Report, error) {
	if strings.TrimSpace(chainKey) == "" {
		return nil, &ValidationError{Field: "chain_key", Msg: "is required"}
	}
	if fromSequence < 1 {
		fromSequence = 1
	}
	if limit <= 0 {
		limit = s.cfg.VerifyLimit
	}

	var expectedPrev *string
	if fromSequence > 1 {
		anchor, err := s.store.Get(ctx, chainKey, fromSequence-1)
		if err != nil {
			s.record("verify", false)
			return nil, storeErr("get", err)
		}
		h := anchor.EntryHash
		expectedPrev = &h
	}

	entries, err := s.store.Query(ctx, chainKey, Filter{FromSequence: fromSequence, Limit: limit})
	if err != nil {
		s.record("verify", false)
		return nil, storeErr("query", err)
	}

	report := checkChain(chainKey, fromSequence, expectedPrev, entries)
	s.record("verify", report.OK)
	if !report.OK {
		s.logger.Warn("ledger integrity check failed",
			zap.String("chain_key", chainKey),
			zap.Int64("sequence", report.BrokenSequence),
			zap.String("entry_id", report.BrokenAt),
			zap.String("reason", string(report.Reason)),
		)
	}

	s.cacheIntegrity(ctx, chainKey, fromSequence, report)
	return report, nil
}

// checkChain is the pure verification walk.
func checkChain(chainKey string, fromSequence int64, expectedPrev *string, entries []*ChainEvent) *Report {
	report := &Report{ChainKey: chainKey, OK: true, FromSequence: fromSequence}
	expectedSeq := fromSequence

	for _, e := range entries {
		fail := func(reason BreakReason, expected, actual string) *Report {
			report.OK = false
			report.BrokenAt = e.ID
			report.BrokenSequence = e.Sequence
			report.Reason = reason
			report.Expected = expected
			report.Actual = actual
			return report
		}

		payloadHash, err := ComputePayloadHash(e.Payload)
		if err != nil || payloadHash != e.PayloadHash {
			return fail(ReasonPayloadHashMismatch, e.PayloadHash, payloadHash)
		}

		entryHash, err := ComputeEntryHash(e)
		if err != nil || entryHash != e.EntryHash {
			return fail(ReasonEntryHashMismatch, e.EntryHash, entryHash)
		}

		if !sameHash(e.PreviousHash, expectedPrev) {
			return fail(ReasonChainLinkageMismatch, derefHash(expectedPrev), derefHash(e.PreviousHash))
		}

		if e.Sequence != expectedSeq {
			return fail(ReasonSequenceGap, strconv.FormatInt(expectedSeq, 10), strconv.FormatInt(e.Sequence, 10))
		}

		h := e.EntryHash
		expectedPrev = &h
		expectedSeq++
		report.Checked++
	}
	return report
}

// cacheIntegrity writes the advisory integrity_status. Failures are logged
// and never affect the report.
func (s *Service) cacheIntegrity(ctx context.Context, chainKey string, fromSequence int64, r *Report) {
	if r.Checked > 0 {
		to := fromSequence + int64(r.Checked) - 1
		if err := s.store.MarkIntegrity(ctx, chainKey, fromSequence, to, StatusVerified); err != nil {
			s.logger.Warn("update integrity cache", zap.String("chain_key", chainKey), zap.Error(err))
		}
	}
	if !r.OK && r.BrokenSequence > 0 {
		if err := s.store.MarkIntegrity(ctx, chainKey, r.BrokenSequence, r.BrokenSequence, StatusBroken); err != nil {
			s.logger.Warn("update integrity cache", zap.String("chain_key", chainKey), zap.Error(err))
		}
	}
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func derefHash(h *string) string {
	if h == nil {
		return "null"
	}
	return *h
}
