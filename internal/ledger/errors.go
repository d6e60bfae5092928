package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when an append lost a race for the
	// chain tail. The Service retries internally before surfacing it.
	ErrConcurrencyConflict = errors.New("ledger: chain tail advanced concurrently")

	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrStalePrevious is returned when an AppendRequest carries an
	// ExpectPrevious that no longer matches the chain tail. It is never
	// retried.
	ErrStalePrevious = fmt.Errorf("%w: expected previous hash is stale", ErrConcurrencyConflict)
)

// ValidationError reports a missing or malformed append field. It is raised
// before any hashing or persistence.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// StoreError wraps a failure of the persistence collaborator. No partial
// state is left behind; the caller should retry or surface the failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// BreakReason identifies which invariant a verification found violated.
type BreakReason string

const (
	ReasonPayloadHashMismatch  BreakReason = "payload_hash_mismatch"
	ReasonEntryHashMismatch    BreakReason = "entry_hash_mismatch"
	ReasonChainLinkageMismatch BreakReason = "chain_linkage_mismatch"
	ReasonSequenceGap          BreakReason = "sequence_gap"
)
