package ledger

import (
	"fmt"
	"regexp"
)

const (
	// DefaultListLimit applies when a Filter carries no limit.
	DefaultListLimit = 100
	// MaxListLimit caps a single Query.
	MaxListLimit = 5000
)

var lookupKeyRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// ValidLookupKey reports whether k may be used as a lookup field name.
func ValidLookupKey(k string) bool {
	return lookupKeyRe.MatchString(k)
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Type         string
	FromSequence int64 // inclusive
	ToSequence   int64 // inclusive
	Since        int64 // occurred_at >= Since
	Until        int64 // occurred_at < Until
	Lookup       map[string]string
	Limit        int
}

// Normalize validates f and applies the default and maximum limit.
func (f Filter) Normalize() (Filter, error) {
	if f.FromSequence < 0 || f.ToSequence < 0 {
		return f, &ValidationError{Field: "sequence", Msg: "must be non-negative"}
	}
	if f.ToSequence > 0 && f.FromSequence > f.ToSequence {
		return f, &ValidationError{Field: "sequence", Msg: "from must not exceed to"}
	}
	for k := range f.Lookup {
		if !lookupKeyRe.MatchString(k) {
			return f, &ValidationError{Field: "lookup", Msg: fmt.Sprintf("unsupported key %q", k)}
		}
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f, nil
}

// Matches reports whether e satisfies every constraint in f except Limit.
func (f Filter) Matches(e *ChainEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.FromSequence > 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence > 0 && e.Sequence > f.ToSequence {
		return false
	}
	if f.Since > 0 && e.OccurredAt < f.Since {
		return false
	}
	if f.Until > 0 && e.OccurredAt >= f.Until {
		return false
	}
	for k, v := range f.Lookup {
		if e.Lookup[k] != v {
			return false
		}
	}
	return true
}
