package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// eventColumns is the column order shared by every SQL Store.
const eventColumns = `id, chain_key, sequence, previous_hash, type, actor_user_id, actor_role,
	actor_email, occurred_at, payload, payload_hash, entry_hash, schema_version,
	integrity_status, lookup, recorded_at`

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) ph(n int) string {
	if d == dialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// buildQuery renders the filtered, sequence-ordered select for chainKey.
func buildQuery(d dialect, chainKey string, f Filter) (string, []any) {
	var sb strings.Builder
	args := []any{chainKey}
	fmt.Fprintf(&sb, "SELECT %s FROM chain_events WHERE chain_key = %s", eventColumns, d.ph(1))

	add := func(cond string, vals ...any) {
		phs := make([]any, len(vals))
		for i, v := range vals {
			args = append(args, v)
			phs[i] = d.ph(len(args))
		}
		sb.WriteString(" AND ")
		fmt.Fprintf(&sb, cond, phs...)
	}

	if f.Type != "" {
		add("type = %s", f.Type)
	}
	if f.FromSequence > 0 {
		add("sequence >= %s", f.FromSequence)
	}
	if f.ToSequence > 0 {
		add("sequence <= %s", f.ToSequence)
	}
	if f.Since > 0 {
		add("occurred_at >= %s", f.Since)
	}
	if f.Until > 0 {
		add("occurred_at < %s", f.Until)
	}
	if len(f.Lookup) > 0 {
		switch d {
		case dialectPostgres:
			b, _ := json.Marshal(f.Lookup)
			add("lookup @> %s::jsonb", string(b))
		default:
			for _, k := range sortedKeys(f.Lookup) {
				add("json_extract(lookup, %s) = %s", "$."+k, f.Lookup[k])
			}
		}
	}

	sb.WriteString(" ORDER BY sequence ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT %s", d.ph(len(args)))
	}
	return sb.String(), args
}

// tailMatches reports whether e is the correct successor of the stored tail
// (tailSeq == 0 for an empty chain).
func tailMatches(e *ChainEvent, tailSeq int64, tailHash string) bool {
	if e.Sequence != tailSeq+1 {
		return false
	}
	if tailSeq == 0 {
		return e.PreviousHash == nil
	}
	return e.PreviousHash != nil && *e.PreviousHash == tailHash
}

func marshalLookup(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal lookup: %w", err)
	}
	return string(b), nil
}

func unmarshalLookup(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode lookup: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
