// Package canon implements the canonical JSON encoding and content hashing
// used as the sole input to every hash the ledger computes.
//
// Encoding follows RFC 8785 (JSON Canonicalization Scheme): object keys are
// sorted by UTF-16 code units, array order is preserved, strings and numbers
// use the ES6 JSON serialisation and no insignificant whitespace is emitted.
// Values are first marshalled with encoding/json, so struct tags decide field
// names and `omitempty` is how a field is marked absent (as opposed to an
// explicit JSON null).
//
// Numbers must survive the IEEE-754 double round trip that RFC 8785 implies:
// a literal whose value changes when read as a float64 (integers beyond
// 2^53, over-long fractions, out-of-range exponents) is rejected with
// ErrUnsafeNumber instead of being silently rounded.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// ErrUnsafeNumber reports a JSON number that a float64 cannot hold exactly.
var ErrUnsafeNumber = errors.New("canon: number is not exactly representable as a double")

// Encode returns the canonical JSON form of v.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return EncodeJSON(raw)
}

// EncodeJSON canonicalises an already-serialised JSON document. Any JSON
// value is accepted, including top-level scalars and null.
func EncodeJSON(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("canon: empty document")
	}
	if err := checkNumbers(raw); err != nil {
		return nil, err
	}

	// jcs only accepts an object or array at the top level, so the value is
	// wrapped in a single-element array and unwrapped afterwards.
	wrapped := make([]byte, 0, len(raw)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, ']')

	out, err := jcs.Transform(wrapped)
	if err != nil {
		return nil, fmt.Errorf("canon: transform: %w", err)
	}
	if len(out) < 2 || out[0] != '[' || out[len(out)-1] != ']' {
		return nil, fmt.Errorf("canon: unexpected canonical form %q", out)
	}
	return out[1 : len(out)-1], nil
}

// String is Encode returning a string.
func String(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lower-case hex SHA-256 digest of data (64 characters).
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue returns Hash(Encode(v)).
func HashValue(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashJSON returns Hash(EncodeJSON(raw)).
func HashJSON(raw []byte) (string, error) {
	b, err := EncodeJSON(raw)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// checkNumbers walks raw and fails on the first number literal whose value
// is not preserved by float64 conversion.
func checkNumbers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("canon: decode: %w", err)
		}
		if n, ok := tok.(json.Number); ok && !exactDouble(string(n)) {
			return fmt.Errorf("%w: %s", ErrUnsafeNumber, n)
		}
	}
}

// exactDouble reports whether the decimal literal lit denotes the same value
// as the shortest float64 formatting of its parsed value.
func exactDouble(lit string) bool {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false
	}
	if f == 0 {
		// Underflow parses to zero; only a literal with no non-zero digit in
		// its mantissa really is zero.
		mantissa, _, _ := strings.Cut(strings.ToLower(lit), "e")
		return strings.Trim(mantissa, "-+0.") == ""
	}
	want, ok := new(big.Rat).SetString(lit)
	if !ok {
		return false
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return false
	}
	return want.Cmp(got) == 0
}
