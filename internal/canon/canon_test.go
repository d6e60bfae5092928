package canon_test

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/jmerrifield20/ChainLedger/internal/canon"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	type actor struct {
		UserID string `json:"user_id"`
		Email  string `json:"email,omitempty"`
	}

	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"null", nil, `null`},
		{"bool", true, `true`},
		{"integer", 1450, `1450`},
		{"string", "rent", `"rent"`},
		{"unordered keys", map[string]any{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{"nested", map[string]any{"x": map[string]any{"z": 10, "y": 5}}, `{"x":{"y":5,"z":10}}`},
		{"array order kept", []any{3, 1, 2}, `[3,1,2]`},
		{"explicit null kept", map[string]any{"prev": nil}, `{"prev":null}`},
		{"absent field omitted", actor{UserID: "u1"}, `{"user_id":"u1"}`},
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"utf16 key order", map[string]any{"ﬁ": 1, "\U0001F600": 2, "z": 3}, "{\"z\":3,\"\U0001F600\":2,\"ﬁ\":1}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canon.Encode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeJSON_normalisesNumbersAndWhitespace(t *testing.T) {
	got, err := canon.EncodeJSON([]byte(` { "b" : [1.50, 1e2], "a" : "x" } `))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1.5,100]}`, string(got))
}

func TestEncodeJSON_rejectsInvalid(t *testing.T) {
	_, err := canon.EncodeJSON([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = canon.EncodeJSON(nil)
	assert.Error(t, err)
}

func TestEncodeJSON_numberPrecision(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string // empty when the document must be rejected
	}{
		{"max safe integer", `{"ref":9007199254740992}`, `{"ref":9007199254740992}`},
		{"negative max safe integer", `-9007199254740992`, `-9007199254740992`},
		{"trailing zero fraction", `1.50`, `1.5`},
		{"exponent", `1e2`, `100`},
		{"short decimal", `0.1`, `0.1`},
		{"zero with exponent", `0.0e10`, `0`},
		{"integer past 2^53", `{"ref":9007199254740993}`, ""},
		{"negative integer past 2^53", `[-9007199254740993]`, ""},
		{"long integer", `123456789012345678901234567890`, ""},
		{"over-long fraction", `0.1000000000000000000001`, ""},
		{"overflow", `1e400`, ""},
		{"underflow", `1e-400`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canon.EncodeJSON([]byte(tt.doc))
			if tt.want == "" {
				assert.ErrorIs(t, err, canon.ErrUnsafeNumber)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestHashJSON_distinctLargeIntegersNeverCollide(t *testing.T) {
	safe, err := canon.HashJSON([]byte(`{"ref":9007199254740992}`))
	require.NoError(t, err)

	_, err = canon.HashJSON([]byte(`{"ref":9007199254740993}`))
	assert.ErrorIs(t, err, canon.ErrUnsafeNumber)
	assert.Len(t, safe, 64)
}

func TestEncode_rejectsUnsafeGoIntegers(t *testing.T) {
	_, err := canon.Encode(map[string]int64{"ref": 1<<53 + 1})
	assert.ErrorIs(t, err, canon.ErrUnsafeNumber)

	got, err := canon.Encode(map[string]int64{"ref": 1 << 53})
	require.NoError(t, err)
	assert.Equal(t, `{"ref":9007199254740992}`, string(got))
}

func TestEncode_rejectsUnsupported(t *testing.T) {
	_, err := canon.Encode(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	got := canon.Hash([]byte(`{"amount":1450}`))
	assert.Len(t, got, 64)
	assert.Equal(t, "4451a8c3869076dbba221af84eb75eba6bec8ae136afea2640b9c0433e518337", got)

	v, err := canon.HashValue(map[string]int{"amount": 1450})
	require.NoError(t, err)
	assert.Equal(t, got, v)
}

func TestEncode_deterministicProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("re-decoded documents encode identically", prop.ForAll(
		func(m map[string]string) bool {
			first, err := canon.Encode(m)
			if err != nil {
				return false
			}
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			var generic map[string]any
			if err := json.Unmarshal(raw, &generic); err != nil {
				return false
			}
			second, err := canon.Encode(generic)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.Property("insertion order does not matter", prop.ForAll(
		func(keys []string, values []int32) bool {
			forward := make(map[string]any)
			reverse := make(map[string]any)
			seen := make(map[string]bool)
			var sorted []string
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					sorted = append(sorted, k)
				}
			}
			sort.Strings(sorted)
			n := len(sorted)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[sorted[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				reverse[sorted[i]] = values[i]
			}
			a, errA := canon.HashValue(forward)
			b, errB := canon.HashValue(reverse)
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Int32()),
	))

	properties.Property("different strings encode differently", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			ea, errA := canon.Encode(a)
			eb, errB := canon.Encode(b)
			return errA == nil && errB == nil && string(ea) != string(eb)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("hash is stable across calls", prop.ForAll(
		func(values []int64) bool {
			a, errA := canon.HashValue(values)
			b, errB := canon.HashValue(values)
			return errA == nil && errB == nil && a == b && len(a) == 64
		},
		gen.SliceOf(gen.Int64Range(-1<<53, 1<<53)),
	))

	properties.TestingRun(t)
}
