package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors matched by errors.Is against an *APIError.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid request")
	ErrUnavailable  = errors.New("ledger unavailable")
)

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ledger: %d %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("ledger: %d %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrInvalid:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Actor identifies who caused an event.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

// Entry is a persisted chain event.
type Entry struct {
	ID              string            `json:"id"`
	ChainKey        string            `json:"chain_key"`
	Sequence        int64             `json:"sequence"`
	PreviousHash    *string           `json:"previous_hash"`
	Type            string            `json:"type"`
	Actor           Actor             `json:"actor"`
	OccurredAt      int64             `json:"occurred_at"`
	Payload         json.RawMessage   `json:"payload"`
	PayloadHash     string            `json:"payload_hash"`
	EntryHash       string            `json:"entry_hash"`
	SchemaVersion   int               `json:"schema_version"`
	IntegrityStatus string            `json:"integrity_status"`
	RecordedAt      time.Time         `json:"recorded_at"`
	Lookup          map[string]string `json:"lookup,omitempty"`
}

// AppendRequest is the payload for Append.
type AppendRequest struct {
	Type               string            `json:"type"`
	Payload            any               `json:"payload"`
	Actor              *Actor            `json:"actor,omitempty"` // ignored when the server authenticates actors
	OccurredAt         int64             `json:"occurred_at"`
	Lookup             map[string]string `json:"lookup,omitempty"`
	ExpectPreviousHash string            `json:"expect_previous_hash,omitempty"`
}

// ListOptions narrows List. Zero values mean "no constraint".
type ListOptions struct {
	Type   string
	From   int64
	To     int64
	Since  int64
	Until  int64
	Limit  int
	Lookup map[string]string
}

// Report is a verification outcome. A broken chain is a Report with OK false.
type Report struct {
	ChainKey       string `json:"chain_key"`
	OK             bool   `json:"ok"`
	Checked        int    `json:"checked"`
	FromSequence   int64  `json:"from_sequence"`
	BrokenAt       string `json:"broken_at,omitempty"`
	BrokenSequence int64  `json:"broken_sequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Expected       string `json:"expected,omitempty"`
	Actual         string `json:"actual,omitempty"`
}

// Overview is the length and root hash of a chain.
type Overview struct {
	ChainKey string `json:"chain_key"`
	Entries  int64  `json:"entries"`
	Root     string `json:"root"`
}

// EnvelopeHash is the integrity block of an Envelope.
type EnvelopeHash struct {
	Algorithm   string  `json:"algorithm"`
	ContentHash string  `json:"content_hash"`
	PrevHash    *string `json:"prev_hash"`
}

// Envelope is a domain event on an entity stream.
type Envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	StreamType string          `json:"stream_type"`
	StreamID   string          `json:"stream_id"`
	EventType  string          `json:"event_type"`
	Sequence   int64           `json:"sequence"`
	Actor      Actor           `json:"actor"`
	OccurredAt int64           `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Hash       EnvelopeHash    `json:"hash"`
}

// EnvelopeRequest is the payload for CreateEnvelope.
type EnvelopeRequest struct {
	EventType  string         `json:"event_type"`
	Payload    any            `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Actor      *Actor         `json:"actor,omitempty"`
	OccurredAt int64          `json:"occurred_at,omitempty"`
	PrevHash   string         `json:"prev_hash,omitempty"`
}

// Client talks to the ledger HTTP API.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an actor token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the ledger at base (e.g. "http://localhost:8080").
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func chainPath(chainKey string, rest ...string) string {
	return "/api/v1/chains/" + url.PathEscape(chainKey) + strings.Join(rest, "")
}

func streamPath(streamType, streamID, rest string) string {
	return "/api/v1/streams/" + url.PathEscape(streamType) + "/" + url.PathEscape(streamID) + rest
}

// Append appends an event to chainKey.
func (c *Client) Append(ctx context.Context, chainKey string, req AppendRequest) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodPost, chainPath(chainKey, "/events"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the entries of chainKey matching opts.
func (c *Client) List(ctx context.Context, chainKey string, opts ListOptions) ([]Entry, error) {
	q := url.Values{}
	setString := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setInt := func(k string, v int64) {
		if v > 0 {
			q.Set(k, strconv.FormatInt(v, 10))
		}
	}
	setString("type", opts.Type)
	setInt("from", opts.From)
	setInt("to", opts.To)
	setInt("since", opts.Since)
	setInt("until", opts.Until)
	setInt("limit", int64(opts.Limit))
	for k, v := range opts.Lookup {
		q.Set("lookup."+k, v)
	}

	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, chainPath(chainKey, "/events"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Get returns the entry of chainKey at sequence.
func (c *Client) Get(ctx context.Context, chainKey string, sequence int64) (*Entry, error) {
	var out Entry
	if err := c.call(ctx, http.MethodGet, chainPath(chainKey, "/events/", strconv.FormatInt(sequence, 10)), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview returns the length and root hash of chainKey.
func (c *Client) Overview(ctx context.Context, chainKey string) (*Overview, error) {
	var out Overview
	if err := c.call(ctx, http.MethodGet, chainPath(chainKey), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify verifies chainKey starting at from (0 or 1 for the whole chain),
// checking at most limit entries (0 = server default).
func (c *Client) Verify(ctx context.Context, chainKey string, from int64, limit int) (*Report, error) {
	q := url.Values{}
	if from > 1 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out Report
	if err := c.call(ctx, http.MethodGet, chainPath(chainKey, "/verify"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateEnvelope appends an envelope to a stream.
func (c *Client) CreateEnvelope(ctx context.Context, streamType, streamID string, req EnvelopeRequest) (*Envelope, error) {
	var out Envelope
	if err := c.call(ctx, http.MethodPost, streamPath(streamType, streamID, "/envelopes"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Envelopes lists up to limit envelopes of a stream.
func (c *Client) Envelopes(ctx context.Context, streamType, streamID string, limit int) ([]Envelope, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Envelopes []Envelope `json:"envelopes"`
	}
	if err := c.call(ctx, http.MethodGet, streamPath(streamType, streamID, "/envelopes"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Envelopes, nil
}

// LatestHash returns the hash to pass as PrevHash on the next envelope.
func (c *Client) LatestHash(ctx context.Context, streamType, streamID string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, http.MethodGet, streamPath(streamType, streamID, "/latest"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// VerifyStream verifies a stream's chain.
func (c *Client) VerifyStream(ctx context.Context, streamType, streamID string, limit int) (*Report, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out Report
	if err := c.call(ctx, http.MethodGet, streamPath(streamType, streamID, "/verify"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one JSON round trip.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}
