package anchor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Ledger-Signature"

// HTTPNotary anchors subjects by POSTing them to a notary endpoint. The
// endpoint may answer with {"network": ..., "tx_id": ...}.
type HTTPNotary struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
}

// NewHTTPNotary creates an HTTPNotary. An empty secret disables signing.
func NewHTTPNotary(url, secret string, logger *zap.Logger) *HTTPNotary {
	return &HTTPNotary{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Backoff before attempts 2 and 3.
		delays: []time.Duration{time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetRetryDelays replaces the backoff schedule; len(delays)+1 attempts are made.
func (n *HTTPNotary) SetRetryDelays(delays ...time.Duration) {
	n.delays = delays
}

type notaryReceipt struct {
	Network string `json:"network"`
	TxID    string `json:"tx_id"`
}

// Anchor implements Anchor.
func (n *HTTPNotary) Anchor(ctx context.Context, s Subject) Result {
	body, err := json.Marshal(s)
	if err != nil {
		return Result{Error: fmt.Sprintf("marshal subject: %v", err)}
	}
	signature := ""
	if n.secret != "" {
		signature = signPayload(body, n.secret)
	}

	var lastErr string
	for attempt := 1; attempt <= len(n.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Result{Error: ctx.Err().Error()}
			case <-time.After(n.delays[attempt-2]):
			}
		}

		receipt, errMsg := n.post(ctx, body, signature)
		if errMsg == "" {
			network := receipt.Network
			if network == "" {
				network = "notary"
			}
			return Result{
				Success:    true,
				Network:    network,
				TxID:       receipt.TxID,
				AnchoredAt: time.Now().UTC(),
			}
		}

		lastErr = errMsg
		n.logger.Warn("anchor: notary request failed",
			zap.String("url", n.url),
			zap.String("chain_key", s.ChainKey),
			zap.Int64("sequence", s.Sequence),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	return Result{Error: lastErr}
}

// post performs a single POST and returns the decoded receipt or an error message.
func (n *HTTPNotary) post(ctx context.Context, body []byte, signature string) (notaryReceipt, string) {
	var receipt notaryReceipt

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return receipt, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return receipt, err.Error()
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return receipt, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		// A receipt is optional; an unparsable one still counts as accepted.
		_ = json.Unmarshal(raw, &receipt)
	}
	return receipt, ""
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under secret.
// Notary endpoints use it to authenticate requests.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
