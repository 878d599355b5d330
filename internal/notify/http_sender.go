package notify

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
	"strconv"
	"time"

	"github.com/plazashare/escrow/internal/circuitbreaker"
	"github.com/plazashare/escrow/internal/idgen"
	"github.com/plazashare/escrow/internal/retry"
)

// Headers set on every dispatch request.
const (
	HeaderSignature = "X-Plazashare-Signature"
	HeaderTimestamp = "X-Plazashare-Timestamp"
	HeaderKind      = "X-Plazashare-Kind"
)

// Message is the JSON body posted to the dispatch endpoint.
type Message struct {
	ID     string            `json:"id"`
	UserID int64             `json:"userId"`
	Kind   Kind              `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
	SentAt time.Time         `json:"sentAt"`
}

// HTTPSender posts signed messages to an external notification dispatcher.
// Transient failures (transport errors, 5xx, 429) are retried; a run of
// failures opens the breaker so a dead dispatcher does not stall batch jobs.
type HTTPSender struct {
	url     string
	secret  []byte
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewHTTPSender creates a sender for the dispatcher at url. Bodies are signed
// with HMAC-SHA256 over "<timestamp>.<body>" using secret.
func NewHTTPSender(url, secret string) *HTTPSender {
	return &HTTPSender{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  retry.Default,
		breaker: circuitbreaker.New("notify_http", 5, 30*time.Second),
	}
}

// WithClient replaces the HTTP client.
func (s *HTTPSender) WithClient(c *http.Client) *HTTPSender {
	s.client = c
	return s
}

// WithRetry replaces the retry policy.
func (s *HTTPSender) WithRetry(p retry.Policy) *HTTPSender {
	s.policy = p
	return s
}

// WithBreaker replaces the circuit breaker.
func (s *HTTPSender) WithBreaker(b *circuitbreaker.Breaker) *HTTPSender {
	s.breaker = b
	return s
}

func (s *HTTPSender) Notify(ctx context.Context, userID int64, kind Kind, params map[string]string) error {
	msg := Message{
		ID:     idgen.WithPrefix("ntf_"),
		UserID: userID,
		Kind:   kind,
		Params: params,
		SentAt: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.policy.Do(ctx, func(ctx context.Context) error {
			return s.post(ctx, kind, body)
		})
	})
}

func (s *HTTPSender) post(ctx context.Context, kind Kind, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("notify: build request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, string(kind))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(s.secret, ts, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notify: dispatcher returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("notify: dispatcher rejected message: %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Sender = (*HTTPSender)(nil)
