// Package workflow posts outbound email batches to a workflow-automation
// webhook and verifies the signed callbacks it sends back.
package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/resilience"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Nous-Signature"

// Client delivers payloads to the webhook.
type Client interface {
	Post(ctx context.Context, payload any) error
}

// EmailBatch is the payload for one email dispatch.
type EmailBatch struct {
	BatchID     string      `json:"batch_id"`
	QueueNumber int         `json:"queue_number"`
	ScenarioKey string      `json:"scenario_key"`
	SenderName  string      `json:"sender_name"`
	SenderEmail string      `json:"sender_email"`
	Recipients  []Recipient `json:"recipients"`
}

// Recipient is one denormalized email target.
type Recipient struct {
	ItemID       string            `json:"item_id"`
	Email        string            `json:"email"`
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	City         string            `json:"city,omitempty"`
	State        string            `json:"state,omitempty"`
	Zip          string            `json:"zip,omitempty"`
	Price        *float64          `json:"price,omitempty"`
	DaysOnMarket *int              `json:"days_on_market,omitempty"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithSecret signs every request body with secret.
func WithSecret(secret string) Option {
	return func(c *httpClient) { c.secret = secret }
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	url    string
	secret string
	http   *http.Client
	retry  resilience.RetryConfig
}

// NewClient creates a webhook client for url.
func NewClient(url string, opts ...Option) Client {
	c := &httpClient{
		url:   url,
		http:  &http.Client{Timeout: 30 * time.Second},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("workflow", "post")
	}
	return c
}

// Post sends payload as JSON. Any non-2xx response is an error.
func (c *httpClient) Post(ctx context.Context, payload any) error {
	if c.url == "" {
		return eris.New("workflow: webhook url is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "workflow: marshal payload")
	}

	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "workflow: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		if c.secret != "" {
			req.Header.Set(SignatureHeader, Sign(c.secret, body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return eris.Wrap(err, "workflow: post webhook")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			statusErr := eris.Errorf("workflow: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return statusErr
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
