// Package voiceagent is a client for the conversational voice agent API
// used to place outbound calls and read back conversation status.
package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/homenest/nous/internal/resilience"
)

// Client places outbound calls and polls their conversations.
type Client interface {
	InitiateCall(ctx context.Context, req CallRequest) (*CallResponse, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
}

// CallRequest starts one outbound call. ToNumber must be E.164.
type CallRequest struct {
	AgentID       string
	PhoneNumberID string
	ToNumber      string
	// Metadata is echoed back on the conversation for correlation.
	Metadata map[string]string
	// Variables fill the agent prompt's dynamic variables.
	Variables map[string]string
}

// CallResponse is returned when a call was accepted.
type CallResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	CallSID        string `json:"callSid"`
}

// Conversation statuses reported by the API.
const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in-progress"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Conversation is the status view of a call.
type Conversation struct {
	ConversationID string         `json:"conversation_id"`
	AgentID        string         `json:"agent_id"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Analysis       *Analysis      `json:"analysis,omitempty"`
}

// Analysis is the post-call summary.
type Analysis struct {
	CallSuccessful    string `json:"call_successful"`
	TranscriptSummary string `json:"transcript_summary"`
}

// Finished reports whether the conversation reached a final status.
func (c *Conversation) Finished() bool {
	return c.Status == StatusDone || c.Status == StatusFailed
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a voice agent client. Requests are limited to 2 per
// second by default.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io",
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(2, 2),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("voiceagent", "request")
	}
	return c
}

type outboundCallBody struct {
	AgentID            string     `json:"agent_id"`
	AgentPhoneNumberID string     `json:"agent_phone_number_id"`
	ToNumber           string     `json:"to_number"`
	ClientData         clientData `json:"conversation_initiation_client_data"`
}

type clientData struct {
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (c *httpClient) InitiateCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	if req.AgentID == "" || req.ToNumber == "" {
		return nil, eris.New("voiceagent: agent id and destination number are required")
	}
	body, err := json.Marshal(outboundCallBody{
		AgentID:            req.AgentID,
		AgentPhoneNumberID: req.PhoneNumberID,
		ToNumber:           req.ToNumber,
		ClientData:         clientData{DynamicVariables: req.Variables, Metadata: req.Metadata},
	})
	if err != nil {
		return nil, eris.Wrap(err, "voiceagent: marshal call request")
	}

	var resp CallResponse
	if err := c.do(ctx, http.MethodPost, "/v1/convai/twilio/outbound-call", body, &resp, false); err != nil {
		return nil, eris.Wrap(err, "voiceagent: initiate call")
	}
	if !resp.Success || resp.ConversationID == "" {
		return nil, eris.Errorf("voiceagent: call not accepted: %s", resp.Message)
	}
	return &resp, nil
}

func (c *httpClient) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	path := "/v1/convai/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &conv, true); err != nil {
		return nil, eris.Wrapf(err, "voiceagent: get conversation %s", conversationID)
	}
	return &conv, nil
}

// do sends a request with rate limiting. Only idempotent requests are
// retried on transient failures; placing a call is attempted once so a
// gateway error after the call went out never dials the owner twice.
func (c *httpClient) do(ctx context.Context, method, path string, body []byte, out any, idempotent bool) error {
	var data []byte
	var err error
	if idempotent {
		data, err = resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.send(ctx, method, path, body)
		})
	} else {
		data, err = c.send(ctx, method, path, body)
	}
	if err != nil {
		return err
	}
	return eris.Wrap(json.Unmarshal(data, out), "voiceagent: unmarshal response")
}

func (c *httpClient) send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "voiceagent: rate limit")
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, eris.Wrap(err, "voiceagent: create request")
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "voiceagent: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "voiceagent: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := eris.Errorf("voiceagent: unexpected status %d: %s", resp.StatusCode, string(data))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}
	return data, nil
}
