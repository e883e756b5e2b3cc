package voiceagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/resilience"
)

func fastRetry() Option {
	return WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func TestInitiateCall_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/convai/twilio/outbound-call", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("xi-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body outboundCallBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.AgentID)
		assert.Equal(t, "pn-1", body.AgentPhoneNumberID)
		assert.Equal(t, "+15125550101", body.ToNumber)
		assert.Equal(t, "Jane", body.ClientData.DynamicVariables["owner_name"])
		assert.Equal(t, "item-1", body.ClientData.Metadata["queue_item_id"])

		json.NewEncoder(w).Encode(CallResponse{Success: true, ConversationID: "conv-1", CallSID: "CA1"})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(0))
	resp, err := c.InitiateCall(context.Background(), CallRequest{
		AgentID:       "agent-1",
		PhoneNumberID: "pn-1",
		ToNumber:      "+15125550101",
		Metadata:      map[string]string{"queue_item_id": "item-1"},
		Variables:     map[string]string{"owner_name": "Jane"},
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", resp.ConversationID)
}

func TestInitiateCall_RequiresNumber(t *testing.T) {
	t.Parallel()
	c := NewClient("k", WithBaseURL("http://127.0.0.1:0"))
	_, err := c.InitiateCall(context.Background(), CallRequest{AgentID: "a"})
	assert.Error(t, err)
}

func TestInitiateCall_NotAccepted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(CallResponse{Success: false, Message: "number blocked"})
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0))
	_, err := c.InitiateCall(context.Background(), CallRequest{AgentID: "a", ToNumber: "+15125550101"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "number blocked")
}

func TestInitiateCall_TransientStatusNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0), fastRetry())
	_, err := c.InitiateCall(context.Background(), CallRequest{AgentID: "a", ToNumber: "+15125550101"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInitiateCall_PermanentStatusNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"invalid to_number"}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0), fastRetry())
	_, err := c.InitiateCall(context.Background(), CallRequest{AgentID: "a", ToNumber: "+1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetConversation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/convai/conversations/conv-9", r.URL.Path)
		w.Write([]byte(`{"conversation_id":"conv-9","agent_id":"a","status":"done","analysis":{"call_successful":"success","transcript_summary":"Owner interested."}}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	conv, err := c.GetConversation(context.Background(), "conv-9")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, conv.Status)
	assert.True(t, conv.Finished())
	require.NotNil(t, conv.Analysis)
	assert.Equal(t, "Owner interested.", conv.Analysis.TranscriptSummary)
}

func TestGetConversation_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"conversation_id":"conv-2","status":"processing"}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRateLimit(0), fastRetry())
	conv, err := c.GetConversation(context.Background(), "conv-2")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", conv.ConversationID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConversation_Finished(t *testing.T) {
	assert.False(t, (&Conversation{Status: StatusInProgress}).Finished())
	assert.True(t, (&Conversation{Status: StatusFailed}).Finished())
}
