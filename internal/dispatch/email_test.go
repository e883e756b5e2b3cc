package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/pkg/workflow"
)

func TestStartEmailSend_RequiresScenario(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	hook := &mockWebhook{}
	d := newTestDispatcher(t, s, WithWebhook(hook))
	seedItems(t, s, model.ChannelEmail, 1, 2)

	for _, key := range []string{"", "no-such-scenario", "intro-call"} {
		_, err := d.StartEmailSend(context.Background(), 1, key)
		require.Error(t, err, key)
		assert.True(t, model.IsValidation(err), key)
	}

	assert.False(t, getState(t, s, model.ChannelEmail, 1).IsSending)
	counts, err := s.CountQueueItems(context.Background(), model.ChannelEmail, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.QueueStatusQueued])
	hook.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
}

func TestStartEmailSend_DeliversBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	hook := &mockWebhook{}
	obs := &countingObserver{outcomes: map[model.QueueStatus]int{}}
	d := newTestDispatcher(t, s, WithWebhook(hook), WithObserver(obs))
	items := seedItems(t, s, model.ChannelEmail, 1, 2)

	var sent workflow.EmailBatch
	hook.On("Post", mock.Anything, mock.AnythingOfType("workflow.EmailBatch")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(workflow.EmailBatch) }).
		Return(nil).Once()

	res, err := d.StartEmailSend(context.Background(), 1, "price-drop")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Marked)
	assert.False(t, res.Paused)
	hook.AssertExpectations(t)

	assert.Equal(t, res.BatchID, sent.BatchID)
	assert.Equal(t, "price-drop", sent.ScenarioKey)
	assert.Equal(t, "dana@homenest.example", sent.SenderEmail)
	require.Len(t, sent.Recipients, 2)
	assert.Equal(t, "About 100 Oak St", sent.Recipients[0].Subject)
	assert.Equal(t, "Hi Maria, is 100 Oak St still available?", sent.Recipients[0].Body)
	assert.Equal(t, items[0].ID, sent.Recipients[0].ItemID)

	for _, it := range items {
		got := getItem(t, s, it.ID)
		assert.Equal(t, model.QueueStatusSending, got.Status)
		assert.Equal(t, res.BatchID, got.BatchID)
		assert.Equal(t, 1, got.Attempts)
		assert.NotNil(t, got.StartedAt)
	}

	st := getState(t, s, model.ChannelEmail, 1)
	assert.True(t, st.IsSending)
	assert.Equal(t, res.BatchID, st.BatchID)

	batch, err := s.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusDelivered, batch.Status)
	assert.Equal(t, 2, batch.ItemCount)
}

func TestStartEmailSend_WebhookFailureReverts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	hook := &mockWebhook{}
	d := newTestDispatcher(t, s, WithWebhook(hook))
	items := seedItems(t, s, model.ChannelEmail, 1, 2)

	hook.On("Post", mock.Anything, mock.Anything).Return(errors.New("workflow: post returned 502")).Once()

	_, err := d.StartEmailSend(context.Background(), 1, "price-drop")
	require.Error(t, err)
	assert.False(t, model.IsValidation(err))

	for _, it := range items {
		got := getItem(t, s, it.ID)
		assert.Equal(t, model.QueueStatusQueued, got.Status)
		assert.Empty(t, got.BatchID)
		assert.Nil(t, got.StartedAt)
		assert.Zero(t, got.Attempts)
		assert.Contains(t, got.ErrorMessage, "502")
	}
	st := getState(t, s, model.ChannelEmail, 1)
	assert.False(t, st.IsSending)

	batch, err := s.GetBatch(context.Background(), st.BatchID)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, model.BatchStatusFailed, batch.Status)
	assert.Contains(t, batch.Error, "502")
}

func TestStartEmailSend_CancelledDuringDeliveryReverts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	hook := &mockWebhook{}
	d := newTestDispatcher(t, s, WithWebhook(hook))
	items := seedItems(t, s, model.ChannelEmail, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook.On("Post", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled).Once()

	_, err := d.StartEmailSend(ctx, 1, "price-drop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	for _, it := range items {
		got := getItem(t, s, it.ID)
		assert.Equal(t, model.QueueStatusQueued, got.Status)
		assert.Zero(t, got.Attempts)
	}
	st := getState(t, s, model.ChannelEmail, 1)
	assert.False(t, st.IsSending)

	batch, err := s.GetBatch(context.Background(), st.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, batch.Status)

	n, err := d.Clear(context.Background(), model.ChannelEmail, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStartEmailSend_NothingQueued(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	d := newTestDispatcher(t, s, WithWebhook(&mockWebhook{}))

	_, err := d.StartEmailSend(context.Background(), 1, "price-drop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrNothingQueued))
	assert.False(t, getState(t, s, model.ChannelEmail, 1).IsSending)
}

func TestStartEmailSend_RefusesBusyQueues(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	d := newTestDispatcher(t, s, WithWebhook(&mockWebhook{}))
	ctx := context.Background()
	seedItems(t, s, model.ChannelEmail, 1, 1)
	seedItems(t, s, model.ChannelEmail, 2, 1)

	require.NoError(t, d.Pause(ctx, model.ChannelEmail, 1))
	_, err := d.StartEmailSend(ctx, 1, "price-drop")
	assert.True(t, errors.Is(err, ErrQueuePaused))

	st := getState(t, s, model.ChannelEmail, 2)
	st.IsSending = true
	require.NoError(t, s.SaveQueueState(ctx, st))
	_, err = d.StartEmailSend(ctx, 2, "price-drop")
	assert.True(t, errors.Is(err, ErrQueueSending))

	_, err = d.StartEmailSend(ctx, 0, "price-drop")
	assert.True(t, model.IsValidation(err))
}

func TestRecordEmailResults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	hook := &mockWebhook{}
	d := newTestDispatcher(t, s, WithWebhook(hook))
	ctx := context.Background()
	items := seedItems(t, s, model.ChannelEmail, 1, 3)
	hook.On("Post", mock.Anything, mock.Anything).Return(nil)

	res, err := d.StartEmailSend(ctx, 1, "price-drop")
	require.NoError(t, err)

	sum, err := d.RecordEmailResults(ctx, res.BatchID, []EmailResult{
		{ItemID: items[0].ID, Status: "sent"},
		{ItemID: items[1].ID, Status: "failed", Error: "mailbox full"},
		{ItemID: "unknown", Status: "sent"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Ignored)
	assert.Equal(t, 1, sum.Remaining)
	assert.False(t, sum.Finished)
	assert.True(t, getState(t, s, model.ChannelEmail, 1).IsSending)

	failed := getItem(t, s, items[1].ID)
	assert.Equal(t, model.QueueStatusFailed, failed.Status)
	assert.Equal(t, "mailbox full", failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)
	n, err := s.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err = d.RecordEmailResults(ctx, res.BatchID, []EmailResult{
		{ItemID: items[2].ID, Status: "failed", Error: "no such user", Permanent: true},
		{ItemID: items[0].ID, Status: "failed"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Ignored)
	assert.True(t, sum.Finished)
	assert.False(t, getState(t, s, model.ChannelEmail, 1).IsSending)
	assert.Equal(t, model.QueueStatusSent, getItem(t, s, items[0].ID).Status)

	n, err = s.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "permanent failures are not retried")
}

func TestRecordEmailResults_UnknownBatch(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, newTestStore(t))

	_, err := d.RecordEmailResults(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}
