package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/model"
)

type fakeSource struct {
	counts   map[model.QueueStatus]int
	retries  int
	since    time.Time
	countErr error
	retryErr error
}

func (f *fakeSource) CountOutcomesSince(_ context.Context, since time.Time) (map[model.QueueStatus]int, error) {
	f.since = since
	return f.counts, f.countErr
}

func (f *fakeSource) CountRetries(context.Context) (int, error) {
	return f.retries, f.retryErr
}

func TestCollector_Collect(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		counts:  map[model.QueueStatus]int{model.QueueStatusSent: 6, model.QueueStatusFailed: 2},
		retries: 3,
	}
	m := NewMetrics()
	c := NewCollector(src, m)
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-24*time.Hour), src.since)
	assert.Equal(t, 6, snap.Sent)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, 8, snap.Finished())
	assert.InDelta(t, 0.25, snap.FailRate, 1e-9)
	assert.Equal(t, 3, snap.RetryBacklog)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retryBacklog))
}

func TestCollector_NoOutcomes(t *testing.T) {
	t.Parallel()
	c := NewCollector(&fakeSource{counts: map[model.QueueStatus]int{}}, nil)

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.Finished())
}

func TestCollector_Errors(t *testing.T) {
	t.Parallel()
	_, err := NewCollector(&fakeSource{countErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count outcomes")

	_, err = NewCollector(&fakeSource{retryErr: errors.New("db down")}, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count retries")
}
