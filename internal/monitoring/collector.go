package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/model"
)

// Snapshot is a point-in-time view of dispatch health.
type Snapshot struct {
	// Outcomes completed within the lookback window.
	Sent     int     `json:"sent"`
	Failed   int     `json:"failed"`
	FailRate float64 `json:"fail_rate"`

	RetryBacklog int `json:"retry_backlog"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of items that reached sent or failed.
func (s *Snapshot) Finished() int {
	return s.Sent + s.Failed
}

// OutcomeSource is the slice of the store the collector reads.
type OutcomeSource interface {
	CountOutcomesSince(ctx context.Context, since time.Time) (map[model.QueueStatus]int, error)
	CountRetries(ctx context.Context) (int, error)
}

// Collector gathers dispatch outcomes from the store.
type Collector struct {
	store   OutcomeSource
	metrics *Metrics
	now     func() time.Time
}

// NewCollector creates a collector. metrics may be nil; when set, the retry
// backlog gauge is refreshed on each collection.
func NewCollector(st OutcomeSource, metrics *Metrics) *Collector {
	return &Collector{store: st, metrics: metrics, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountOutcomesSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count outcomes")
	}
	snap.Sent = counts[model.QueueStatusSent]
	snap.Failed = counts[model.QueueStatusFailed]
	if f := snap.Finished(); f > 0 {
		snap.FailRate = float64(snap.Failed) / float64(f)
	}

	backlog, err := c.store.CountRetries(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count retries")
	}
	snap.RetryBacklog = backlog
	if c.metrics != nil {
		c.metrics.SetRetryBacklog(backlog)
	}
	return snap, nil
}
