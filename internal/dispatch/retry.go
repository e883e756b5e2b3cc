package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/resilience"
	"github.com/homenest/nous/internal/store"
)

// scheduleRetry records a retry entry for a failed item. Permanent failures
// and a zero retry budget are not scheduled.
func (d *Dispatcher) scheduleRetry(ctx context.Context, item *model.QueueItem, cause, class string) error {
	if class == resilience.ClassPermanent || d.cfg.MaxItemRetries == 0 {
		return nil
	}
	e := resilience.ScheduleRetry(item, cause, class, d.cfg.MaxItemRetries, d.cfg.Retry, d.now().UTC())
	return d.store.EnqueueRetry(ctx, e)
}

// SweepResult counts what SweepRetries did.
type SweepResult struct {
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	Stale     int `json:"stale"`
}

// SweepRetries puts due failed items back into their queues. Entries that
// ran out of retries, or whose item is no longer failed, are removed.
func (d *Dispatcher) SweepRetries(ctx context.Context) (*SweepResult, error) {
	due, err := d.store.DueRetries(ctx, d.now().UTC(), d.cfg.RetrySweepLimit)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, e := range due {
		if !e.CanRetry() {
			res.Exhausted++
			zap.L().Info("dispatch: retries exhausted",
				zap.String("item_id", e.QueueItemID),
				zap.Int("retry_count", e.RetryCount),
				zap.String("last_error", e.Error),
			)
			if err := d.store.RemoveRetry(ctx, e.QueueItemID); err != nil {
				return nil, err
			}
			continue
		}

		ok, err := d.store.TransitionQueueItem(ctx, store.ItemTransition{
			ID:           e.QueueItemID,
			From:         model.QueueStatusFailed,
			To:           model.QueueStatusQueued,
			ErrorMessage: e.Error,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			res.Stale++
			if err := d.store.RemoveRetry(ctx, e.QueueItemID); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.store.MarkRetried(ctx, e.ID); err != nil {
			return nil, err
		}
		res.Requeued++
		d.observer.ObserveDispatch(e.Channel, model.QueueStatusQueued)
	}

	if len(due) > 0 {
		zap.L().Info("dispatch: retry sweep",
			zap.Int("requeued", res.Requeued),
			zap.Int("exhausted", res.Exhausted),
			zap.Int("stale", res.Stale),
		)
	}
	return res, nil
}
