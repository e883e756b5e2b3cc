package resilience

import (
	"time"

	"github.com/homenest/nous/internal/model"
)

// ScheduleRetry builds the retry entry for a queue item that just failed.
// The delay grows with the item's dispatch attempts.
func ScheduleRetry(item *model.QueueItem, cause string, class string, maxRetries int, cfg RetryConfig, now time.Time) model.RetryEntry {
	attempt := item.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	return model.RetryEntry{
		QueueItemID:  item.ID,
		Channel:      item.Channel,
		Error:        cause,
		ErrorType:    class,
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(Backoff(attempt, cfg)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}
