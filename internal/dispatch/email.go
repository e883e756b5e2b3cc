package dispatch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/resilience"
	"github.com/homenest/nous/internal/store"
	"github.com/homenest/nous/pkg/workflow"
)

// EmailSendResult reports one email dispatch.
type EmailSendResult struct {
	BatchID string `json:"batch_id"`
	Marked  int    `json:"marked"`
	Paused  bool   `json:"paused"`
}

// StartEmailSend hands the queue's queued items to the workflow webhook as
// one batch. The batch record is written first; items move to sending with
// the batch id before the webhook is called. If the webhook fails, the
// batch is marked failed, the items return to queued and the queue stops
// sending.
func (d *Dispatcher) StartEmailSend(ctx context.Context, queueNumber int, scenarioKey string) (*EmailSendResult, error) {
	sc, err := d.catalog.Lookup(scenarioKey, model.ChannelEmail)
	if err != nil {
		return nil, err
	}
	if d.cfg.SenderEmail == "" {
		return nil, model.Validationf("no sender address configured")
	}
	if d.webhook == nil {
		return nil, model.Validationf("no email webhook configured")
	}
	st, err := d.startable(ctx, model.ChannelEmail, queueNumber)
	if err != nil {
		return nil, err
	}

	items, err := d.store.ListQueueItems(ctx, store.QueueFilter{
		Channel:     model.ChannelEmail,
		QueueNumber: queueNumber,
		Statuses:    []model.QueueStatus{model.QueueStatusQueued},
		Limit:       d.cfg.MaxEmailBatch,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(queue.ErrNothingQueued, "email queue %d has no queued items", queueNumber)
	}

	batch := &model.Batch{
		Channel:     model.ChannelEmail,
		QueueNumber: queueNumber,
		ScenarioKey: sc.Key,
		ItemCount:   len(items),
	}
	if err := d.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	st.IsSending = true
	st.ScenarioKey = sc.Key
	st.BatchID = batch.ID
	if err := d.store.SaveQueueState(ctx, st); err != nil {
		return nil, err
	}

	res := &EmailSendResult{BatchID: batch.ID}
	payload := workflow.EmailBatch{
		BatchID:     batch.ID,
		QueueNumber: queueNumber,
		ScenarioKey: sc.Key,
		SenderName:  d.cfg.SenderName,
		SenderEmail: d.cfg.SenderEmail,
	}
	var marked []model.QueueItem
	for i := range items {
		item := &items[i]
		paused, err := d.paused(ctx, model.ChannelEmail, queueNumber)
		if err != nil {
			return nil, d.abortEmail(ctx, queueNumber, batch.ID, marked, err)
		}
		if paused {
			res.Paused = true
			break
		}

		ok, err := d.store.TransitionQueueItem(ctx, store.ItemTransition{
			ID:            item.ID,
			From:          model.QueueStatusQueued,
			To:            model.QueueStatusSending,
			BatchID:       batch.ID,
			StartedAt:     d.timestamp(),
			AttemptsDelta: 1,
		})
		if err != nil {
			return nil, d.abortEmail(ctx, queueNumber, batch.ID, marked, err)
		}
		if !ok {
			continue
		}
		item.Attempts++
		marked = append(marked, *item)

		subject, body := d.composer.Email(ctx, sc, item)
		payload.Recipients = append(payload.Recipients, workflow.Recipient{
			ItemID:       item.ID,
			Email:        item.EmailAddress,
			Name:         item.ContactName,
			Address:      item.Address,
			City:         item.City,
			State:        item.State,
			Zip:          item.Zip,
			Price:        item.Price,
			DaysOnMarket: item.DaysOnMarket,
			Subject:      subject,
			Body:         body,
		})
	}
	res.Marked = len(marked)

	if len(marked) == 0 {
		bg := context.WithoutCancel(ctx)
		if err := d.store.CompleteBatch(bg, batch.ID, model.BatchStatusFailed, "no items dispatched"); err != nil {
			return nil, err
		}
		return res, d.finishSending(bg, model.ChannelEmail, queueNumber)
	}

	err = d.breakers.Get(serviceWorkflow).Execute(ctx, func(ctx context.Context) error {
		return d.webhook.Post(ctx, payload)
	})
	if err != nil {
		return nil, d.abortEmail(ctx, queueNumber, batch.ID, marked, eris.Wrap(err, "dispatch: deliver email batch"))
	}

	if err := d.store.CompleteBatch(context.WithoutCancel(ctx), batch.ID, model.BatchStatusDelivered, ""); err != nil {
		return nil, err
	}
	zap.L().Info("dispatch: email batch delivered",
		zap.String("batch_id", batch.ID),
		zap.Int("queue_number", queueNumber),
		zap.Int("items", len(marked)),
		zap.Bool("paused", res.Paused),
	)
	return res, nil
}

// abortEmail compensates a failed email dispatch and returns cause. The
// compensation runs even when ctx is already cancelled.
func (d *Dispatcher) abortEmail(ctx context.Context, queueNumber int, batchID string, marked []model.QueueItem, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("batch_id", batchID), zap.Int("queue_number", queueNumber))
	log.Error("dispatch: email batch failed", zap.Error(cause))

	if err := d.store.CompleteBatch(ctx, batchID, model.BatchStatusFailed, cause.Error()); err != nil {
		log.Error("dispatch: mark batch failed", zap.Error(err))
	}
	for _, it := range marked {
		_, err := d.store.TransitionQueueItem(ctx, store.ItemTransition{
			ID:            it.ID,
			From:          model.QueueStatusSending,
			To:            model.QueueStatusQueued,
			ErrorMessage:  cause.Error(),
			AttemptsDelta: -1,
		})
		if err != nil {
			log.Error("dispatch: revert item", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
	if err := d.finishSending(ctx, model.ChannelEmail, queueNumber); err != nil {
		log.Error("dispatch: clear sending flag", zap.Error(err))
	}
	return cause
}

// EmailResult is one per-recipient outcome reported by the workflow.
type EmailResult struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	// Permanent marks failures that must not be retried (bad address).
	Permanent bool `json:"permanent,omitempty"`
}

// EmailResultSummary counts what RecordEmailResults applied.
type EmailResultSummary struct {
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Ignored   int  `json:"ignored"`
	Remaining int  `json:"remaining"`
	Finished  bool `json:"finished"`
}

// RecordEmailResults applies outcomes for a delivered batch. Results for
// items outside the batch or not sending are ignored. The queue stops
// sending once none of its items are sending.
func (d *Dispatcher) RecordEmailResults(ctx context.Context, batchID string, results []EmailResult) (*EmailResultSummary, error) {
	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, model.Validationf("unknown batch %q", batchID)
	}

	sum := &EmailResultSummary{}
	for _, r := range results {
		item, err := d.store.GetQueueItem(ctx, r.ItemID)
		if err != nil {
			return nil, err
		}
		if item == nil || item.BatchID != batchID || item.Status != model.QueueStatusSending {
			sum.Ignored++
			continue
		}

		switch r.Status {
		case "sent", "delivered":
			ok, err := d.complete(ctx, item, model.QueueStatusSent, "")
			if err != nil {
				return nil, err
			}
			if ok {
				sum.Sent++
			}
		case "failed", "bounced":
			ok, err := d.complete(ctx, item, model.QueueStatusFailed, r.Error)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			sum.Failed++
			class := resilience.ClassTransient
			if r.Permanent {
				class = resilience.ClassPermanent
			}
			if err := d.scheduleRetry(ctx, item, r.Error, class); err != nil {
				return nil, err
			}
		default:
			sum.Ignored++
		}
	}

	counts, err := d.store.CountQueueItems(ctx, model.ChannelEmail, batch.QueueNumber)
	if err != nil {
		return nil, err
	}
	sum.Remaining = counts[model.QueueStatusSending]
	if sum.Remaining == 0 {
		if err := d.finishSending(ctx, model.ChannelEmail, batch.QueueNumber); err != nil {
			return nil, err
		}
		sum.Finished = true
	}
	return sum, nil
}

// complete moves an in-flight item to sent or failed.
func (d *Dispatcher) complete(ctx context.Context, item *model.QueueItem, to model.QueueStatus, errMsg string) (bool, error) {
	ok, err := d.store.TransitionQueueItem(ctx, store.ItemTransition{
		ID:             item.ID,
		From:           item.Status,
		To:             to,
		BatchID:        item.BatchID,
		ConversationID: item.ConversationID,
		ErrorMessage:   errMsg,
		StartedAt:      item.StartedAt,
		CompletedAt:    d.timestamp(),
	})
	if err != nil || !ok {
		return ok, err
	}
	d.observer.ObserveDispatch(item.Channel, to)
	if to == model.QueueStatusSent {
		if err := d.store.RemoveRetry(ctx, item.ID); err != nil {
			return true, err
		}
	}
	return true, nil
}
