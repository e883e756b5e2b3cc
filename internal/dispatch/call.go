package dispatch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/compose"
	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/resilience"
	"github.com/homenest/nous/internal/store"
	"github.com/homenest/nous/pkg/voiceagent"
)

// CallRunResult reports one pass over a call queue.
type CallRunResult struct {
	BatchID   string `json:"batch_id"`
	Initiated int    `json:"initiated"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Paused    bool   `json:"paused"`
}

// StartCalling places calls for a queue's queued items one at a time, in
// position order using the scenario's voice agent. Items whose phone has
// since been flagged do-not-call are skipped. A call the telephony API
// rejects goes back to queued with the error recorded. The queue stops
// sending when the pass ends.
func (d *Dispatcher) StartCalling(ctx context.Context, queueNumber int, scenarioKey string) (*CallRunResult, error) {
	sc, err := d.catalog.Lookup(scenarioKey, model.ChannelCall)
	if err != nil {
		return nil, err
	}
	agentID := d.cfg.AgentID
	if sc.AgentID != "" {
		agentID = sc.AgentID
	}
	if agentID == "" {
		return nil, model.Validationf("no voice agent configured")
	}
	if d.voice == nil {
		return nil, model.Validationf("no telephony client configured")
	}
	st, err := d.startable(ctx, model.ChannelCall, queueNumber)
	if err != nil {
		return nil, err
	}

	items, err := d.store.ListQueueItems(ctx, store.QueueFilter{
		Channel:     model.ChannelCall,
		QueueNumber: queueNumber,
		Statuses:    []model.QueueStatus{model.QueueStatusQueued},
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, eris.Wrapf(queue.ErrNothingQueued, "call queue %d has no queued items", queueNumber)
	}

	batch := &model.Batch{
		Channel:     model.ChannelCall,
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

	log := zap.L().With(zap.String("batch_id", batch.ID), zap.Int("queue_number", queueNumber))
	res := &CallRunResult{BatchID: batch.ID}
	runErr := d.callLoop(ctx, items, agentID, batch.ID, res, log)

	if err := d.finishSending(context.WithoutCancel(ctx), model.ChannelCall, queueNumber); err != nil {
		log.Error("dispatch: clear sending flag", zap.Error(err))
	}
	status, msg := model.BatchStatusDelivered, ""
	if runErr != nil {
		status, msg = model.BatchStatusFailed, runErr.Error()
	}
	if err := d.store.CompleteBatch(context.WithoutCancel(ctx), batch.ID, status, msg); err != nil {
		log.Error("dispatch: complete batch", zap.Error(err))
	}

	log.Info("dispatch: call pass finished",
		zap.Int("initiated", res.Initiated),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Bool("paused", res.Paused),
	)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (d *Dispatcher) callLoop(ctx context.Context, items []model.QueueItem, agentID, batchID string, res *CallRunResult, log *zap.Logger) error {
	breaker := d.breakers.Get(serviceVoice)
	dialed := false
	for i := range items {
		item := &items[i]
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "dispatch: call pass cancelled")
		}
		paused, err := d.paused(ctx, model.ChannelCall, item.QueueNumber)
		if err != nil {
			return err
		}
		if paused {
			res.Paused = true
			return nil
		}
		reason, err := d.suppressReason(ctx, item)
		if err != nil {
			return err
		}
		if reason != "" {
			ok, err := d.complete(ctx, item, model.QueueStatusSkipped, reason)
			if err != nil {
				return err
			}
			if ok {
				res.Skipped++
				log.Info("dispatch: call skipped", zap.String("item_id", item.ID), zap.String("reason", reason))
			}
			continue
		}
		if dialed {
			if err := d.sleep(ctx, d.cfg.CallDelay); err != nil {
				return eris.Wrap(err, "dispatch: call pass cancelled")
			}
		}

		startedAt := d.timestamp()
		ok, err := d.store.TransitionQueueItem(ctx, store.ItemTransition{
			ID:            item.ID,
			From:          model.QueueStatusQueued,
			To:            model.QueueStatusCalling,
			BatchID:       batchID,
			StartedAt:     startedAt,
			AttemptsDelta: 1,
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		dialed = true

		resp, callErr := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*voiceagent.CallResponse, error) {
			return d.voice.InitiateCall(ctx, voiceagent.CallRequest{
				AgentID:       agentID,
				PhoneNumberID: d.cfg.PhoneNumberID,
				ToNumber:      item.PhoneNumber,
				Metadata: map[string]string{
					"queue_item_id": item.ID,
					"lead_id":       item.LeadID,
					"batch_id":      batchID,
				},
				Variables: compose.Variables(item),
			})
		})
		if callErr == nil && (resp == nil || resp.ConversationID == "") {
			callErr = eris.New("dispatch: call accepted without conversation id")
		}
		// The call may have been placed; its outcome is recorded even if ctx is gone.
		bg := context.WithoutCancel(ctx)
		if callErr != nil {
			res.Failed++
			log.Warn("dispatch: call not placed",
				zap.String("item_id", item.ID),
				zap.String("phone", item.PhoneNumber),
				zap.Error(callErr),
			)
			_, err := d.store.TransitionQueueItem(bg, store.ItemTransition{
				ID:           item.ID,
				From:         model.QueueStatusCalling,
				To:           model.QueueStatusQueued,
				BatchID:      batchID,
				ErrorMessage: callErr.Error(),
			})
			if err != nil {
				return err
			}
			d.observer.ObserveDispatch(model.ChannelCall, model.QueueStatusQueued)
			continue
		}

		if _, err := d.store.TransitionQueueItem(bg, store.ItemTransition{
			ID:             item.ID,
			From:           model.QueueStatusCalling,
			To:             model.QueueStatusCalling,
			BatchID:        batchID,
			ConversationID: resp.ConversationID,
			StartedAt:      startedAt,
		}); err != nil {
			return err
		}
		if item.PhoneID != "" {
			if err := d.store.RecordCallAttempt(bg, item.PhoneID, *startedAt); err != nil {
				log.Warn("dispatch: record call attempt", zap.String("phone_id", item.PhoneID), zap.Error(err))
			}
		}
		res.Initiated++
		d.observer.ObserveDispatch(model.ChannelCall, model.QueueStatusCalling)
	}
	return nil
}

// suppressReason re-reads the item's phone and reports why it must not be
// dialed, or "" when it may.
func (d *Dispatcher) suppressReason(ctx context.Context, item *model.QueueItem) (string, error) {
	if item.PhoneID == "" {
		return "", nil
	}
	ph, err := d.store.GetPhone(ctx, item.PhoneID)
	if err != nil {
		return "", err
	}
	switch {
	case ph == nil:
		return "phone no longer on file", nil
	case ph.IsDNC:
		return "phone is on the do-not-call list", nil
	}
	return "", nil
}

// SyncResult counts what SyncCallStatuses changed.
type SyncResult struct {
	Checked int `json:"checked"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Errors  int `json:"errors"`
}

// SyncCallStatuses polls the telephony API for every item in calling and
// settles those whose conversation has finished. Lookup errors are logged
// and counted; the item is polled again on the next sync.
func (d *Dispatcher) SyncCallStatuses(ctx context.Context) (*SyncResult, error) {
	if d.voice == nil {
		return nil, model.Validationf("no telephony client configured")
	}
	items, err := d.store.ListQueueItems(ctx, store.QueueFilter{
		Channel:  model.ChannelCall,
		Statuses: []model.QueueStatus{model.QueueStatusCalling},
	})
	if err != nil {
		return nil, err
	}

	breaker := d.breakers.Get(serviceVoice)
	res := &SyncResult{}
	for i := range items {
		item := &items[i]
		if item.ConversationID == "" {
			res.Pending++
			continue
		}
		res.Checked++
		conv, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*voiceagent.Conversation, error) {
			return d.voice.GetConversation(ctx, item.ConversationID)
		})
		if err != nil {
			res.Errors++
			zap.L().Warn("dispatch: conversation lookup failed",
				zap.String("item_id", item.ID),
				zap.String("conversation_id", item.ConversationID),
				zap.Error(err),
			)
			continue
		}

		switch conv.Status {
		case voiceagent.StatusDone:
			ok, err := d.complete(ctx, item, model.QueueStatusSent, "")
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			res.Sent++
			if err := d.store.UpdateLeadStatus(ctx, item.LeadID, model.LeadStatusContacted); err != nil {
				zap.L().Warn("dispatch: mark lead contacted", zap.String("lead_id", item.LeadID), zap.Error(err))
			}
		case voiceagent.StatusFailed:
			ok, err := d.complete(ctx, item, model.QueueStatusFailed, "call failed")
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			res.Failed++
			if err := d.scheduleRetry(ctx, item, "call failed", resilience.ClassTransient); err != nil {
				return nil, err
			}
		default:
			res.Pending++
		}
	}
	return res, nil
}
