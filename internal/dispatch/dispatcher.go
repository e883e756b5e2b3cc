// Package dispatch moves queue items out to the telephony and email
// channels and tracks their status until they are sent or failed.
package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/compose"
	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/resilience"
	"github.com/homenest/nous/internal/store"
	"github.com/homenest/nous/pkg/voiceagent"
	"github.com/homenest/nous/pkg/workflow"
)

var (
	// ErrQueueSending is returned when an operation needs an idle queue.
	ErrQueueSending = eris.New("queue is sending")
	// ErrQueuePaused is returned when dispatch is started on a paused queue.
	ErrQueuePaused = eris.New("queue is paused")
)

// Service names used for circuit breakers.
const (
	serviceVoice    = "voiceagent"
	serviceWorkflow = "workflow"
)

// Observer receives per-item dispatch outcomes.
type Observer interface {
	ObserveDispatch(channel model.Channel, status model.QueueStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(model.Channel, model.QueueStatus) {}

// Config holds dispatch settings.
type Config struct {
	SenderName      string
	SenderEmail     string
	AgentID         string
	PhoneNumberID   string
	CallDelay       time.Duration
	MaxEmailBatch   int
	MaxItemRetries  int
	RetrySweepLimit int
	Retry           resilience.RetryConfig
}

// Dispatcher owns queue-level state transitions and external delivery.
type Dispatcher struct {
	store    store.Store
	catalog  *compose.Catalog
	composer *compose.Composer
	webhook  workflow.Client
	voice    voiceagent.Client
	breakers *resilience.ServiceBreakers
	observer Observer
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWebhook sets the email delivery client.
func WithWebhook(c workflow.Client) Option {
	return func(d *Dispatcher) { d.webhook = c }
}

// WithVoice sets the telephony client.
func WithVoice(c voiceagent.Client) Option {
	return func(d *Dispatcher) { d.voice = c }
}

// WithComposer sets the email composer.
func WithComposer(c *compose.Composer) Option {
	return func(d *Dispatcher) { d.composer = c }
}

// WithBreakers sets the circuit breaker registry.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(d *Dispatcher) { d.breakers = b }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher.
func New(s store.Store, catalog *compose.Catalog, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxEmailBatch <= 0 {
		cfg.MaxEmailBatch = 500
	}
	if cfg.MaxItemRetries < 0 {
		cfg.MaxItemRetries = 0
	}
	if cfg.RetrySweepLimit <= 0 {
		cfg.RetrySweepLimit = 100
	}
	d := &Dispatcher{
		store:    s,
		catalog:  catalog,
		composer: compose.NewComposer(nil),
		breakers: resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		observer: nopObserver{},
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// QueueView is a queue's flags, status counts and items.
type QueueView struct {
	State  *model.QueueState         `json:"state"`
	Counts map[model.QueueStatus]int `json:"counts"`
	Items  []model.QueueItem         `json:"items"`
}

// Status returns the current view of a queue.
func (d *Dispatcher) Status(ctx context.Context, ch model.Channel, queueNumber int) (*QueueView, error) {
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return nil, err
	}
	counts, err := d.store.CountQueueItems(ctx, ch, queueNumber)
	if err != nil {
		return nil, err
	}
	items, err := d.store.ListQueueItems(ctx, store.QueueFilter{Channel: ch, QueueNumber: queueNumber})
	if err != nil {
		return nil, err
	}
	return &QueueView{State: st, Counts: counts, Items: items}, nil
}

// Pause stops queued items from moving into delivery. Items already in
// flight are not touched.
func (d *Dispatcher) Pause(ctx context.Context, ch model.Channel, queueNumber int) error {
	return d.setPaused(ctx, ch, queueNumber, true)
}

// Resume clears the pause flag.
func (d *Dispatcher) Resume(ctx context.Context, ch model.Channel, queueNumber int) error {
	return d.setPaused(ctx, ch, queueNumber, false)
}

func (d *Dispatcher) setPaused(ctx context.Context, ch model.Channel, queueNumber int, paused bool) error {
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return err
	}
	st.IsPaused = paused
	if err := d.store.SaveQueueState(ctx, st); err != nil {
		return err
	}
	zap.L().Info("dispatch: queue pause changed",
		zap.String("channel", string(ch)),
		zap.Int("queue_number", queueNumber),
		zap.Bool("paused", paused),
	)
	return nil
}

// Clear deletes every item of an idle queue and resets its state. It
// refuses while the queue is sending.
func (d *Dispatcher) Clear(ctx context.Context, ch model.Channel, queueNumber int) (int, error) {
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return 0, err
	}
	if st.IsSending {
		return 0, eris.Wrapf(ErrQueueSending, "cannot clear %s queue %d", ch, queueNumber)
	}

	n, err := d.store.DeleteQueueItems(ctx, ch, queueNumber)
	if err != nil {
		return 0, err
	}
	st.IsPaused = false
	st.ScenarioKey = ""
	st.BatchID = ""
	if err := d.store.SaveQueueState(ctx, st); err != nil {
		return n, err
	}
	zap.L().Info("dispatch: queue cleared",
		zap.String("channel", string(ch)),
		zap.Int("queue_number", queueNumber),
		zap.Int("deleted", n),
	)
	return n, nil
}

// startable loads the queue state and checks it may begin dispatch.
func (d *Dispatcher) startable(ctx context.Context, ch model.Channel, queueNumber int) (*model.QueueState, error) {
	if queueNumber < 1 {
		return nil, model.Validationf("queue number must be >= 1, got %d", queueNumber)
	}
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return nil, err
	}
	if st.IsSending {
		return nil, eris.Wrapf(ErrQueueSending, "%s queue %d already sending", ch, queueNumber)
	}
	if st.IsPaused {
		return nil, eris.Wrapf(ErrQueuePaused, "resume %s queue %d first", ch, queueNumber)
	}
	return st, nil
}

// paused re-reads the pause flag so a pause from another request takes
// effect before the next item.
func (d *Dispatcher) paused(ctx context.Context, ch model.Channel, queueNumber int) (bool, error) {
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return false, err
	}
	return st.IsPaused, nil
}

// finishSending clears is_sending while keeping any pause set meanwhile.
func (d *Dispatcher) finishSending(ctx context.Context, ch model.Channel, queueNumber int) error {
	st, err := d.store.GetQueueState(ctx, ch, queueNumber)
	if err != nil {
		return err
	}
	st.IsSending = false
	return d.store.SaveQueueState(ctx, st)
}

func (d *Dispatcher) timestamp() *time.Time {
	t := d.now().UTC()
	return &t
}
