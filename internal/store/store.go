package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/model"
)

// ErrQueuesBusy is returned when lead data cannot be replaced because a
// queue is still sending.
var ErrQueuesBusy = eris.New("a queue is sending")

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Source string           `json:"source,omitempty"`
	Status model.LeadStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// QueueFilter selects queue items of one channel. A zero QueueNumber spans
// every queue of the channel. Items come back in queue then position order.
type QueueFilter struct {
	Channel     model.Channel       `json:"channel"`
	QueueNumber int                 `json:"queue_number"`
	Statuses    []model.QueueStatus `json:"statuses,omitempty"`
	BatchID     string              `json:"batch_id,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// ItemTransition is a conditional status move. The update only applies when
// the item still holds From; all other fields are written as given.
type ItemTransition struct {
	ID             string
	From           model.QueueStatus
	To             model.QueueStatus
	BatchID        string
	ConversationID string
	ErrorMessage   string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	AttemptsDelta  int
}

// Store defines the persistence interface for lead data, outreach queues and
// the dispatch outbox.
type Store interface {
	// Lead data
	CheckSchema(ctx context.Context) error
	ExistingAddressKeys(ctx context.Context, source string) (map[string]struct{}, error)
	InsertLeadBundle(ctx context.Context, b *model.LeadBundle) error
	// DeleteAllLeadData removes every property and what hangs off it,
	// queue items and queue states included. It refuses while a queue is
	// sending.
	DeleteAllLeadData(ctx context.Context) (int, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeadIDs(ctx context.Context, filter LeadFilter) ([]string, error)
	UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error
	GetProperty(ctx context.Context, id string) (*model.Property, error)
	ListContacts(ctx context.Context, propertyID string) ([]model.Contact, error)
	ListPhones(ctx context.Context, contactID string) ([]model.Phone, error)
	GetPhone(ctx context.Context, id string) (*model.Phone, error)
	ListEmails(ctx context.Context, contactID string) ([]model.Email, error)
	RecordCallAttempt(ctx context.Context, phoneID string, at time.Time) error

	// Queues
	MaxQueuePosition(ctx context.Context, channel model.Channel, queueNumber int) (int, error)
	InsertQueueItems(ctx context.Context, items []model.QueueItem) (int, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error)
	TransitionQueueItem(ctx context.Context, t ItemTransition) (bool, error)
	CountQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (map[model.QueueStatus]int, error)
	CountOutcomesSince(ctx context.Context, since time.Time) (map[model.QueueStatus]int, error)
	DeleteQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (int, error)
	GetQueueState(ctx context.Context, channel model.Channel, queueNumber int) (*model.QueueState, error)
	SaveQueueState(ctx context.Context, st *model.QueueState) error

	// Outbox
	CreateBatch(ctx context.Context, b *model.Batch) error
	CompleteBatch(ctx context.Context, id string, status model.BatchStatus, errMsg string) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	// Retries
	EnqueueRetry(ctx context.Context, e model.RetryEntry) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error)
	MarkRetried(ctx context.Context, id string) error
	RemoveRetry(ctx context.Context, queueItemID string) error
	CountRetries(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
