package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Channel is the outbound delivery channel a queue feeds.
type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelEmail Channel = "email"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelCall, ChannelEmail:
		return Channel(s), nil
	default:
		return "", Validationf("unknown channel %q", s)
	}
}

// InFlightStatus is the status an item holds while its channel delivers it.
func (c Channel) InFlightStatus() QueueStatus {
	if c == ChannelCall {
		return QueueStatusCalling
	}
	return QueueStatusSending
}

// QueueStatus is the per-item dispatch state.
type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "queued"
	QueueStatusCalling QueueStatus = "calling"
	QueueStatusSending QueueStatus = "sending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
	QueueStatusSkipped QueueStatus = "skipped"
)

// transitions lists the allowed status moves. failed → queued exists only
// for the retry sweep.
var transitions = map[QueueStatus][]QueueStatus{
	QueueStatusQueued:  {QueueStatusCalling, QueueStatusSending, QueueStatusSkipped},
	QueueStatusCalling: {QueueStatusSent, QueueStatusFailed, QueueStatusQueued},
	QueueStatusSending: {QueueStatusSent, QueueStatusFailed, QueueStatusQueued},
	QueueStatusFailed:  {QueueStatusQueued},
}

// CanTransition reports whether an item may move from s to next.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further dispatch happens from s.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusSent || s == QueueStatusSkipped
}

// QueueItem is one recipient's turn in an ordered outbound queue. Display
// fields are snapshots copied from the property at projection time.
type QueueItem struct {
	ID             string      `json:"id"`
	Channel        Channel     `json:"channel"`
	QueueNumber    int         `json:"queue_number"`
	Position       int         `json:"position"`
	LeadID         string      `json:"lead_id"`
	PropertyID     string      `json:"property_id"`
	ContactID      string      `json:"contact_id"`
	PhoneID        string      `json:"phone_id,omitempty"`
	EmailID        string      `json:"email_id,omitempty"`
	ContactName    string      `json:"contact_name"`
	PhoneNumber    string      `json:"phone_number,omitempty"`
	EmailAddress   string      `json:"email_address,omitempty"`
	Address        string      `json:"address"`
	City           string      `json:"city,omitempty"`
	State          string      `json:"state,omitempty"`
	Zip            string      `json:"zip,omitempty"`
	Price          *float64    `json:"price,omitempty"`
	DaysOnMarket   *int        `json:"days_on_market,omitempty"`
	Beds           *float64    `json:"beds,omitempty"`
	Baths          *float64    `json:"baths,omitempty"`
	Sqft           *int        `json:"sqft,omitempty"`
	DistressCode   string      `json:"distress_code,omitempty"`
	ListingStatus  string      `json:"listing_status,omitempty"`
	Status         QueueStatus `json:"status"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	BatchID        string      `json:"batch_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Attempts       int         `json:"attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// QueueState holds the queue-level flags for one (channel, queue number).
type QueueState struct {
	Channel     Channel   `json:"channel"`
	QueueNumber int       `json:"queue_number"`
	IsSending   bool      `json:"is_sending"`
	IsPaused    bool      `json:"is_paused"`
	ScenarioKey string    `json:"scenario_key,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BatchStatus tracks an outbox record through its external delivery.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusDelivered BatchStatus = "delivered"
	BatchStatusFailed    BatchStatus = "failed"
)

// Batch is the durable record of one dispatch to an external channel. It
// correlates items; it is not a transaction.
type Batch struct {
	ID          string      `json:"id"`
	Channel     Channel     `json:"channel"`
	QueueNumber int         `json:"queue_number"`
	ScenarioKey string      `json:"scenario_key"`
	ItemCount   int         `json:"item_count"`
	Status      BatchStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RetryEntry schedules a failed queue item to be put back in its queue.
type RetryEntry struct {
	ID           string    `json:"id"`
	QueueItemID  string    `json:"queue_item_id"`
	Channel      Channel   `json:"channel"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *RetryEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ErrInvalidTransition is returned when a status move is not allowed.
var ErrInvalidTransition = eris.New("invalid queue status transition")
