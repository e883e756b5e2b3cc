// Package queue projects CRM leads into ordered call and email queues.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/model"
)

// ErrNothingQueued is returned when a projection produced no queue items.
// The wrapping message carries the likely cause.
var ErrNothingQueued = eris.New("nothing queued")

// Store is the read and insert surface the builder needs.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	GetProperty(ctx context.Context, id string) (*model.Property, error)
	ListContacts(ctx context.Context, propertyID string) ([]model.Contact, error)
	ListPhones(ctx context.Context, contactID string) ([]model.Phone, error)
	ListEmails(ctx context.Context, contactID string) ([]model.Email, error)
	MaxQueuePosition(ctx context.Context, channel model.Channel, queueNumber int) (int, error)
	InsertQueueItems(ctx context.Context, items []model.QueueItem) (int, error)
}

// BuildResult reports what a projection did. Omitted counts leads that did
// not resolve to a property.
type BuildResult struct {
	Channel                 model.Channel `json:"channel"`
	QueueNumber             int           `json:"queue_number"`
	Added                   int           `json:"added"`
	Omitted                 int           `json:"omitted"`
	SuppressedPhones        int           `json:"suppressed_phones"`
	PropertiesWithoutTarget int           `json:"properties_without_target"`
	FirstPosition           int           `json:"first_position,omitempty"`
	LastPosition            int           `json:"last_position,omitempty"`
	Message                 string        `json:"message"`
}

// Builder writes queue items for selected leads.
type Builder struct {
	store Store
	now   func() time.Time
}

// NewBuilder creates a Builder over s.
func NewBuilder(s Store) *Builder {
	return &Builder{store: s, now: time.Now}
}

// Build dispatches to the channel's projection.
func (b *Builder) Build(ctx context.Context, channel model.Channel, leadIDs []string, queueNumber int) (*BuildResult, error) {
	switch channel {
	case model.ChannelCall:
		return b.BuildCallQueue(ctx, leadIDs, queueNumber)
	case model.ChannelEmail:
		return b.BuildEmailQueue(ctx, leadIDs, queueNumber)
	default:
		return nil, model.Validationf("unknown channel %q", channel)
	}
}

// BuildCallQueue adds one item per callable phone of each lead's contacts.
// A number flagged do-not-call on any phone record in the selection is
// never queued, even through another contact's unflagged record. A number
// already queued earlier in the same call is not queued again.
func (b *Builder) BuildCallQueue(ctx context.Context, leadIDs []string, queueNumber int) (*BuildResult, error) {
	res := &BuildResult{Channel: model.ChannelCall, QueueNumber: queueNumber}
	props, err := b.resolve(ctx, leadIDs, queueNumber, res)
	if err != nil {
		return nil, err
	}

	type contactPhones struct {
		contact model.Contact
		phones  []model.Phone
	}
	byProp := make([][]contactPhones, len(props))
	suppressed := make(map[string]bool)
	for i, p := range props {
		contacts, err := b.store.ListContacts(ctx, p.prop.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: list contacts for property %s", p.prop.ID)
		}
		for _, c := range contacts {
			phones, err := b.store.ListPhones(ctx, c.ID)
			if err != nil {
				return nil, eris.Wrapf(err, "queue: list phones for contact %s", c.ID)
			}
			for _, ph := range phones {
				if ph.IsDNC && ph.Normalized != "" {
					suppressed[ph.Normalized] = true
				}
			}
			byProp[i] = append(byProp[i], contactPhones{contact: c, phones: phones})
		}
	}

	var items []model.QueueItem
	numbers := make(map[string]bool)
	for i, p := range props {
		before := len(items)
		for _, cp := range byProp[i] {
			for _, ph := range cp.phones {
				if ph.IsDNC || suppressed[ph.Normalized] {
					res.SuppressedPhones++
					continue
				}
				if ph.Normalized == "" || numbers[ph.Normalized] {
					continue
				}
				numbers[ph.Normalized] = true

				item := snapshot(p, cp.contact)
				item.Channel = model.ChannelCall
				item.PhoneID = ph.ID
				item.PhoneNumber = ph.Normalized
				items = append(items, item)
			}
		}
		if len(items) == before {
			res.PropertiesWithoutTarget++
		}
	}

	if len(items) == 0 {
		res.Message = callDiagnostic(len(props), res)
		return res, eris.Wrap(ErrNothingQueued, res.Message)
	}
	return res, b.insert(ctx, items, res)
}

// BuildEmailQueue adds at most one item per property: the first email of
// the decision maker when they have one, otherwise of the first contact
// that has any email. Properties with no email are skipped.
func (b *Builder) BuildEmailQueue(ctx context.Context, leadIDs []string, queueNumber int) (*BuildResult, error) {
	res := &BuildResult{Channel: model.ChannelEmail, QueueNumber: queueNumber}
	props, err := b.resolve(ctx, leadIDs, queueNumber, res)
	if err != nil {
		return nil, err
	}

	var items []model.QueueItem
	for _, p := range props {
		c, email, err := b.pickEmail(ctx, p.prop.ID)
		if err != nil {
			return nil, err
		}
		if email == nil {
			res.PropertiesWithoutTarget++
			continue
		}

		item := snapshot(p, *c)
		item.Channel = model.ChannelEmail
		item.EmailID = email.ID
		item.EmailAddress = email.Address
		items = append(items, item)
	}

	if len(items) == 0 {
		if len(props) == 0 {
			res.Message = "no leads matched a property"
		} else {
			res.Message = "no contacts with email found"
		}
		return res, eris.Wrap(ErrNothingQueued, res.Message)
	}
	return res, b.insert(ctx, items, res)
}

func (b *Builder) pickEmail(ctx context.Context, propertyID string) (*model.Contact, *model.Email, error) {
	contacts, err := b.store.ListContacts(ctx, propertyID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "queue: list contacts for property %s", propertyID)
	}

	var fallback *model.Contact
	var fallbackEmail *model.Email
	for i := range contacts {
		emails, err := b.store.ListEmails(ctx, contacts[i].ID)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "queue: list emails for contact %s", contacts[i].ID)
		}
		if len(emails) == 0 {
			continue
		}
		if contacts[i].IsDecisionMaker {
			return &contacts[i], &emails[0], nil
		}
		if fallback == nil {
			fallback, fallbackEmail = &contacts[i], &emails[0]
		}
	}
	return fallback, fallbackEmail, nil
}

type resolved struct {
	lead *model.Lead
	prop *model.Property
}

// resolve maps lead ids to their properties. Repeated ids are ignored and
// leads without a property are counted as omitted.
func (b *Builder) resolve(ctx context.Context, leadIDs []string, queueNumber int, res *BuildResult) ([]resolved, error) {
	if queueNumber < 1 {
		return nil, model.Validationf("queue number must be >= 1, got %d", queueNumber)
	}
	if len(leadIDs) == 0 {
		return nil, model.Validationf("no leads selected")
	}

	seen := make(map[string]bool, len(leadIDs))
	var out []resolved
	for _, id := range leadIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		lead, err := b.store.GetLead(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: get lead %s", id)
		}
		if lead == nil {
			res.Omitted++
			continue
		}
		prop, err := b.store.GetProperty(ctx, lead.PropertyID)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: get property %s", lead.PropertyID)
		}
		if prop == nil {
			res.Omitted++
			continue
		}
		out = append(out, resolved{lead: lead, prop: prop})
	}
	return out, nil
}

// insert numbers items from the queue's current maximum position and writes
// them in one call.
func (b *Builder) insert(ctx context.Context, items []model.QueueItem, res *BuildResult) error {
	maxPos, err := b.store.MaxQueuePosition(ctx, res.Channel, res.QueueNumber)
	if err != nil {
		return eris.Wrap(err, "queue: max position")
	}

	now := b.now().UTC()
	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].QueueNumber = res.QueueNumber
		items[i].Position = maxPos + 1 + i
		items[i].Status = model.QueueStatusQueued
		items[i].CreatedAt = now
	}

	n, err := b.store.InsertQueueItems(ctx, items)
	if err != nil {
		return eris.Wrap(err, "queue: insert items")
	}

	res.Added = n
	res.FirstPosition = items[0].Position
	res.LastPosition = items[len(items)-1].Position
	res.Message = fmt.Sprintf("added %d items to %s queue %d", n, res.Channel, res.QueueNumber)
	zap.L().Info("queue: items added",
		zap.String("channel", string(res.Channel)),
		zap.Int("queue_number", res.QueueNumber),
		zap.Int("added", n),
		zap.Int("omitted", res.Omitted),
		zap.Int("suppressed_phones", res.SuppressedPhones),
	)
	return nil
}

// snapshot copies display fields from the property. Later edits to the
// property do not reach the item.
func snapshot(r resolved, c model.Contact) model.QueueItem {
	p := r.prop
	return model.QueueItem{
		LeadID:        r.lead.ID,
		PropertyID:    p.ID,
		ContactID:     c.ID,
		ContactName:   c.Name,
		Address:       p.Address,
		City:          p.City,
		State:         p.State,
		Zip:           p.Zip,
		Price:         copyPtr(p.Price),
		DaysOnMarket:  copyPtr(p.DaysOnMarket),
		Beds:          copyPtr(p.Beds),
		Baths:         copyPtr(p.Baths),
		Sqft:          copyPtr(p.Sqft),
		DistressCode:  p.DistressCode,
		ListingStatus: p.Status,
	}
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func callDiagnostic(resolvedCount int, res *BuildResult) string {
	switch {
	case resolvedCount == 0:
		return "no leads matched a property"
	case res.SuppressedPhones > 0:
		return fmt.Sprintf("no callable phone numbers found (%d suppressed as do-not-call)", res.SuppressedPhones)
	default:
		return "no callable phone numbers found"
	}
}
