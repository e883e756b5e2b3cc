package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ptr[T any](v T) *T { return &v }

func testBundle(id, address, source string) *model.LeadBundle {
	now := time.Now().UTC()
	return &model.LeadBundle{
		Property: model.Property{
			ID:                "prop-" + id,
			AddressNormalized: address + "|78701",
			Address:           address,
			City:              "Austin",
			State:             "TX",
			Zip:               "78701",
			Price:             ptr(350000.0),
			Beds:              ptr(3.0),
			DaysOnMarket:      ptr(45),
			Source:            source,
			CreatedAt:         now,
		},
		Contacts: []model.ContactBundle{
			{
				Contact: model.Contact{ID: "contact-" + id, PropertyID: "prop-" + id, Name: "Jane Doe", IsDecisionMaker: true, Priority: ptr(1), CreatedAt: now},
				Phones: []model.Phone{
					{ID: "phone-" + id + "-1", ContactID: "contact-" + id, Number: "(512) 555-0100", Normalized: "+15125550100", CreatedAt: now},
					{ID: "phone-" + id + "-2", ContactID: "contact-" + id, Number: "512-555-0101", Normalized: "+15125550101", IsDNC: true, CreatedAt: now},
				},
				Emails: []model.Email{
					{ID: "email-" + id, ContactID: "contact-" + id, Address: "jane@example.com", CreatedAt: now},
				},
			},
		},
		Lead: model.Lead{ID: "lead-" + id, PropertyID: "prop-" + id, Status: model.LeadStatusNew, Source: source, CreatedAt: now},
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.CheckSchema(context.Background()))
}

func TestSQLite_CheckSchemaMissingTables(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer s.Close()

	err = s.CheckSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "properties")
}

func TestSQLite_InsertLeadBundleAndRead(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "123 main st", "mls")))

	lead, err := s.GetLead(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, lead)
	assert.Equal(t, "prop-1", lead.PropertyID)
	assert.Equal(t, model.LeadStatusNew, lead.Status)

	prop, err := s.GetProperty(ctx, "prop-1")
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "Austin", prop.City)
	require.NotNil(t, prop.Price)
	assert.InDelta(t, 350000.0, *prop.Price, 0.001)
	assert.Nil(t, prop.Sqft)
	require.NotNil(t, prop.DaysOnMarket)
	assert.Equal(t, 45, *prop.DaysOnMarket)

	contacts, err := s.ListContacts(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, contacts[0].IsDecisionMaker)

	phones, err := s.ListPhones(ctx, "contact-1")
	require.NoError(t, err)
	require.Len(t, phones, 2)
	assert.False(t, phones[0].IsDNC)
	assert.True(t, phones[1].IsDNC)
	assert.Nil(t, phones[0].LastCalledAt)

	emails, err := s.ListEmails(ctx, "contact-1")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "jane@example.com", emails[0].Address)

	keys, err := s.ExistingAddressKeys(ctx, "mls")
	require.NoError(t, err)
	assert.Contains(t, keys, "123 main st|78701")

	other, err := s.ExistingAddressKeys(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLite_InsertLeadBundleDuplicateRollsBack(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "123 main st", "mls")))

	dup := testBundle("2", "123 main st", "mls")
	require.Error(t, s.InsertLeadBundle(ctx, dup))

	contacts, err := s.ListContacts(ctx, "prop-2")
	require.NoError(t, err)
	assert.Empty(t, contacts)
	lead, err := s.GetLead(ctx, "lead-2")
	require.NoError(t, err)
	assert.Nil(t, lead)
}

func TestSQLite_GetMissingReturnsNil(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	lead, err := s.GetLead(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, lead)

	prop, err := s.GetProperty(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, prop)

	item, err := s.GetQueueItem(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, item)

	batch, err := s.GetBatch(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestSQLite_ListLeadIDs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "1 a st", "mls")))
	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("2", "2 b st", "mls")))
	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("3", "3 c st", "fsbo")))

	ids, err := s.ListLeadIDs(ctx, LeadFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1", "lead-2", "lead-3"}, ids)

	ids, err = s.ListLeadIDs(ctx, LeadFilter{Source: "mls", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-2"}, ids)

	require.NoError(t, s.UpdateLeadStatus(ctx, "lead-3", model.LeadStatusContacted))
	ids, err = s.ListLeadIDs(ctx, LeadFilter{Status: model.LeadStatusContacted})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-3"}, ids)

	assert.Error(t, s.UpdateLeadStatus(ctx, "missing", model.LeadStatusContacted))
}

func TestSQLite_RecordCallAttempt(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "1 a st", "mls")))

	require.NoError(t, s.RecordCallAttempt(ctx, "phone-1-1", time.Now()))
	require.NoError(t, s.RecordCallAttempt(ctx, "phone-1-1", time.Now()))

	phones, err := s.ListPhones(ctx, "contact-1")
	require.NoError(t, err)
	assert.Equal(t, 2, phones[0].CallAttempts)
	assert.NotNil(t, phones[0].LastCalledAt)

	assert.Error(t, s.RecordCallAttempt(ctx, "missing", time.Now()))
}

func TestSQLite_DeleteAllLeadData(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "1 a st", "mls")))
	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("2", "2 b st", "mls")))
	_, err := s.InsertQueueItems(ctx, []model.QueueItem{testItem("q1", model.ChannelCall, 1, 1)})
	require.NoError(t, err)
	require.NoError(t, s.SaveQueueState(ctx, &model.QueueState{
		Channel: model.ChannelCall, QueueNumber: 1, IsPaused: true, ScenarioKey: "intro", BatchID: "b1",
	}))

	n, err := s.DeleteAllLeadData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := s.GetQueueState(ctx, model.ChannelCall, 1)
	require.NoError(t, err)
	assert.False(t, st.IsPaused)
	assert.Empty(t, st.BatchID)

	keys, err := s.ExistingAddressKeys(ctx, "mls")
	require.NoError(t, err)
	assert.Empty(t, keys)
	phones, err := s.ListPhones(ctx, "contact-1")
	require.NoError(t, err)
	assert.Empty(t, phones)
	item, err := s.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestSQLite_DeleteAllLeadData_RefusesWhileSending(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "1 a st", "mls")))
	_, err := s.InsertQueueItems(ctx, []model.QueueItem{testItem("q1", model.ChannelEmail, 1, 1)})
	require.NoError(t, err)
	require.NoError(t, s.SaveQueueState(ctx, &model.QueueState{
		Channel: model.ChannelEmail, QueueNumber: 1, IsSending: true, BatchID: "b1",
	}))

	_, err = s.DeleteAllLeadData(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueuesBusy))

	item, err := s.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.NotNil(t, item)
	keys, err := s.ExistingAddressKeys(ctx, "mls")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSQLite_GetPhone(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertLeadBundle(ctx, testBundle("1", "1 a st", "mls")))

	p, err := s.GetPhone(ctx, "phone-1-2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "+15125550101", p.Normalized)
	assert.True(t, p.IsDNC)

	p, err = s.GetPhone(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testItem(id string, ch model.Channel, queueNumber, position int) model.QueueItem {
	return model.QueueItem{
		ID:          id,
		Channel:     ch,
		QueueNumber: queueNumber,
		Position:    position,
		LeadID:      "lead-" + id,
		ContactName: "Jane Doe",
		PhoneNumber: "+15125550100",
		Address:     "123 Main St",
		Price:       ptr(250000.0),
		Status:      model.QueueStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSQLite_QueueItems(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	pos, err := s.MaxQueuePosition(ctx, model.ChannelCall, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	n, err := s.InsertQueueItems(ctx, []model.QueueItem{
		testItem("b", model.ChannelCall, 1, 2),
		testItem("a", model.ChannelCall, 1, 1),
		testItem("c", model.ChannelEmail, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pos, err = s.MaxQueuePosition(ctx, model.ChannelCall, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	items, err := s.ListQueueItems(ctx, QueueFilter{Channel: model.ChannelCall, QueueNumber: 1})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	require.NotNil(t, items[0].Price)
	assert.Nil(t, items[0].StartedAt)

	_, err = s.InsertQueueItems(ctx, []model.QueueItem{testItem("dup", model.ChannelCall, 1, 2)})
	assert.Error(t, err, "positions are unique per queue")

	counts, err := s.CountQueueItems(ctx, model.ChannelCall, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.QueueStatusQueued])

	deleted, err := s.DeleteQueueItems(ctx, model.ChannelCall, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	items, err = s.ListQueueItems(ctx, QueueFilter{Channel: model.ChannelEmail, QueueNumber: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1, "other channel untouched")
}

func TestSQLite_TransitionQueueItem(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := s.InsertQueueItems(ctx, []model.QueueItem{testItem("a", model.ChannelCall, 1, 1)})
	require.NoError(t, err)

	started := time.Now().UTC()
	ok, err := s.TransitionQueueItem(ctx, ItemTransition{
		ID: "a", From: model.QueueStatusQueued, To: model.QueueStatusCalling,
		StartedAt: &started, AttemptsDelta: 1,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionQueueItem(ctx, ItemTransition{ID: "a", From: model.QueueStatusQueued, To: model.QueueStatusCalling})
	require.NoError(t, err)
	assert.False(t, ok, "stale from-status must not apply")

	ok, err = s.TransitionQueueItem(ctx, ItemTransition{
		ID: "a", From: model.QueueStatusCalling, To: model.QueueStatusQueued, ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	item, err := s.GetQueueItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusQueued, item.Status)
	assert.Nil(t, item.StartedAt)
	assert.Equal(t, "boom", item.ErrorMessage)
	assert.Equal(t, 1, item.Attempts)

	items, err := s.ListQueueItems(ctx, QueueFilter{
		Channel: model.ChannelCall, QueueNumber: 1, Statuses: []model.QueueStatus{model.QueueStatusSent},
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLite_CountOutcomesSince(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := s.InsertQueueItems(ctx, []model.QueueItem{
		testItem("a", model.ChannelCall, 1, 1),
		testItem("b", model.ChannelCall, 1, 2),
		testItem("c", model.ChannelCall, 1, 3),
	})
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour).UTC()
	now := time.Now().UTC()
	for _, tc := range []struct {
		id   string
		to   model.QueueStatus
		when time.Time
	}{
		{"a", model.QueueStatusSent, now},
		{"b", model.QueueStatusFailed, now},
		{"c", model.QueueStatusSent, old},
	} {
		_, err := s.TransitionQueueItem(ctx, ItemTransition{ID: tc.id, From: model.QueueStatusQueued, To: model.QueueStatusCalling})
		require.NoError(t, err)
		when := tc.when
		_, err = s.TransitionQueueItem(ctx, ItemTransition{ID: tc.id, From: model.QueueStatusCalling, To: tc.to, CompletedAt: &when})
		require.NoError(t, err)
	}

	counts, err := s.CountOutcomesSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.QueueStatusSent])
	assert.Equal(t, 1, counts[model.QueueStatusFailed])
}

func TestSQLite_QueueState(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	st, err := s.GetQueueState(ctx, model.ChannelEmail, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, st.Channel)
	assert.Equal(t, 2, st.QueueNumber)
	assert.False(t, st.IsSending)

	st.IsSending = true
	st.ScenarioKey = "intro"
	require.NoError(t, s.SaveQueueState(ctx, st))

	st.IsPaused = true
	require.NoError(t, s.SaveQueueState(ctx, st))

	got, err := s.GetQueueState(ctx, model.ChannelEmail, 2)
	require.NoError(t, err)
	assert.True(t, got.IsSending)
	assert.True(t, got.IsPaused)
	assert.Equal(t, "intro", got.ScenarioKey)
}

func TestSQLite_Batches(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	b := &model.Batch{Channel: model.ChannelEmail, QueueNumber: 1, ScenarioKey: "intro", ItemCount: 3}
	require.NoError(t, s.CreateBatch(ctx, b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.BatchStatusPending, b.Status)

	require.NoError(t, s.CompleteBatch(ctx, b.ID, model.BatchStatusFailed, "webhook 502"))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.BatchStatusFailed, got.Status)
	assert.Equal(t, "webhook 502", got.Error)
	assert.NotNil(t, got.CompletedAt)

	assert.Error(t, s.CompleteBatch(ctx, "missing", model.BatchStatusDelivered, ""))
}

func TestSQLite_Retries(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertQueueItems(ctx, []model.QueueItem{
		testItem("a", model.ChannelCall, 1, 1),
		testItem("b", model.ChannelCall, 1, 2),
	})
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := s.TransitionQueueItem(ctx, ItemTransition{ID: id, From: model.QueueStatusQueued, To: model.QueueStatusCalling})
		require.NoError(t, err)
		_, err = s.TransitionQueueItem(ctx, ItemTransition{ID: id, From: model.QueueStatusCalling, To: model.QueueStatusFailed})
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	require.NoError(t, s.EnqueueRetry(ctx, model.RetryEntry{
		QueueItemID: "a", Channel: model.ChannelCall, Error: "no answer", ErrorType: "transient",
		MaxRetries: 3, NextRetryAt: now.Add(-time.Minute), CreatedAt: now, LastFailedAt: now,
	}))
	require.NoError(t, s.EnqueueRetry(ctx, model.RetryEntry{
		QueueItemID: "b", Channel: model.ChannelCall, Error: "busy", ErrorType: "transient",
		MaxRetries: 3, NextRetryAt: now.Add(time.Hour), CreatedAt: now, LastFailedAt: now,
	}))

	due, err := s.DueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].QueueItemID)
	assert.Equal(t, 0, due[0].RetryCount)

	require.NoError(t, s.MarkRetried(ctx, due[0].ID))

	// Re-enqueue keeps the attempt count and updates the error.
	require.NoError(t, s.EnqueueRetry(ctx, model.RetryEntry{
		QueueItemID: "a", Channel: model.ChannelCall, Error: "voicemail", ErrorType: "transient",
		MaxRetries: 3, NextRetryAt: now.Add(-time.Second), CreatedAt: now, LastFailedAt: now,
	}))
	due, err = s.DueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, "voicemail", due[0].Error)

	// Entries whose item is no longer failed are not due.
	_, err = s.TransitionQueueItem(ctx, ItemTransition{ID: "a", From: model.QueueStatusFailed, To: model.QueueStatusQueued})
	require.NoError(t, err)
	due, err = s.DueRetries(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := s.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.RemoveRetry(ctx, "a"))
	n, err = s.CountRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
