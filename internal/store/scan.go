package store

import (
	"strconv"
	"strings"

	"github.com/homenest/nous/internal/model"
)

// Column lists shared by both backends. Order matches the scan helpers.
const (
	propertyColumns = `id, address_normalized, address, city, state, zip, price, sqft, beds, baths,
	year_built, lot_size, listing_id, list_date, days_on_market, status, distress_code, source, created_at`
	contactColumns    = `id, property_id, name, role, is_decision_maker, priority, created_at`
	phoneColumns      = `id, contact_id, number, normalized, type, is_dnc, is_verified, call_attempts, last_called_at, created_at`
	emailColumns      = `id, contact_id, address, is_verified, created_at`
	leadColumns       = `id, property_id, status, source, created_at`
	queueStateColumns = `channel, queue_number, is_sending, is_paused, scenario_key, batch_id, updated_at`
	batchColumns      = `id, channel, queue_number, scenario_key, item_count, status, error, created_at, completed_at`
	retryColumns      = `id, queue_item_id, channel, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at`
)

// queueItemColumnNames is also the COPY column list for Postgres.
var queueItemColumnNames = []string{
	"id", "channel", "queue_number", "position", "lead_id", "property_id", "contact_id", "phone_id", "email_id",
	"contact_name", "phone_number", "email_address", "address", "city", "state", "zip",
	"price", "days_on_market", "beds", "baths", "sqft", "distress_code", "listing_status",
	"status", "error_message", "batch_id", "conversation_id", "attempts", "created_at", "started_at", "completed_at",
}

var queueItemColumns = strings.Join(queueItemColumnNames, ", ")

// placeholders renders n bind parameters, $1..$n when dollar is set and ? otherwise.
func placeholders(n int, dollar bool) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		if dollar {
			b.WriteString("$")
			b.WriteString(strconv.Itoa(i))
		} else {
			b.WriteString("?")
		}
	}
	return b.String()
}

type scannable interface {
	Scan(dest ...any) error
}

func propertyValues(p *model.Property) []any {
	return []any{
		p.ID, p.AddressNormalized, p.Address, p.City, p.State, p.Zip, p.Price, p.Sqft, p.Beds, p.Baths,
		p.YearBuilt, p.LotSize, p.ListingID, p.ListDate, p.DaysOnMarket, p.Status, p.DistressCode, p.Source, p.CreatedAt,
	}
}

func scanProperty(row scannable) (*model.Property, error) {
	var p model.Property
	err := row.Scan(
		&p.ID, &p.AddressNormalized, &p.Address, &p.City, &p.State, &p.Zip, &p.Price, &p.Sqft, &p.Beds, &p.Baths,
		&p.YearBuilt, &p.LotSize, &p.ListingID, &p.ListDate, &p.DaysOnMarket, &p.Status, &p.DistressCode, &p.Source, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func contactValues(c *model.Contact) []any {
	return []any{c.ID, c.PropertyID, c.Name, c.Role, c.IsDecisionMaker, c.Priority, c.CreatedAt}
}

func scanContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.PropertyID, &c.Name, &c.Role, &c.IsDecisionMaker, &c.Priority, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func phoneValues(p *model.Phone) []any {
	return []any{p.ID, p.ContactID, p.Number, p.Normalized, p.Type, p.IsDNC, p.IsVerified, p.CallAttempts, p.LastCalledAt, p.CreatedAt}
}

func scanPhone(row scannable) (*model.Phone, error) {
	var p model.Phone
	err := row.Scan(&p.ID, &p.ContactID, &p.Number, &p.Normalized, &p.Type, &p.IsDNC, &p.IsVerified,
		&p.CallAttempts, &p.LastCalledAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func emailValues(e *model.Email) []any {
	return []any{e.ID, e.ContactID, e.Address, e.IsVerified, e.CreatedAt}
}

func scanEmail(row scannable) (*model.Email, error) {
	var e model.Email
	if err := row.Scan(&e.ID, &e.ContactID, &e.Address, &e.IsVerified, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func leadValues(l *model.Lead) []any {
	return []any{l.ID, l.PropertyID, string(l.Status), l.Source, l.CreatedAt}
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	if err := row.Scan(&l.ID, &l.PropertyID, &l.Status, &l.Source, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func queueItemValues(it *model.QueueItem) []any {
	return []any{
		it.ID, string(it.Channel), it.QueueNumber, it.Position, it.LeadID, it.PropertyID, it.ContactID, it.PhoneID, it.EmailID,
		it.ContactName, it.PhoneNumber, it.EmailAddress, it.Address, it.City, it.State, it.Zip,
		it.Price, it.DaysOnMarket, it.Beds, it.Baths, it.Sqft, it.DistressCode, it.ListingStatus,
		string(it.Status), it.ErrorMessage, it.BatchID, it.ConversationID, it.Attempts, it.CreatedAt, it.StartedAt, it.CompletedAt,
	}
}

func scanQueueItem(row scannable) (*model.QueueItem, error) {
	var it model.QueueItem
	err := row.Scan(
		&it.ID, &it.Channel, &it.QueueNumber, &it.Position, &it.LeadID, &it.PropertyID, &it.ContactID, &it.PhoneID, &it.EmailID,
		&it.ContactName, &it.PhoneNumber, &it.EmailAddress, &it.Address, &it.City, &it.State, &it.Zip,
		&it.Price, &it.DaysOnMarket, &it.Beds, &it.Baths, &it.Sqft, &it.DistressCode, &it.ListingStatus,
		&it.Status, &it.ErrorMessage, &it.BatchID, &it.ConversationID, &it.Attempts, &it.CreatedAt, &it.StartedAt, &it.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func scanQueueState(row scannable) (*model.QueueState, error) {
	var st model.QueueState
	err := row.Scan(&st.Channel, &st.QueueNumber, &st.IsSending, &st.IsPaused, &st.ScenarioKey, &st.BatchID, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.Channel, &b.QueueNumber, &b.ScenarioKey, &b.ItemCount, &b.Status, &b.Error, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func retryValues(e *model.RetryEntry) []any {
	return []any{
		e.ID, e.QueueItemID, string(e.Channel), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	}
}

func scanRetry(row scannable) (*model.RetryEntry, error) {
	var e model.RetryEntry
	err := row.Scan(&e.ID, &e.QueueItemID, &e.Channel, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
		&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// defaultQueueState is returned for queues that have never been touched.
func defaultQueueState(channel model.Channel, queueNumber int) *model.QueueState {
	return &model.QueueState{Channel: channel, QueueNumber: queueNumber}
}

// requiredTables must exist before an import may write.
var requiredTables = []string{"properties", "contacts", "phones", "emails", "leads"}

// columnList splits one of the column constants into names for COPY.
func columnList(cols string) []string {
	parts := strings.Split(cols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
