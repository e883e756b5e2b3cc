package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/homenest/nous/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id                 TEXT PRIMARY KEY,
	address_normalized TEXT NOT NULL,
	address            TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT '',
	zip                TEXT NOT NULL DEFAULT '',
	price              REAL,
	sqft               INTEGER,
	beds               REAL,
	baths              REAL,
	year_built         INTEGER,
	lot_size           REAL,
	listing_id         TEXT NOT NULL DEFAULT '',
	list_date          TEXT NOT NULL DEFAULT '',
	days_on_market     INTEGER,
	status             TEXT NOT NULL DEFAULT '',
	distress_code      TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source, address_normalized)
);

CREATE TABLE IF NOT EXISTS contacts (
	id                TEXT PRIMARY KEY,
	property_id       TEXT NOT NULL REFERENCES properties(id),
	name              TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL DEFAULT '',
	is_decision_maker BOOLEAN NOT NULL DEFAULT 0,
	priority          INTEGER,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS phones (
	id             TEXT PRIMARY KEY,
	contact_id     TEXT NOT NULL REFERENCES contacts(id),
	number         TEXT NOT NULL DEFAULT '',
	normalized     TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	is_dnc         BOOLEAN NOT NULL DEFAULT 0,
	is_verified    BOOLEAN NOT NULL DEFAULT 0,
	call_attempts  INTEGER NOT NULL DEFAULT 0,
	last_called_at DATETIME,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS emails (
	id          TEXT PRIMARY KEY,
	contact_id  TEXT NOT NULL REFERENCES contacts(id),
	address     TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id),
	status      TEXT NOT NULL DEFAULT 'new',
	source      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS queue_items (
	id              TEXT PRIMARY KEY,
	channel         TEXT NOT NULL,
	queue_number    INTEGER NOT NULL,
	position        INTEGER NOT NULL,
	lead_id         TEXT NOT NULL,
	property_id     TEXT NOT NULL DEFAULT '',
	contact_id      TEXT NOT NULL DEFAULT '',
	phone_id        TEXT NOT NULL DEFAULT '',
	email_id        TEXT NOT NULL DEFAULT '',
	contact_name    TEXT NOT NULL DEFAULT '',
	phone_number    TEXT NOT NULL DEFAULT '',
	email_address   TEXT NOT NULL DEFAULT '',
	address         TEXT NOT NULL DEFAULT '',
	city            TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	zip             TEXT NOT NULL DEFAULT '',
	price           REAL,
	days_on_market  INTEGER,
	beds            REAL,
	baths           REAL,
	sqft            INTEGER,
	distress_code   TEXT NOT NULL DEFAULT '',
	listing_status  TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	error_message   TEXT NOT NULL DEFAULT '',
	batch_id        TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at      DATETIME,
	completed_at    DATETIME,
	UNIQUE (channel, queue_number, position)
);

CREATE TABLE IF NOT EXISTS queue_states (
	channel      TEXT NOT NULL,
	queue_number INTEGER NOT NULL,
	is_sending   BOOLEAN NOT NULL DEFAULT 0,
	is_paused    BOOLEAN NOT NULL DEFAULT 0,
	scenario_key TEXT NOT NULL DEFAULT '',
	batch_id     TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (channel, queue_number)
);

CREATE TABLE IF NOT EXISTS dispatch_batches (
	id           TEXT PRIMARY KEY,
	channel      TEXT NOT NULL,
	queue_number INTEGER NOT NULL,
	scenario_key TEXT NOT NULL DEFAULT '',
	item_count   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS dispatch_retries (
	id             TEXT PRIMARY KEY,
	queue_item_id  TEXT NOT NULL UNIQUE,
	channel        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_contacts_property_id ON contacts(property_id);
CREATE INDEX IF NOT EXISTS idx_phones_contact_id ON phones(contact_id);
CREATE INDEX IF NOT EXISTS idx_emails_contact_id ON emails(contact_id);
CREATE INDEX IF NOT EXISTS idx_leads_property_id ON leads(property_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(channel, queue_number, status);
CREATE INDEX IF NOT EXISTS idx_queue_items_batch_id ON queue_items(batch_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CheckSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
		if err != nil {
			return eris.Wrapf(err, "sqlite: check table %s", table)
		}
		if n == 0 {
			return eris.Errorf("sqlite: required table %s does not exist", table)
		}
	}
	return nil
}

func (s *SQLiteStore) ExistingAddressKeys(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address_normalized FROM properties WHERE source = ?`, source)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing address keys")
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan address key")
		}
		keys[k] = struct{}{}
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: existing address keys iterate")
}

func (s *SQLiteStore) InsertLeadBundle(ctx context.Context, b *model.LeadBundle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin lead tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO properties (`+propertyColumns+`) VALUES (`+placeholders(19, false)+`)`,
		propertyValues(&b.Property)...,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert property %s", b.Property.AddressNormalized)
	}
	for i := range b.Contacts {
		cb := &b.Contacts[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES (`+placeholders(7, false)+`)`,
			contactValues(&cb.Contact)...,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert contact")
		}
		for j := range cb.Phones {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO phones (`+phoneColumns+`) VALUES (`+placeholders(10, false)+`)`,
				phoneValues(&cb.Phones[j])...,
			); err != nil {
				return eris.Wrap(err, "sqlite: insert phone")
			}
		}
		for j := range cb.Emails {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO emails (`+emailColumns+`) VALUES (`+placeholders(5, false)+`)`,
				emailValues(&cb.Emails[j])...,
			); err != nil {
				return eris.Wrap(err, "sqlite: insert email")
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES (`+placeholders(5, false)+`)`,
		leadValues(&b.Lead)...,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert lead")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit lead tx")
}

// leadDataTables are cleared child-first by DeleteAllLeadData.
var leadDataTables = []string{"dispatch_retries", "queue_items", "queue_states", "leads", "emails", "phones", "contacts", "properties"}

func (s *SQLiteStore) DeleteAllLeadData(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin delete tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var sending int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_states WHERE is_sending`).Scan(&sending); err != nil {
		return 0, eris.Wrap(err, "sqlite: count sending queues")
	}
	if sending > 0 {
		return 0, eris.Wrapf(ErrQueuesBusy, "%d queue(s) sending", sending)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count properties")
	}
	for _, table := range leadDataTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return 0, eris.Wrapf(err, "sqlite: delete %s", table)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit delete tx")
	}
	return n, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "sqlite: get lead %s", id)
}

func (s *SQLiteStore) ListLeadIDs(ctx context.Context, filter LeadFilter) ([]string, error) {
	query := `SELECT id FROM leads WHERE 1=1`
	var args []any
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY rowid`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	p, err := scanProperty(s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: get property %s", id)
}

func (s *SQLiteStore) ListContacts(ctx context.Context, propertyID string) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE property_id = ?
		 ORDER BY is_decision_maker DESC, COALESCE(priority, 1000000), rowid`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) ListPhones(ctx context.Context, contactID string) ([]model.Phone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+phoneColumns+` FROM phones WHERE contact_id = ? ORDER BY rowid`, contactID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list phones")
	}
	defer rows.Close()

	var out []model.Phone
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phone")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list phones iterate")
}

func (s *SQLiteStore) GetPhone(ctx context.Context, id string) (*model.Phone, error) {
	p, err := scanPhone(s.db.QueryRowContext(ctx, `SELECT `+phoneColumns+` FROM phones WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: get phone %s", id)
}

func (s *SQLiteStore) ListEmails(ctx context.Context, contactID string) ([]model.Email, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE contact_id = ? ORDER BY rowid`, contactID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list emails")
	}
	defer rows.Close()

	var out []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list emails iterate")
}

func (s *SQLiteStore) RecordCallAttempt(ctx context.Context, phoneID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phones SET call_attempts = call_attempts + 1, last_called_at = ? WHERE id = ?`,
		at.UTC(), phoneID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record call attempt %s", phoneID)
	}
	return checkRowsAffected(res, "phone", phoneID)
}

func (s *SQLiteStore) MaxQueuePosition(ctx context.Context, channel model.Channel, queueNumber int) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM queue_items WHERE channel = ? AND queue_number = ?`,
		string(channel), queueNumber,
	).Scan(&pos)
	return pos, eris.Wrap(err, "sqlite: max queue position")
}

func (s *SQLiteStore) InsertQueueItems(ctx context.Context, items []model.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin queue tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queue_items (`+queueItemColumns+`) VALUES (`+placeholders(len(queueItemColumnNames), false)+`)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare queue insert")
	}
	defer stmt.Close()

	for i := range items {
		if _, err := stmt.ExecContext(ctx, queueItemValues(&items[i])...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert queue item at position %d", items[i].Position)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit queue tx")
	}
	return len(items), nil
}

func (s *SQLiteStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE channel = ?`
	args := []any{string(filter.Channel)}
	if filter.QueueNumber > 0 {
		query += ` AND queue_number = ?`
		args = append(args, filter.QueueNumber)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses), false) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY queue_number, position`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue items")
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list queue items iterate")
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	it, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "sqlite: get queue item %s", id)
}

func (s *SQLiteStore) TransitionQueueItem(ctx context.Context, t ItemTransition) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, batch_id = ?, conversation_id = ?, error_message = ?,
		 started_at = ?, completed_at = ?, attempts = attempts + ?
		 WHERE id = ? AND status = ?`,
		string(t.To), t.BatchID, t.ConversationID, t.ErrorMessage,
		t.StartedAt, t.CompletedAt, t.AttemptsDelta,
		t.ID, string(t.From),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition queue item %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (map[model.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE channel = ? AND queue_number = ? GROUP BY status`,
		string(channel), queueNumber,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count queue items")
	}
	return collectStatusCounts(rows)
}

// CountOutcomesSince filters in Go because stored timestamps do not sort
// lexically once fractional seconds vary in width.
func (s *SQLiteStore) CountOutcomesSince(ctx context.Context, since time.Time) (map[model.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, completed_at FROM queue_items WHERE completed_at IS NOT NULL AND status IN (?, ?)`,
		string(model.QueueStatusSent), string(model.QueueStatusFailed),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count outcomes")
	}
	defer rows.Close()

	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status model.QueueStatus
		var completed time.Time
		if err := rows.Scan(&status, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		if !completed.Before(since) {
			counts[status]++
		}
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count outcomes iterate")
}

func (s *SQLiteStore) DeleteQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin clear tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dispatch_retries WHERE queue_item_id IN
		 (SELECT id FROM queue_items WHERE channel = ? AND queue_number = ?)`,
		string(channel), queueNumber,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete queue retries")
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE channel = ? AND queue_number = ?`, string(channel), queueNumber,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete queue items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit clear tx")
}

func (s *SQLiteStore) GetQueueState(ctx context.Context, channel model.Channel, queueNumber int) (*model.QueueState, error) {
	st, err := scanQueueState(s.db.QueryRowContext(ctx,
		`SELECT `+queueStateColumns+` FROM queue_states WHERE channel = ? AND queue_number = ?`,
		string(channel), queueNumber,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return defaultQueueState(channel, queueNumber), nil
	}
	return st, eris.Wrapf(err, "sqlite: get queue state %s/%d", channel, queueNumber)
}

func (s *SQLiteStore) SaveQueueState(ctx context.Context, st *model.QueueState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_states (`+queueStateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel, queue_number) DO UPDATE SET
		   is_sending = excluded.is_sending,
		   is_paused = excluded.is_paused,
		   scenario_key = excluded.scenario_key,
		   batch_id = excluded.batch_id,
		   updated_at = excluded.updated_at`,
		string(st.Channel), st.QueueNumber, st.IsSending, st.IsPaused, st.ScenarioKey, st.BatchID, st.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save queue state %s/%d", st.Channel, st.QueueNumber)
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusPending
	}
	b.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_batches (`+batchColumns+`) VALUES (`+placeholders(9, false)+`)`,
		b.ID, string(b.Channel), b.QueueNumber, b.ScenarioKey, b.ItemCount, string(b.Status), b.Error, b.CreatedAt, b.CompletedAt,
	)
	return eris.Wrap(err, "sqlite: insert batch")
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_batches SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete batch %s", id)
	}
	return checkRowsAffected(res, "batch", id)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM dispatch_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, eris.Wrapf(err, "sqlite: get batch %s", id)
}

func (s *SQLiteStore) EnqueueRetry(ctx context.Context, e model.RetryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_retries (`+retryColumns+`) VALUES (`+placeholders(10, false)+`)
		 ON CONFLICT (queue_item_id) DO UPDATE SET
		   error = excluded.error,
		   error_type = excluded.error_type,
		   max_retries = excluded.max_retries,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		retryValues(&e)...,
	)
	return eris.Wrapf(err, "sqlite: enqueue retry for %s", e.QueueItemID)
}

// DueRetries filters next_retry_at in Go for the same reason as
// CountOutcomesSince.
func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM dispatch_retries
		 WHERE queue_item_id IN (SELECT id FROM queue_items WHERE status = ?)
		 ORDER BY rowid`,
		string(model.QueueStatusFailed),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries")
	}
	defer rows.Close()

	var out []model.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry")
		}
		if !e.NextRetryAt.After(now) {
			out = append(out, *e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries iterate")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) MarkRetried(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dispatch_retries SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark retried %s", id)
	}
	return checkRowsAffected(res, "retry", id)
}

func (s *SQLiteStore) RemoveRetry(ctx context.Context, queueItemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_retries WHERE queue_item_id = ?`, queueItemID)
	return eris.Wrapf(err, "sqlite: remove retry for %s", queueItemID)
}

func (s *SQLiteStore) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_retries`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count retries")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func collectStatusCounts(rows *sql.Rows) (map[model.QueueStatus]int, error) {
	defer rows.Close()
	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status model.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}
