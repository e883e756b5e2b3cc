package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/homenest/nous/internal/db"
	"github.com/homenest/nous/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	id                 TEXT PRIMARY KEY,
	address_normalized TEXT NOT NULL,
	address            TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT '',
	zip                TEXT NOT NULL DEFAULT '',
	price              DOUBLE PRECISION,
	sqft               INTEGER,
	beds               DOUBLE PRECISION,
	baths              DOUBLE PRECISION,
	year_built         INTEGER,
	lot_size           DOUBLE PRECISION,
	listing_id         TEXT NOT NULL DEFAULT '',
	list_date          TEXT NOT NULL DEFAULT '',
	days_on_market     INTEGER,
	status             TEXT NOT NULL DEFAULT '',
	distress_code      TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, address_normalized)
);

CREATE TABLE IF NOT EXISTS contacts (
	id                TEXT PRIMARY KEY,
	property_id       TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	name              TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL DEFAULT '',
	is_decision_maker BOOLEAN NOT NULL DEFAULT false,
	priority          INTEGER,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS phones (
	id             TEXT PRIMARY KEY,
	contact_id     TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	number         TEXT NOT NULL DEFAULT '',
	normalized     TEXT NOT NULL,
	type           TEXT NOT NULL DEFAULT '',
	is_dnc         BOOLEAN NOT NULL DEFAULT false,
	is_verified    BOOLEAN NOT NULL DEFAULT false,
	call_attempts  INTEGER NOT NULL DEFAULT 0,
	last_called_at TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS emails (
	id          TEXT PRIMARY KEY,
	contact_id  TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	address     TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
	status      TEXT NOT NULL DEFAULT 'new',
	source      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	price           DOUBLE PRECISION,
	days_on_market  INTEGER,
	beds            DOUBLE PRECISION,
	baths           DOUBLE PRECISION,
	sqft            INTEGER,
	distress_code   TEXT NOT NULL DEFAULT '',
	listing_status  TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	error_message   TEXT NOT NULL DEFAULT '',
	batch_id        TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	UNIQUE (channel, queue_number, position)
);

CREATE TABLE IF NOT EXISTS queue_states (
	channel      TEXT NOT NULL,
	queue_number INTEGER NOT NULL,
	is_sending   BOOLEAN NOT NULL DEFAULT false,
	is_paused    BOOLEAN NOT NULL DEFAULT false,
	scenario_key TEXT NOT NULL DEFAULT '',
	batch_id     TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dispatch_retries (
	id             TEXT PRIMARY KEY,
	queue_item_id  TEXT NOT NULL UNIQUE,
	channel        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_property_id ON contacts(property_id);
CREATE INDEX IF NOT EXISTS idx_phones_contact_id ON phones(contact_id);
CREATE INDEX IF NOT EXISTS idx_emails_contact_id ON emails(contact_id);
CREATE INDEX IF NOT EXISTS idx_leads_property_id ON leads(property_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(channel, queue_number, status);
CREATE INDEX IF NOT EXISTS idx_queue_items_batch_id ON queue_items(batch_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_completed_at ON queue_items(completed_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_retries_next ON dispatch_retries(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CheckSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
			table,
		).Scan(&exists)
		if err != nil {
			return eris.Wrapf(err, "postgres: check table %s", table)
		}
		if !exists {
			return eris.Errorf("postgres: required table %s does not exist", table)
		}
	}
	return nil
}

func (s *PostgresStore) ExistingAddressKeys(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT address_normalized FROM properties WHERE source = $1`, source)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing address keys")
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan address key")
		}
		keys[k] = struct{}{}
	}
	return keys, eris.Wrap(rows.Err(), "postgres: existing address keys iterate")
}

// InsertLeadBundle writes one row's property, contacts, phones, emails and
// lead in a single transaction. Child rows go through COPY.
func (s *PostgresStore) InsertLeadBundle(ctx context.Context, b *model.LeadBundle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin lead tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO properties (`+propertyColumns+`) VALUES (`+placeholders(19, true)+`)`,
		propertyValues(&b.Property)...,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert property %s", b.Property.AddressNormalized)
	}

	var contacts, phones, emails [][]any
	for i := range b.Contacts {
		cb := &b.Contacts[i]
		contacts = append(contacts, contactValues(&cb.Contact))
		for j := range cb.Phones {
			phones = append(phones, phoneValues(&cb.Phones[j]))
		}
		for j := range cb.Emails {
			emails = append(emails, emailValues(&cb.Emails[j]))
		}
	}
	if _, err := db.CopyFrom(ctx, tx, "contacts", columnList(contactColumns), contacts); err != nil {
		return eris.Wrap(err, "postgres: insert contacts")
	}
	if _, err := db.CopyFrom(ctx, tx, "phones", columnList(phoneColumns), phones); err != nil {
		return eris.Wrap(err, "postgres: insert phones")
	}
	if _, err := db.CopyFrom(ctx, tx, "emails", columnList(emailColumns), emails); err != nil {
		return eris.Wrap(err, "postgres: insert emails")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES (`+placeholders(5, true)+`)`,
		leadValues(&b.Lead)...,
	); err != nil {
		return eris.Wrap(err, "postgres: insert lead")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit lead tx")
}

func (s *PostgresStore) DeleteAllLeadData(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin delete tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var sending int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM queue_states WHERE is_sending`).Scan(&sending); err != nil {
		return 0, eris.Wrap(err, "postgres: count sending queues")
	}
	if sending > 0 {
		return 0, eris.Wrapf(ErrQueuesBusy, "%d queue(s) sending", sending)
	}

	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM properties`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count properties")
	}
	for _, table := range leadDataTables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return 0, eris.Wrapf(err, "postgres: delete %s", table)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit delete tx")
	}
	return n, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, eris.Wrapf(err, "postgres: get lead %s", id)
}

func (s *PostgresStore) ListLeadIDs(ctx context.Context, filter LeadFilter) ([]string, error) {
	query := `SELECT id FROM leads WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.Source != "" {
		query += ` AND source = ` + arg(filter.Source)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leads SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: get property %s", id)
}

func (s *PostgresStore) ListContacts(ctx context.Context, propertyID string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE property_id = $1
		 ORDER BY is_decision_maker DESC, priority NULLS LAST, created_at, id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

func (s *PostgresStore) ListPhones(ctx context.Context, contactID string) ([]model.Phone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+phoneColumns+` FROM phones WHERE contact_id = $1 ORDER BY created_at, id`, contactID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list phones")
	}
	defer rows.Close()

	var out []model.Phone
	for rows.Next() {
		p, err := scanPhone(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan phone")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list phones iterate")
}

func (s *PostgresStore) GetPhone(ctx context.Context, id string) (*model.Phone, error) {
	p, err := scanPhone(s.pool.QueryRow(ctx, `SELECT `+phoneColumns+` FROM phones WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: get phone %s", id)
}

func (s *PostgresStore) ListEmails(ctx context.Context, contactID string) ([]model.Email, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE contact_id = $1 ORDER BY created_at, id`, contactID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list emails")
	}
	defer rows.Close()

	var out []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan email")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list emails iterate")
}

func (s *PostgresStore) RecordCallAttempt(ctx context.Context, phoneID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE phones SET call_attempts = call_attempts + 1, last_called_at = $1 WHERE id = $2`,
		at.UTC(), phoneID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record call attempt %s", phoneID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("phone not found: %s", phoneID)
	}
	return nil
}

func (s *PostgresStore) MaxQueuePosition(ctx context.Context, channel model.Channel, queueNumber int) (int, error) {
	var pos int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM queue_items WHERE channel = $1 AND queue_number = $2`,
		string(channel), queueNumber,
	).Scan(&pos)
	return pos, eris.Wrap(err, "postgres: max queue position")
}

func (s *PostgresStore) InsertQueueItems(ctx context.Context, items []model.QueueItem) (int, error) {
	rows := make([][]any, 0, len(items))
	for i := range items {
		rows = append(rows, queueItemValues(&items[i]))
	}
	n, err := db.CopyFrom(ctx, s.pool, "queue_items", queueItemColumnNames, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert queue items")
	}
	return int(n), nil
}

func (s *PostgresStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.QueueItem, error) {
	args := []any{string(filter.Channel)}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE channel = $1`
	if filter.QueueNumber > 0 {
		query += ` AND queue_number = ` + arg(filter.QueueNumber)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ` + arg(filter.BatchID)
	}
	query += ` ORDER BY queue_number, position`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue items")
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list queue items iterate")
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	it, err := scanQueueItem(s.pool.QueryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, eris.Wrapf(err, "postgres: get queue item %s", id)
}

func (s *PostgresStore) TransitionQueueItem(ctx context.Context, t ItemTransition) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET status = $1, batch_id = $2, conversation_id = $3, error_message = $4,
		 started_at = $5, completed_at = $6, attempts = attempts + $7
		 WHERE id = $8 AND status = $9`,
		string(t.To), t.BatchID, t.ConversationID, t.ErrorMessage,
		t.StartedAt, t.CompletedAt, t.AttemptsDelta,
		t.ID, string(t.From),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition queue item %s", t.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (map[model.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE channel = $1 AND queue_number = $2 GROUP BY status`,
		string(channel), queueNumber,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count queue items")
	}
	return s.collectCounts(rows)
}

func (s *PostgresStore) CountOutcomesSince(ctx context.Context, since time.Time) (map[model.QueueStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items
		 WHERE completed_at >= $1 AND status IN ($2, $3) GROUP BY status`,
		since.UTC(), string(model.QueueStatusSent), string(model.QueueStatusFailed),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count outcomes")
	}
	return s.collectCounts(rows)
}

func (s *PostgresStore) collectCounts(rows pgx.Rows) (map[model.QueueStatus]int, error) {
	defer rows.Close()
	counts := make(map[model.QueueStatus]int)
	for rows.Next() {
		var status model.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}

func (s *PostgresStore) DeleteQueueItems(ctx context.Context, channel model.Channel, queueNumber int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin clear tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM dispatch_retries WHERE queue_item_id IN
		 (SELECT id FROM queue_items WHERE channel = $1 AND queue_number = $2)`,
		string(channel), queueNumber,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: delete queue retries")
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM queue_items WHERE channel = $1 AND queue_number = $2`, string(channel), queueNumber,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete queue items")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit clear tx")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetQueueState(ctx context.Context, channel model.Channel, queueNumber int) (*model.QueueState, error) {
	st, err := scanQueueState(s.pool.QueryRow(ctx,
		`SELECT `+queueStateColumns+` FROM queue_states WHERE channel = $1 AND queue_number = $2`,
		string(channel), queueNumber,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultQueueState(channel, queueNumber), nil
	}
	return st, eris.Wrapf(err, "postgres: get queue state %s/%d", channel, queueNumber)
}

func (s *PostgresStore) SaveQueueState(ctx context.Context, st *model.QueueState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_states (`+queueStateColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (channel, queue_number) DO UPDATE SET
		   is_sending = EXCLUDED.is_sending,
		   is_paused = EXCLUDED.is_paused,
		   scenario_key = EXCLUDED.scenario_key,
		   batch_id = EXCLUDED.batch_id,
		   updated_at = EXCLUDED.updated_at`,
		string(st.Channel), st.QueueNumber, st.IsSending, st.IsPaused, st.ScenarioKey, st.BatchID, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save queue state %s/%d", st.Channel, st.QueueNumber)
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusPending
	}
	b.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dispatch_batches (`+batchColumns+`) VALUES (`+placeholders(9, true)+`)`,
		b.ID, string(b.Channel), b.QueueNumber, b.ScenarioKey, b.ItemCount, string(b.Status), b.Error, b.CreatedAt, b.CompletedAt,
	)
	return eris.Wrap(err, "postgres: insert batch")
}

func (s *PostgresStore) CompleteBatch(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatch_batches SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete batch %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("batch not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM dispatch_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, eris.Wrapf(err, "postgres: get batch %s", id)
}

func (s *PostgresStore) EnqueueRetry(ctx context.Context, e model.RetryEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dispatch_retries (`+retryColumns+`) VALUES (`+placeholders(10, true)+`)
		 ON CONFLICT (queue_item_id) DO UPDATE SET
		   error = EXCLUDED.error,
		   error_type = EXCLUDED.error_type,
		   max_retries = EXCLUDED.max_retries,
		   next_retry_at = EXCLUDED.next_retry_at,
		   last_failed_at = EXCLUDED.last_failed_at`,
		retryValues(&e)...,
	)
	return eris.Wrapf(err, "postgres: enqueue retry for %s", e.QueueItemID)
}

func (s *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error) {
	query := `SELECT ` + retryColumns + ` FROM dispatch_retries
		 WHERE next_retry_at <= $1
		   AND queue_item_id IN (SELECT id FROM queue_items WHERE status = $2)
		 ORDER BY next_retry_at`
	args := []any{now.UTC(), string(model.QueueStatusFailed)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due retries")
	}
	defer rows.Close()

	var out []model.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: due retries iterate")
}

func (s *PostgresStore) MarkRetried(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dispatch_retries SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark retried %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("retry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveRetry(ctx context.Context, queueItemID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dispatch_retries WHERE queue_item_id = $1`, queueItemID)
	return eris.Wrapf(err, "postgres: remove retry for %s", queueItemID)
}

func (s *PostgresStore) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_retries`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count retries")
}
