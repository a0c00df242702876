// Package sqlite implements the relay stores on a single SQLite file
// (standalone mode, one tenant, no external services). Schema bootstrap is
// inline; the file is created on first open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

const defaultMessagePage = 100

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	company_id TEXT NOT NULL,
	load_id TEXT,
	trip_id TEXT,
	driver_id TEXT,
	partner_company_id TEXT,
	last_message_text TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMP,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_company ON conversations(company_id);
CREATE INDEX IF NOT EXISTS idx_conversations_partner ON conversations(partner_company_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_kind TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	body TEXT NOT NULL,
	type TEXT NOT NULL,
	metadata TEXT,
	attachments TEXT,
	client_ref TEXT,
	created_at TIMESTAMP NOT NULL,
	edited_at TIMESTAMP,
	deleted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS loads (
	id TEXT PRIMARY KEY,
	carrier_id TEXT NOT NULL,
	partner_company_id TEXT,
	assigned_driver_id TEXT,
	driver_visibility TEXT
);
CREATE INDEX IF NOT EXISTS idx_loads_driver ON loads(assigned_driver_id);

CREATE TABLE IF NOT EXISTS trips (
	id TEXT PRIMARY KEY,
	carrier_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS partners (
	company_id TEXT NOT NULL,
	partner_company_id TEXT NOT NULL,
	lock_driver_visibility INTEGER NOT NULL DEFAULT 0,
	mandated_visibility TEXT,
	platform_member INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (company_id, partner_company_id)
);

CREATE TABLE IF NOT EXISTS read_marks (
	conversation_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	last_read_at TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_id, scope)
);

CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS drivers (id TEXT PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS companies (id TEXT PRIMARY KEY, name TEXT NOT NULL);
`

// Open opens the SQLite database and applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by one SQLite file (standalone
// mode).
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &Stores{db: db}
	return &store.Stores{
		Conversations: s,
		Messages:      s,
		Loads:         s,
		Trips:         s,
		Partners:      s,
		Directory:     s,
		ReadMarks:     s,
	}, nil
}

// Stores implements every relay store interface on one SQLite handle.
type Stores struct {
	db *sql.DB
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) &&
		(se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

// --- Conversations ---

const conversationColumns = `id, key, type, title, company_id, load_id, trip_id, driver_id,
	partner_company_id, last_message_text, last_message_at, message_count, created_at`

func (s *Stores) Create(ctx context.Context, c *messaging.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, key, type, title, company_id, load_id, trip_id, driver_id, partner_company_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Key, c.Type, c.Title, c.CompanyID.String(),
		idText(c.LoadID), idText(c.TripID), idText(c.DriverID), idText(c.PartnerCompanyID),
		c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Stores) GetByKey(ctx context.Context, key string) (*messaging.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE key = ?`, key)
	return scanConversation(row.Scan)
}

func (s *Stores) GetByID(ctx context.Context, id uuid.UUID) (*messaging.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	return scanConversation(row.Scan)
}

func (s *Stores) ListByCompany(ctx context.Context, companyID uuid.UUID) ([]messaging.Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE company_id = ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, companyID.String())
}

func (s *Stores) ListByPartner(ctx context.Context, partnerCompanyID uuid.UUID) ([]messaging.Conversation, error) {
	return s.listConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE partner_company_id = ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, partnerCompanyID.String())
}

func (s *Stores) listConversations(ctx context.Context, query string, args ...any) ([]messaging.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []messaging.Conversation
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Stores) UpdatePreview(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET last_message_text = ?, last_message_at = ?, message_count = message_count + 1
		 WHERE id = ?`,
		text, at, id.String())
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	return nil
}

func (s *Stores) Recount(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.id),
		    last_message_at = (SELECT MAX(created_at) FROM messages m WHERE m.conversation_id = conversations.id),
		    last_message_text = (
		        SELECT CASE WHEN m.type = 'balance_request' THEN 'Balance verification requested'
		                    WHEN LENGTH(m.body) > 140 THEN SUBSTR(m.body, 1, 140) || '...'
		                    ELSE m.body END
		        FROM messages m WHERE m.conversation_id = conversations.id
		        ORDER BY m.created_at DESC LIMIT 1)
		WHERE message_count <> (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = conversations.id)`)
	if err != nil {
		return 0, fmt.Errorf("recount conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanConversation(scan func(...any) error) (*messaging.Conversation, error) {
	var (
		c                                   messaging.Conversation
		id, companyID                       string
		loadID, tripID, driverID, partnerID sql.NullString
		lastAt                              sql.NullTime
	)
	err := scan(&id, &c.Key, &c.Type, &c.Title, &companyID,
		&loadID, &tripID, &driverID, &partnerID,
		&c.LastMessageText, &lastAt, &c.MessageCount, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse conversation id: %w", err)
	}
	c.CompanyID, err = uuid.Parse(companyID)
	if err != nil {
		return nil, fmt.Errorf("parse company id: %w", err)
	}
	c.LoadID = parseNullID(loadID)
	c.TripID = parseNullID(tripID)
	c.DriverID = parseNullID(driverID)
	c.PartnerCompanyID = parseNullID(partnerID)
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return &c, nil
}

// --- Messages ---

const messageColumns = `id, conversation_id, sender_kind, sender_id, body, type,
	metadata, attachments, client_ref, created_at, edited_at, deleted_at`

func (s *Stores) Insert(ctx context.Context, m *messaging.Message) error {
	var metadata, attachments []byte
	var err error
	if m.Metadata != nil {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	if m.Attachments != nil {
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages
		 (id, conversation_id, sender_kind, sender_id, body, type, metadata, attachments, client_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID.String(), m.Sender.Kind, m.Sender.ID.String(),
		m.Body, m.Type, nullBytes(metadata), nullBytes(attachments), nullText(m.ClientRef), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Stores) GetMessage(ctx context.Context, id uuid.UUID) (*messaging.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	return scanMessage(row.Scan)
}

func (s *Stores) ListByConversation(ctx context.Context, convID uuid.UUID, opts store.MessageListOpts) ([]messaging.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultMessagePage
	}
	before := opts.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND created_at < ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		convID.String(), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var page []messaging.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		page = append(page, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func scanMessage(scan func(...any) error) (*messaging.Message, error) {
	var (
		m                     messaging.Message
		id, convID, senderID  string
		metadata, attachments sql.NullString
		clientRef             sql.NullString
		editedAt, deletedAt   sql.NullTime
	)
	err := scan(&id, &convID, &m.Sender.Kind, &senderID, &m.Body, &m.Type,
		&metadata, &attachments, &clientRef, &m.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse message id: %w", err)
	}
	if m.ConversationID, err = uuid.Parse(convID); err != nil {
		return nil, fmt.Errorf("parse conversation id: %w", err)
	}
	if m.Sender.ID, err = uuid.Parse(senderID); err != nil {
		return nil, fmt.Errorf("parse sender id: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	m.ClientRef = clientRef.String
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

// --- Loads, trips, partners ---

func (s *Stores) GetLoad(ctx context.Context, id uuid.UUID) (*messaging.Load, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, carrier_id, partner_company_id, assigned_driver_id, driver_visibility
		 FROM loads WHERE id = ?`, id.String())
	return scanLoad(row.Scan)
}

func (s *Stores) ListByDriver(ctx context.Context, driverID uuid.UUID) ([]messaging.Load, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, carrier_id, partner_company_id, assigned_driver_id, driver_visibility
		 FROM loads WHERE assigned_driver_id = ?`, driverID.String())
	if err != nil {
		return nil, fmt.Errorf("list loads by driver: %w", err)
	}
	defer rows.Close()

	var out []messaging.Load
	for rows.Next() {
		l, err := scanLoad(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Stores) SetDriverVisibility(ctx context.Context, loadID uuid.UUID, v messaging.Visibility) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loads SET driver_visibility = ? WHERE id = ?`, v, loadID.String())
	if err != nil {
		return fmt.Errorf("set driver visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return messaging.ErrNotFound
	}
	return nil
}

func scanLoad(scan func(...any) error) (*messaging.Load, error) {
	var (
		l                 messaging.Load
		id, carrierID     string
		partnerID, driver sql.NullString
		vis               sql.NullString
	)
	if err := scan(&id, &carrierID, &partnerID, &driver, &vis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan load: %w", err)
	}
	var err error
	if l.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse load id: %w", err)
	}
	if l.CarrierID, err = uuid.Parse(carrierID); err != nil {
		return nil, fmt.Errorf("parse carrier id: %w", err)
	}
	l.PartnerCompanyID = parseNullID(partnerID)
	l.AssignedDriverID = parseNullID(driver)
	if vis.Valid && vis.String != "" {
		v := messaging.Visibility(vis.String)
		l.DriverVisibility = &v
	}
	return &l, nil
}

func (s *Stores) GetTrip(ctx context.Context, id uuid.UUID) (*messaging.Trip, error) {
	var tripID, carrierID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, carrier_id FROM trips WHERE id = ?`, id.String()).Scan(&tripID, &carrierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	t := &messaging.Trip{}
	if t.ID, err = uuid.Parse(tripID); err != nil {
		return nil, err
	}
	if t.CarrierID, err = uuid.Parse(carrierID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Stores) GetPartner(ctx context.Context, companyID, partnerCompanyID uuid.UUID) (*messaging.Partner, error) {
	var (
		cID, pID string
		vis      sql.NullString
		p        messaging.Partner
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT company_id, partner_company_id, lock_driver_visibility, mandated_visibility, platform_member
		 FROM partners
		 WHERE (company_id = ?1 AND partner_company_id = ?2)
		    OR (company_id = ?2 AND partner_company_id = ?1)
		 LIMIT 1`,
		companyID.String(), partnerCompanyID.String(),
	).Scan(&cID, &pID, &p.LockDriverVisibility, &vis, &p.PlatformMember)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan partner: %w", err)
	}
	if p.CompanyID, err = uuid.Parse(cID); err != nil {
		return nil, err
	}
	if p.PartnerCompanyID, err = uuid.Parse(pID); err != nil {
		return nil, err
	}
	if vis.Valid {
		p.MandatedVisibility = messaging.Visibility(vis.String)
	}
	return &p, nil
}

// --- Directory ---

func (s *Stores) UserName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM users WHERE id = ?`, id)
}

func (s *Stores) DriverName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM drivers WHERE id = ?`, id)
}

func (s *Stores) CompanyName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM companies WHERE id = ?`, id)
}

func (s *Stores) name(ctx context.Context, query string, id uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", messaging.ErrNotFound
		}
		return "", err
	}
	return name, nil
}

// --- Read marks ---

func (s *Stores) LastRead(ctx context.Context, convID uuid.UUID, scope string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_at FROM read_marks WHERE conversation_id = ? AND scope = ?`,
		convID.String(), scope).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get read mark: %w", err)
	}
	return at, nil
}

func (s *Stores) SetLastRead(ctx context.Context, convID uuid.UUID, scope string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_marks (conversation_id, scope, last_read_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id, scope)
		 DO UPDATE SET last_read_at = MAX(read_marks.last_read_at, excluded.last_read_at)`,
		convID.String(), scope, at)
	if err != nil {
		return fmt.Errorf("set read mark: %w", err)
	}
	return nil
}

// --- Helpers ---

func idText(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullID(v sql.NullString) *uuid.UUID {
	if !v.Valid || v.String == "" {
		return nil
	}
	id, err := uuid.Parse(v.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
