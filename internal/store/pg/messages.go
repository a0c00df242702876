package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

// defaultMessagePage bounds history queries without an explicit limit.
const defaultMessagePage = 100

// PGMessageStore implements store.MessageStore backed by Postgres. Metadata
// is JSONB, attachments a TEXT[] column.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const messageColumns = `id, conversation_id, sender_kind, sender_id, body, type,
	metadata, attachments, client_ref, created_at, edited_at, deleted_at`

func (s *PGMessageStore) Insert(ctx context.Context, m *messaging.Message) error {
	var metadata []byte
	if m.Metadata != nil {
		var err error
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		 (id, conversation_id, sender_kind, sender_id, body, type, metadata, attachments, client_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.Sender.Kind, m.Sender.ID, m.Body, m.Type,
		metadata, pq.Array(m.Attachments), nullString(m.ClientRef), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) GetMessage(ctx context.Context, id uuid.UUID) (*messaging.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row.Scan)
}

// ListByConversation returns up to opts.Limit messages created before
// opts.Before, oldest first.
func (s *PGMessageStore) ListByConversation(ctx context.Context, convID uuid.UUID, opts store.MessageListOpts) ([]messaging.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultMessagePage
	}
	before := opts.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	// Page newest-first in SQL, then reverse so callers always see
	// chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND created_at < $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		convID, before, limit)
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
		m         messaging.Message
		metadata  []byte
		clientRef sql.NullString
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)
	err := scan(&m.ID, &m.ConversationID, &m.Sender.Kind, &m.Sender.ID, &m.Body, &m.Type,
		&metadata, pq.Array(&m.Attachments), &clientRef, &m.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
