package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const conversationColumns = `id, key, type, title, company_id, load_id, trip_id, driver_id,
	partner_company_id, last_message_text, last_message_at, message_count, created_at`

func (s *PGConversationStore) Create(ctx context.Context, c *messaging.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, key, type, title, company_id, load_id, trip_id, driver_id, partner_company_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Key, c.Type, c.Title, c.CompanyID,
		c.LoadID, c.TripID, c.DriverID, c.PartnerCompanyID, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PGConversationStore) GetByKey(ctx context.Context, key string) (*messaging.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE key = $1`, key)
	return scanConversation(row)
}

func (s *PGConversationStore) GetByID(ctx context.Context, id uuid.UUID) (*messaging.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *PGConversationStore) ListByCompany(ctx context.Context, companyID uuid.UUID) ([]messaging.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE company_id = $1
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *PGConversationStore) ListByPartner(ctx context.Context, partnerCompanyID uuid.UUID) ([]messaging.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE partner_company_id = $1
		 ORDER BY COALESCE(last_message_at, created_at) DESC`, partnerCompanyID)
	if err != nil {
		return nil, fmt.Errorf("list partner conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *PGConversationStore) UpdatePreview(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET last_message_text = $2, last_message_at = $3, message_count = message_count + 1
		 WHERE id = $1`,
		id, text, at)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	return nil
}

// Recount recomputes the denormalized preview fields from the messages table
// in one statement. The preview expression mirrors messaging.Preview so the
// sweep never rewrites a correct preview into a different shape.
func (s *PGConversationStore) Recount(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations c
		SET message_count = m.cnt,
		    last_message_at = m.last_at,
		    last_message_text = m.last_text
		FROM (
			SELECT conversation_id,
			       COUNT(*) AS cnt,
			       MAX(created_at) AS last_at,
			       (ARRAY_AGG(
			           CASE WHEN type = 'balance_request' THEN 'Balance verification requested'
			                WHEN LENGTH(body) > 140 THEN LEFT(body, 140) || '...'
			                ELSE body END
			           ORDER BY created_at DESC))[1] AS last_text
			FROM messages
			GROUP BY conversation_id
		) m
		WHERE c.id = m.conversation_id
		  AND (c.message_count <> m.cnt
		       OR c.last_message_at IS DISTINCT FROM m.last_at)`)
	if err != nil {
		return 0, fmt.Errorf("recount conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanConversation(row *sql.Row) (*messaging.Conversation, error) {
	var (
		c        messaging.Conversation
		title    sql.NullString
		lastText sql.NullString
		lastAt   sql.NullTime
		loadID, tripID, driverID, partnerID uuid.NullUUID
	)
	err := row.Scan(&c.ID, &c.Key, &c.Type, &title, &c.CompanyID,
		&loadID, &tripID, &driverID, &partnerID,
		&lastText, &lastAt, &c.MessageCount, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.Title = title.String
	c.LastMessageText = lastText.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	c.LoadID = nullableID(loadID)
	c.TripID = nullableID(tripID)
	c.DriverID = nullableID(driverID)
	c.PartnerCompanyID = nullableID(partnerID)
	return &c, nil
}

func collectConversations(rows *sql.Rows) ([]messaging.Conversation, error) {
	var out []messaging.Conversation
	for rows.Next() {
		var (
			c        messaging.Conversation
			title    sql.NullString
			lastText sql.NullString
			lastAt   sql.NullTime
			loadID, tripID, driverID, partnerID uuid.NullUUID
		)
		if err := rows.Scan(&c.ID, &c.Key, &c.Type, &title, &c.CompanyID,
			&loadID, &tripID, &driverID, &partnerID,
			&lastText, &lastAt, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Title = title.String
		c.LastMessageText = lastText.String
		if lastAt.Valid {
			t := lastAt.Time
			c.LastMessageAt = &t
		}
		c.LoadID = nullableID(loadID)
		c.TripID = nullableID(tripID)
		c.DriverID = nullableID(driverID)
		c.PartnerCompanyID = nullableID(partnerID)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}
