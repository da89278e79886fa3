// Package store persists messages in Postgres. Every insert and read-flag
// update also emits a NOTIFY payload on the messages_feed channel, which is
// what the change-feed listener subscribes to.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/lokalnie/messaging/internal/model/message"
)

// FeedChannel is the Postgres NOTIFY channel carrying message change events.
const FeedChannel = "messages_feed"

// MessagesStore provides message table operations over a pgx pool.
type MessagesStore struct {
	pool *pgxpool.Pool
}

// New connects a MessagesStore to the given database URL.
func New(ctx context.Context, databaseURL string) (*MessagesStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &MessagesStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *MessagesStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *MessagesStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the messages table, its indexes and the feed
// trigger. Safe to run on every start.
func (s *MessagesStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id          text PRIMARY KEY,
			sender_id   text NOT NULL,
			receiver_id text NOT NULL,
			content     text NOT NULL,
			listing_id  text,
			read        boolean NOT NULL DEFAULT false,
			created_at  timestamptz NOT NULL DEFAULT now(),
			CONSTRAINT check_not_self_message CHECK (sender_id <> receiver_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair_created
			ON messages (least(sender_id, receiver_id), greatest(sender_id, receiver_id), created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages (receiver_id) WHERE read = false`,
		`CREATE OR REPLACE FUNCTION messages_feed_notify() RETURNS trigger AS $$
		BEGIN
			IF TG_OP = 'INSERT' THEN
				PERFORM pg_notify('messages_feed',
					json_build_object('op', 'INSERT', 'row', row_to_json(NEW))::text);
			ELSIF NEW.read IS DISTINCT FROM OLD.read THEN
				PERFORM pg_notify('messages_feed',
					json_build_object('op', 'UPDATE', 'row', json_build_object(
						'id', NEW.id,
						'sender_id', NEW.sender_id,
						'receiver_id', NEW.receiver_id,
						'read', NEW.read))::text);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS messages_feed_trigger ON messages`,
		`CREATE TRIGGER messages_feed_trigger
			AFTER INSERT OR UPDATE ON messages
			FOR EACH ROW EXECUTE FUNCTION messages_feed_notify()`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert stores a message and returns the persisted row. The id is a ULID
// so ids sort roughly by creation time; created_at is assigned by the
// database so ordering is consistent for a single writer.
func (s *MessagesStore) Insert(ctx context.Context, sender, receiver, content, listingID string) (*message.Message, error) {
	msg := &message.Message{
		ID:         ulid.Make().String(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		ListingID:  listingID,
	}

	var listing *string
	if listingID != "" {
		listing = &listingID
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content, listing_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING read, created_at
	`, msg.ID, sender, receiver, content, listing).Scan(&msg.Read, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// History returns the conversation between two users ordered oldest first.
// A non-zero after timestamp narrows the read to rows strictly newer than
// the cursor, which is how reconnecting clients patch gaps.
func (s *MessagesStore) History(ctx context.Context, a, b string, after time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, content, COALESCE(listing_id, ''), read, created_at
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		  AND created_at > $3
		ORDER BY created_at ASC
		LIMIT $4
	`, a, b, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ListingID, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkConversationRead flips every unread message from sender to receiver
// to read and returns how many rows changed. The read = false filter makes
// the operation idempotent at the store; each flipped row fires one UPDATE
// feed event.
func (s *MessagesStore) MarkConversationRead(ctx context.Context, receiver, sender string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET read = true
		WHERE receiver_id = $1 AND sender_id = $2 AND read = false
	`, receiver, sender)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnreadCount counts unread messages addressed to the user.
func (s *MessagesStore) UnreadCount(ctx context.Context, receiver string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE receiver_id = $1 AND read = false
	`, receiver).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// Conversation is one entry of the inbox listing: the partner plus the most
// recent message exchanged with them.
type Conversation struct {
	PartnerID     string    `json:"partner_id"`
	LastMessage   string    `json:"last_message"`
	LastSenderID  string    `json:"last_sender_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int64     `json:"unread_count"`
}

// RecentConversations lists the user's conversation partners ordered by
// most recent message, with per-partner unread counts merged in.
func (s *MessagesStore) RecentConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT partner, content, sender_id, created_at FROM (
			SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner,
			       content, sender_id, created_at,
			       row_number() OVER (
			           PARTITION BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END
			           ORDER BY created_at DESC
			       ) AS rn
			FROM messages
			WHERE sender_id = $1 OR receiver_id = $1
		) latest
		WHERE rn = 1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PartnerID, &c.LastMessage, &c.LastSenderID, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unread, err := s.unreadByPartner(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range conversations {
		conversations[i].UnreadCount = unread[conversations[i].PartnerID]
	}

	return conversations, nil
}

func (s *MessagesStore) unreadByPartner(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sender_id, count(*)
		FROM messages
		WHERE receiver_id = $1 AND read = false
		GROUP BY sender_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unread by partner: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var partner string
		var count int64
		if err := rows.Scan(&partner, &count); err != nil {
			return nil, fmt.Errorf("scan unread row: %w", err)
		}
		counts[partner] = count
	}
	return counts, rows.Err()
}
