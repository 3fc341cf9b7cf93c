package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tallyware/tally/internal/conversation"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrWrongCollection is returned when a document operation names a
// collection the document does not belong to.
var ErrWrongCollection = errors.New("document not in collection")

// execer lets the same SQL helpers run against *sql.DB or *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// UpsertConversation writes the full conversation state: messages,
// status, error, and fingerprint. The message ledger is stored as one
// JSON blob; the conversation is always read and written whole.
func (s *Store) UpsertConversation(c *conversation.Conversation) error {
	return upsertConversation(s.db, c)
}

func upsertConversation(e execer, c *conversation.Conversation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid conversation: %w", err)
	}

	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = e.Exec(`
		INSERT INTO conversations (id, status, last_error, context_fingerprint, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			context_fingerprint = excluded.context_fingerprint,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at
	`, c.ID, string(c.Status), c.LastError, c.ContextFingerprint, string(messages),
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation loads a conversation by ID. Returns ErrNotFound if it
// does not exist.
func (s *Store) GetConversation(id string) (*conversation.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, status, last_error, context_fingerprint, messages_json, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)

	var c conversation.Conversation
	var status, messagesJSON, createdAt, updatedAt string
	err := row.Scan(&c.ID, &status, &c.LastError, &c.ContextFingerprint, &messagesJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation %s: %w", id, err)
	}

	c.Status = conversation.Status(status)
	if err := json.Unmarshal([]byte(messagesJSON), &c.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages for %s: %w", id, err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// ListConversations returns all conversations ordered by most recent
// activity. Messages are included; conversations are small enough that
// a separate summary projection has not been needed.
func (s *Store) ListConversations() ([]*conversation.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]*conversation.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, nil
}
