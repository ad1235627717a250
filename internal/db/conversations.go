package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, owner_id, title, sharing, next_seq, created_at, updated_at`

func scanConversation(row pgx.Row, c *Conversation) error {
	return row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Sharing, &c.NextSeq, &c.CreatedAt, &c.UpdatedAt)
}

// CreateConversation inserts a new private conversation with next_seq = 1.
func (d *DB) CreateConversation(ctx context.Context, q Querier, ownerID uuid.UUID, title string) (*Conversation, error) {
	c := &Conversation{}
	row := q.QueryRow(ctx,
		`INSERT INTO conversations (owner_id, title) VALUES ($1, $2)
		 RETURNING `+conversationColumns, ownerID, title)
	if err := scanConversation(row, c); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation or nil when absent.
func (d *DB) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c := &Conversation{}
	row := d.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// ListConversations returns the viewer's own conversations, most recently
// updated first.
func (d *DB) ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Conversation, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE owner_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversation sets title and sharing mode (owner-only, enforced by the
// caller).
func (d *DB) UpdateConversation(ctx context.Context, id uuid.UUID, title, sharing string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, sharing = $3, updated_at = now() WHERE id = $1`,
		id, title, sharing)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", id, err)
	}
	return nil
}

// TouchConversation bumps updated_at, used when a message lands.
func (d *DB) TouchConversation(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

// DeleteConversation removes a conversation and cascades its messages.
func (d *DB) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// ListShareLibraries returns the library ids a conversation is shared with.
func (d *DB) ListShareLibraries(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT library_id FROM conversation_shares WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list share libraries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan share library: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignNextSeq locks the conversation row exclusively, returns the current
// next_seq, and advances the counter. Concurrent callers serialize on the row
// lock; a rollback of the surrounding transaction returns the value to the
// pool.
func (d *DB) AssignNextSeq(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (int, error) {
	var seq int
	err := tx.QueryRow(ctx,
		`SELECT next_seq FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET next_seq = $2 WHERE id = $1`, conversationID, seq+1); err != nil {
		return 0, fmt.Errorf("advance next_seq: %w", err)
	}
	return seq, nil
}

// HasPendingAssistant reports whether the conversation has an in-flight
// assistant message.
func (d *DB) HasPendingAssistant(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages
		 WHERE conversation_id = $1 AND status = 'pending')`, conversationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending assistant: %w", err)
	}
	return exists, nil
}

// HasPendingAssistantTx re-checks the busy condition through the caller's
// transaction, after the conversation row lock is acquired.
func (d *DB) HasPendingAssistantTx(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages
		 WHERE conversation_id = $1 AND status = 'pending')`, conversationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recheck pending assistant: %w", err)
	}
	return exists, nil
}
