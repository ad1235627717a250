package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, conversation_id, seq, role, content, status, error_code, created_at, updated_at`

func scanMessage(row pgx.Row, m *Message) error {
	return row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.ErrorCode, &m.CreatedAt, &m.UpdatedAt)
}

// InsertMessage creates a message row at the given seq.
func (d *DB) InsertMessage(ctx context.Context, q Querier, m *Message) error {
	row := q.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		m.ConversationID, m.Seq, m.Role, m.Content, m.Status)
	if err := row.Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("insert message seq %d: %w", m.Seq, err)
	}
	return nil
}

// GetMessage returns the message or nil when absent.
func (d *DB) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m := &Message{}
	row := d.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages in seq order.
func (d *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]Message, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FinalizeAssistant transitions a pending assistant row to complete or error.
// The conditional WHERE status = 'pending' is the finalize-once guard: it
// returns false when another finalizer (sweeper, duplicate disconnect
// handler) already won, and the caller must not re-write.
func (d *DB) FinalizeAssistant(ctx context.Context, q Querier, id uuid.UUID, status, content string, errorCode *string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE messages SET status = $2, content = $3, error_code = $4, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, status, content, errorCode)
	if err != nil {
		return false, fmt.Errorf("finalize assistant %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertMessageLLM writes the provider-call sidecar. With onConflictIgnore the
// insert is a no-op when a row already exists (sweeper path).
func (d *DB) InsertMessageLLM(ctx context.Context, q Querier, ml *MessageLLM, onConflictIgnore bool) error {
	sql := `INSERT INTO message_llm
		(message_id, provider, model, prompt_tokens, completion_tokens, total_tokens,
		 key_mode_requested, key_mode_used, latency_ms, error_class, prompt_version, provider_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if onConflictIgnore {
		sql += ` ON CONFLICT (message_id) DO NOTHING`
	}
	_, err := q.Exec(ctx, sql,
		ml.MessageID, ml.Provider, ml.Model, ml.PromptTokens, ml.CompletionTokens, ml.TotalTokens,
		ml.KeyModeRequested, ml.KeyModeUsed, ml.LatencyMs, ml.ErrorClass, ml.PromptVersion, ml.ProviderRequestID)
	if err != nil {
		return fmt.Errorf("insert message_llm %s: %w", ml.MessageID, err)
	}
	return nil
}

// HasMessageLLM reports whether the sidecar row exists.
func (d *DB) HasMessageLLM(ctx context.Context, messageID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM message_llm WHERE message_id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message_llm: %w", err)
	}
	return exists, nil
}

// InsertMessageContexts writes the ordinal-indexed context references of a
// message.
func (d *DB) InsertMessageContexts(ctx context.Context, q Querier, messageID uuid.UUID, contexts []MessageContext) error {
	for i := range contexts {
		c := &contexts[i]
		_, err := q.Exec(ctx,
			`INSERT INTO message_contexts (message_id, ordinal, target_type, media_id, highlight_id, annotation_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			messageID, c.Ordinal, c.TargetType, c.MediaID, c.HighlightID, c.AnnotationID)
		if err != nil {
			return fmt.Errorf("insert message context %d: %w", c.Ordinal, err)
		}
	}
	return nil
}

// ListPendingAssistantsOlderThan returns pending assistant messages created
// before the cutoff, for the sweeper.
func (d *DB) ListPendingAssistantsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Message, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'pending' AND role = 'assistant' AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending assistants: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scan pending assistant: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
