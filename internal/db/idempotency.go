package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// IdempotencyTTL is how long a (user, key) record binds to its message pair.
const IdempotencyTTL = 24 * time.Hour

// GetIdempotencyRecord returns the record for (user, key), or nil when absent.
// Expired records are deleted lazily and reported as absent.
func (d *DB) GetIdempotencyRecord(ctx context.Context, q Querier, userID uuid.UUID, key string) (*IdempotencyRecord, error) {
	r := &IdempotencyRecord{}
	row := q.QueryRow(ctx,
		`SELECT user_id, key, payload_hash, conversation_id, user_message_id, assistant_message_id, created_at, expires_at
		 FROM idempotency_records WHERE user_id = $1 AND key = $2`,
		userID, key)
	err := row.Scan(&r.UserID, &r.Key, &r.PayloadHash, &r.ConversationID,
		&r.UserMessageID, &r.AssistantMessageID, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if time.Now().After(r.ExpiresAt) {
		if _, err := q.Exec(ctx,
			`DELETE FROM idempotency_records WHERE user_id = $1 AND key = $2 AND expires_at < now()`,
			userID, key); err != nil {
			return nil, fmt.Errorf("gc expired idempotency record: %w", err)
		}
		return nil, nil
	}
	return r, nil
}

// InsertIdempotencyRecord writes the binding inside the Phase-1 transaction.
// Primary-key uniqueness is the atomicity point for concurrent duplicates.
func (d *DB) InsertIdempotencyRecord(ctx context.Context, q Querier, r *IdempotencyRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO idempotency_records
		 (user_id, key, payload_hash, conversation_id, user_message_id, assistant_message_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.UserID, r.Key, r.PayloadHash, r.ConversationID, r.UserMessageID, r.AssistantMessageID,
		time.Now().Add(IdempotencyTTL))
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}
