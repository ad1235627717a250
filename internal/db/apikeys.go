package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const apiKeyColumns = `id, user_id, provider, ciphertext, nonce, key_version, fingerprint, status, last_tested_at, created_at, updated_at`

func scanAPIKey(row pgx.Row, k *UserAPIKey) error {
	return row.Scan(&k.ID, &k.UserID, &k.Provider, &k.Ciphertext, &k.Nonce, &k.KeyVersion,
		&k.Fingerprint, &k.Status, &k.LastTestedAt, &k.CreatedAt, &k.UpdatedAt)
}

// GetUserAPIKey returns the BYOK row for (user, provider), or nil when absent.
func (d *DB) GetUserAPIKey(ctx context.Context, userID uuid.UUID, provider string) (*UserAPIKey, error) {
	k := &UserAPIKey{}
	row := d.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM user_api_keys WHERE user_id = $1 AND provider = $2`,
		userID, provider)
	if err := scanAPIKey(row, k); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// ListUserAPIKeys returns all BYOK rows for a user.
func (d *DB) ListUserAPIKeys(ctx context.Context, userID uuid.UUID) ([]UserAPIKey, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM user_api_keys WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []UserAPIKey
	for rows.Next() {
		var k UserAPIKey
		if err := scanAPIKey(rows, &k); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpsertUserAPIKey stores fresh cipher material for (user, provider) and
// resets status to untested. Storing over a revoked row revives it.
func (d *DB) UpsertUserAPIKey(ctx context.Context, k *UserAPIKey) error {
	row := d.pool.QueryRow(ctx,
		`INSERT INTO user_api_keys (user_id, provider, ciphertext, nonce, key_version, fingerprint, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'untested')
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   ciphertext = EXCLUDED.ciphertext,
		   nonce = EXCLUDED.nonce,
		   key_version = EXCLUDED.key_version,
		   fingerprint = EXCLUDED.fingerprint,
		   status = 'untested',
		   last_tested_at = NULL,
		   updated_at = now()
		 RETURNING id, created_at, updated_at`,
		k.UserID, k.Provider, k.Ciphertext, k.Nonce, k.KeyVersion, k.Fingerprint)
	if err := row.Scan(&k.ID, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	k.Status = KeyStatusUntested
	return nil
}

// RevokeUserAPIKey wipes cipher material and marks the row revoked, keeping
// the fingerprint. Revoking an absent or already-revoked row is a no-op.
func (d *DB) RevokeUserAPIKey(ctx context.Context, userID uuid.UUID, provider string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE user_api_keys
		 SET ciphertext = NULL, nonce = NULL, key_version = NULL, status = 'revoked', updated_at = now()
		 WHERE user_id = $1 AND provider = $2 AND status <> 'revoked'`,
		userID, provider)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// UpdateUserAPIKeyStatus records a provider-call verdict on a BYOK row.
// Revoked rows never transition.
func (d *DB) UpdateUserAPIKeyStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE user_api_keys
		 SET status = $2, last_tested_at = now(), updated_at = now()
		 WHERE id = $1 AND status <> 'revoked'`,
		id, status)
	if err != nil {
		return fmt.Errorf("update api key status: %w", err)
	}
	return nil
}
