package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetUserBySubject returns the user bound to an auth subject, or nil.
func (d *DB) GetUserBySubject(ctx context.Context, subject uuid.UUID) (*User, error) {
	u := &User{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, auth_subject, created_at FROM users WHERE auth_subject = $1`, subject)
	if err := row.Scan(&u.ID, &u.AuthSubject, &u.CreatedAt); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get user by subject: %w", err)
	}
	return u, nil
}

// BootstrapUser creates the user on first sight of an auth subject, together
// with their default library. Safe to call concurrently: the unique subject
// constraint resolves the race and the loser re-reads.
func (d *DB) BootstrapUser(ctx context.Context, subject uuid.UUID) (*User, error) {
	if u, err := d.GetUserBySubject(ctx, subject); err != nil || u != nil {
		return u, err
	}

	u := &User{AuthSubject: subject}
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO users (auth_subject) VALUES ($1)
			 ON CONFLICT (auth_subject) DO NOTHING
			 RETURNING id, created_at`, subject)
		if err := row.Scan(&u.ID, &u.CreatedAt); errors.Is(err, pgx.ErrNoRows) {
			// Lost the race; nothing to create.
			return nil
		} else if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO libraries (owner_id, name, is_default) VALUES ($1, 'Library', TRUE)`,
			u.ID); err != nil {
			return fmt.Errorf("create default library: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if u.ID == uuid.Nil {
		return d.GetUserBySubject(ctx, subject)
	}
	return u, nil
}
