package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDefaultLibrary returns a user's default library, or nil.
func (d *DB) GetDefaultLibrary(ctx context.Context, ownerID uuid.UUID) (*Library, error) {
	l := &Library{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, is_default, created_at
		 FROM libraries WHERE owner_id = $1 AND is_default`, ownerID)
	if err := row.Scan(&l.ID, &l.OwnerID, &l.Name, &l.IsDefault, &l.CreatedAt); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get default library: %w", err)
	}
	return l, nil
}

// IsLibraryMember reports whether the user holds any role in the library.
func (d *DB) IsLibraryMember(ctx context.Context, libraryID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM library_members WHERE library_id = $1 AND user_id = $2)`,
		libraryID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check library member: %w", err)
	}
	return exists, nil
}

// IsLibraryAdmin reports whether the user holds the admin role.
func (d *DB) IsLibraryAdmin(ctx context.Context, libraryID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM library_members
		 WHERE library_id = $1 AND user_id = $2 AND role = 'admin')`,
		libraryID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check library admin: %w", err)
	}
	return exists, nil
}

// AddLibraryMember adds a user to a non-default library. The write path
// enforces the invariant that every member of a non-default library owns a
// default library, creating one if needed.
func (d *DB) AddLibraryMember(ctx context.Context, libraryID, userID uuid.UUID, role string) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM libraries WHERE owner_id = $1 AND is_default)`,
			userID).Scan(&exists); err != nil {
			return fmt.Errorf("check default library: %w", err)
		}
		if !exists {
			if _, err := tx.Exec(ctx,
				`INSERT INTO libraries (owner_id, name, is_default) VALUES ($1, 'Library', TRUE)`,
				userID); err != nil {
				return fmt.Errorf("create default library: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO library_members (library_id, user_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT (library_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
			libraryID, userID, role); err != nil {
			return fmt.Errorf("add library member: %w", err)
		}
		return nil
	})
}

// RemoveLibraryMember deletes a membership under a row lock on the membership
// row, then garbage-collects materialized default-library rows whose only
// justification was a closure edge through this library.
func (d *DB) RemoveLibraryMember(ctx context.Context, libraryID, userID uuid.UUID) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		var dummy int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM library_members WHERE library_id = $1 AND user_id = $2 FOR UPDATE`,
			libraryID, userID).Scan(&dummy)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock membership: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM library_members WHERE library_id = $1 AND user_id = $2`,
			libraryID, userID); err != nil {
			return fmt.Errorf("remove library member: %w", err)
		}

		// Drop closure edges sourced from the revoked library, then GC the
		// materialized rows that have neither an intrinsic nor a remaining edge.
		if _, err := tx.Exec(ctx,
			`DELETE FROM library_media_edges e
			 USING libraries d
			 WHERE e.library_id = d.id AND d.owner_id = $2 AND d.is_default
			   AND e.source_library_id = $1`,
			libraryID, userID); err != nil {
			return fmt.Errorf("drop closure edges: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM library_media lm
			 USING libraries d
			 WHERE lm.library_id = d.id AND d.owner_id = $2 AND d.is_default
			   AND NOT EXISTS (SELECT 1 FROM library_media_intrinsic i
			                   WHERE i.library_id = lm.library_id AND i.media_id = lm.media_id)
			   AND NOT EXISTS (SELECT 1 FROM library_media_edges e
			                   WHERE e.library_id = lm.library_id AND e.media_id = lm.media_id)`,
			libraryID, userID); err != nil {
			return fmt.Errorf("gc materialized rows: %w", err)
		}
		return nil
	})
}
