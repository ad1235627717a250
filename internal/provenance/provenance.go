// Package provenance is the single source of truth for content visibility.
// All predicates answer with a plain boolean and treat non-existent ids as
// not visible, so callers can never distinguish "absent" from "hidden".
package provenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexushq/nexus/internal/db"
)

// Authority evaluates visibility predicates against the database.
type Authority struct {
	db *db.DB
}

// New creates an Authority backed by the shared pool.
func New(database *db.DB) *Authority {
	return &Authority{db: database}
}

// mediaVisibleSQL is the core visibility predicate for one (viewer, media):
//
//	(a) the viewer is a member of a non-default library containing the media;
//	(b) the viewer's default library holds an intrinsic row for it;
//	(c) the viewer's default library holds a closure edge for it and the
//	    viewer is still a member of the edge's source library.
//
// A bare library_media row on the default library proves nothing on its own.
const mediaVisibleSQL = `
	EXISTS (
		SELECT 1 FROM library_members m
		JOIN libraries l ON l.id = m.library_id AND NOT l.is_default
		JOIN library_media lm ON lm.library_id = l.id
		WHERE m.user_id = $1 AND lm.media_id = target.id
	)
	OR EXISTS (
		SELECT 1 FROM libraries d
		JOIN library_media_intrinsic i ON i.library_id = d.id
		WHERE d.owner_id = $1 AND d.is_default AND i.media_id = target.id
	)
	OR EXISTS (
		SELECT 1 FROM libraries d
		JOIN library_media_edges e ON e.library_id = d.id
		JOIN library_members sm ON sm.library_id = e.source_library_id AND sm.user_id = $1
		WHERE d.owner_id = $1 AND d.is_default AND e.media_id = target.id
	)`

// CanReadMedia reports whether the viewer may read the media.
func (a *Authority) CanReadMedia(ctx context.Context, viewerID, mediaID uuid.UUID) (bool, error) {
	var ok bool
	err := a.db.Pool().QueryRow(ctx,
		`SELECT `+mediaVisibleSQL+` FROM media target WHERE target.id = $2`,
		viewerID, mediaID).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		// The media does not exist: not visible, not an error.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("media visibility: %w", err)
	}
	return ok, nil
}

// CanReadMediaBulk evaluates the media predicate over a list in one query.
// Absent or unreadable ids map to false.
func (a *Authority) CanReadMediaBulk(ctx context.Context, viewerID uuid.UUID, mediaIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(mediaIDs))
	for _, id := range mediaIDs {
		out[id] = false
	}
	if len(mediaIDs) == 0 {
		return out, nil
	}

	rows, err := a.db.Pool().Query(ctx,
		`SELECT target.id, `+mediaVisibleSQL+`
		 FROM media target WHERE target.id = ANY($2)`,
		viewerID, mediaIDs)
	if err != nil {
		return nil, fmt.Errorf("bulk media visibility: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var ok bool
		if err := rows.Scan(&id, &ok); err != nil {
			return nil, fmt.Errorf("scan media visibility: %w", err)
		}
		out[id] = ok
	}
	return out, rows.Err()
}

// CanReadHighlight reports whether the viewer may read the highlight: they
// must be able to read the anchor media, and some library containing that
// media must have both the viewer and the highlight's author as members.
func (a *Authority) CanReadHighlight(ctx context.Context, viewerID, highlightID uuid.UUID) (bool, error) {
	h, err := a.db.GetHighlight(ctx, highlightID)
	if err != nil {
		return false, fmt.Errorf("load highlight: %w", err)
	}
	if h == nil {
		return false, nil
	}
	f, err := a.db.GetFragment(ctx, h.FragmentID)
	if err != nil {
		return false, fmt.Errorf("load fragment: %w", err)
	}
	if f == nil {
		return false, nil
	}

	if viewerID == h.AuthorID {
		return a.CanReadMedia(ctx, viewerID, f.MediaID)
	}

	readable, err := a.CanReadMedia(ctx, viewerID, f.MediaID)
	if err != nil || !readable {
		return false, err
	}

	var shared bool
	err = a.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM library_media lm
			JOIN library_members va ON va.library_id = lm.library_id AND va.user_id = $1
			JOIN library_members au ON au.library_id = lm.library_id AND au.user_id = $2
			WHERE lm.media_id = $3
		)`, viewerID, h.AuthorID, f.MediaID).Scan(&shared)
	if err != nil {
		return false, fmt.Errorf("check shared library: %w", err)
	}
	return shared, nil
}

// CanReadAnnotation applies the highlight predicate to the annotation's
// parent highlight.
func (a *Authority) CanReadAnnotation(ctx context.Context, viewerID, annotationID uuid.UUID) (bool, error) {
	an, err := a.db.GetAnnotation(ctx, annotationID)
	if err != nil {
		return false, fmt.Errorf("load annotation: %w", err)
	}
	if an == nil {
		return false, nil
	}
	return a.CanReadHighlight(ctx, viewerID, an.HighlightID)
}

// CanReadConversation reports whether the viewer may read the conversation:
// ownership, public sharing, or library sharing with a share-target library
// in which both the viewer and the owner are current members.
func (a *Authority) CanReadConversation(ctx context.Context, viewerID uuid.UUID, c *db.Conversation) (bool, error) {
	if c == nil {
		return false, nil
	}
	if c.OwnerID == viewerID {
		return true, nil
	}
	switch c.Sharing {
	case db.SharingPublic:
		return true, nil
	case db.SharingLibrary:
		var ok bool
		err := a.db.Pool().QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM conversation_shares cs
				JOIN library_members va ON va.library_id = cs.library_id AND va.user_id = $2
				JOIN library_members ow ON ow.library_id = cs.library_id AND ow.user_id = $3
				WHERE cs.conversation_id = $1
			)`, c.ID, viewerID, c.OwnerID).Scan(&ok)
		if err != nil {
			return false, fmt.Errorf("check conversation share: %w", err)
		}
		return ok, nil
	}
	return false, nil
}

// IsAdminOfAnyContainingLibrary reports whether the viewer administers any
// library that contains the media.
func (a *Authority) IsAdminOfAnyContainingLibrary(ctx context.Context, viewerID, mediaID uuid.UUID) (bool, error) {
	var ok bool
	err := a.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM library_media lm
			JOIN library_members m ON m.library_id = lm.library_id
			WHERE lm.media_id = $2 AND m.user_id = $1 AND m.role = 'admin'
		)`, viewerID, mediaID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check containing admin: %w", err)
	}
	return ok, nil
}
