package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetMedia returns a media row or nil.
func (d *DB) GetMedia(ctx context.Context, id uuid.UUID) (*Media, error) {
	m := &Media{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, kind, title, canonical_url, created_at FROM media WHERE id = $1`, id)
	if err := row.Scan(&m.ID, &m.Kind, &m.Title, &m.CanonicalURL, &m.CreatedAt); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get media %s: %w", id, err)
	}
	return m, nil
}

// GetFragment returns a fragment row or nil.
func (d *DB) GetFragment(ctx context.Context, id uuid.UUID) (*Fragment, error) {
	f := &Fragment{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, media_id, idx, canonical_text, html, ready FROM fragments WHERE id = $1`, id)
	if err := row.Scan(&f.ID, &f.MediaID, &f.Idx, &f.CanonicalText, &f.HTML, &f.Ready); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get fragment %s: %w", id, err)
	}
	return f, nil
}

// ListFragmentBlocks returns a fragment's blocks in offset order.
func (d *DB) ListFragmentBlocks(ctx context.Context, fragmentID uuid.UUID) ([]FragmentBlock, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, fragment_id, start_offset, end_offset, is_empty
		 FROM fragment_blocks WHERE fragment_id = $1 ORDER BY start_offset ASC`, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("list fragment blocks: %w", err)
	}
	defer rows.Close()

	var out []FragmentBlock
	for rows.Next() {
		var b FragmentBlock
		if err := rows.Scan(&b.ID, &b.FragmentID, &b.StartOffset, &b.EndOffset, &b.IsEmpty); err != nil {
			return nil, fmt.Errorf("scan fragment block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetHighlight returns a highlight row or nil.
func (d *DB) GetHighlight(ctx context.Context, id uuid.UUID) (*Highlight, error) {
	h := &Highlight{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, fragment_id, author_id, start_offset, end_offset, exact, prefix, suffix, color, created_at
		 FROM highlights WHERE id = $1`, id)
	if err := row.Scan(&h.ID, &h.FragmentID, &h.AuthorID, &h.StartOffset, &h.EndOffset,
		&h.Exact, &h.Prefix, &h.Suffix, &h.Color, &h.CreatedAt); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get highlight %s: %w", id, err)
	}
	return h, nil
}

// GetAnnotation returns an annotation row or nil.
func (d *DB) GetAnnotation(ctx context.Context, id uuid.UUID) (*Annotation, error) {
	a := &Annotation{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, highlight_id, body, created_at, updated_at FROM annotations WHERE id = $1`, id)
	if err := row.Scan(&a.ID, &a.HighlightID, &a.Body, &a.CreatedAt, &a.UpdatedAt); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get annotation %s: %w", id, err)
	}
	return a, nil
}
