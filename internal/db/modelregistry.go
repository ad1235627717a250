package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetModel returns a model registry entry or nil.
func (d *DB) GetModel(ctx context.Context, id uuid.UUID) (*ModelEntry, error) {
	m := &ModelEntry{}
	row := d.pool.QueryRow(ctx,
		`SELECT id, provider, model_name, max_context_tokens, is_available
		 FROM model_registry WHERE id = $1`, id)
	if err := row.Scan(&m.ID, &m.Provider, &m.ModelName, &m.MaxContextTokens, &m.IsAvailable); errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	return m, nil
}

// ListAvailableModels returns the available registry entries.
func (d *DB) ListAvailableModels(ctx context.Context) ([]ModelEntry, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, provider, model_name, max_context_tokens, is_available
		 FROM model_registry WHERE is_available ORDER BY provider, model_name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []ModelEntry
	for rows.Next() {
		var m ModelEntry
		if err := rows.Scan(&m.ID, &m.Provider, &m.ModelName, &m.MaxContextTokens, &m.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
