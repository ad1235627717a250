// Package prompt turns context references into the prompt-ready block sent
// alongside a user message, and owns the versioned system prompt.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/db"
)

// Version identifies the system prompt + rendering format in MessageLLM rows.
const Version = "s3_v1"

// MaxContextItems is the hard cap on context references per message.
const MaxContextItems = 10

// renderBudget caps the rendered context block, in code points.
const renderBudget = 25000

const systemPrompt = `You are a careful reading assistant. The user may reference source material: cited passages, their surrounding context, and the user's own notes. Ground your answers in the referenced material when it is present, quote sparingly, and say so plainly when the material does not answer the question.`

// System returns the versioned system prompt.
func System() string { return systemPrompt }

// ContentStore is the read surface the renderer needs.
type ContentStore interface {
	GetMedia(ctx context.Context, id uuid.UUID) (*db.Media, error)
	GetFragment(ctx context.Context, id uuid.UUID) (*db.Fragment, error)
	ListFragmentBlocks(ctx context.Context, fragmentID uuid.UUID) ([]db.FragmentBlock, error)
	GetHighlight(ctx context.Context, id uuid.UUID) (*db.Highlight, error)
	GetAnnotation(ctx context.Context, id uuid.UUID) (*db.Annotation, error)
}

// Renderer materializes context references into text. Items that fail to
// render are skipped; a bad reference never aborts the send.
type Renderer struct {
	store  ContentStore
	logger zerolog.Logger
}

// NewRenderer creates a Renderer.
func NewRenderer(store ContentStore, logger zerolog.Logger) *Renderer {
	return &Renderer{store: store, logger: logger}
}

// Render produces the combined context block for an ordered reference list.
// Accumulation is greedy: the first item that would push the block past the
// budget is dropped along with everything after it.
func (r *Renderer) Render(ctx context.Context, refs []db.MessageContext) string {
	var parts []string
	total := 0
	for i, ref := range refs {
		item, err := r.renderItem(ctx, ref)
		if err != nil {
			r.logger.Warn().Err(err).
				Int("ordinal", i).
				Str("target_type", ref.TargetType).
				Msg("context item failed to render, skipping")
			continue
		}
		if item == "" {
			continue
		}
		cost := len([]rune(item))
		if total > 0 {
			cost += 2 // joining blank line
		}
		if total+cost > renderBudget {
			r.logger.Warn().
				Int("rendered_count", len(parts)).
				Int("dropped_count", len(refs)-i).
				Msg("context budget reached, dropping remaining items")
			break
		}
		parts = append(parts, item)
		total += cost
	}
	return strings.Join(parts, "\n\n")
}

func (r *Renderer) renderItem(ctx context.Context, ref db.MessageContext) (string, error) {
	switch ref.TargetType {
	case db.TargetMedia:
		return r.renderMedia(ctx, ref.TargetID())
	case db.TargetHighlight:
		return r.renderHighlight(ctx, ref.TargetID(), nil)
	case db.TargetAnnotation:
		return r.renderAnnotation(ctx, ref.TargetID())
	}
	return "", fmt.Errorf("unknown target type %q", ref.TargetType)
}

func (r *Renderer) renderMedia(ctx context.Context, id uuid.UUID) (string, error) {
	m, err := r.store.GetMedia(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("media %s not found", id)
	}
	return mediaHeader(m), nil
}

// renderHighlight renders a cited passage: the media header, the exact text
// as a blockquote, and the surrounding context when it adds anything beyond
// the quote itself. note, when non-nil, is appended between quote and
// context (the annotation path).
func (r *Renderer) renderHighlight(ctx context.Context, id uuid.UUID, note *string) (string, error) {
	h, err := r.store.GetHighlight(ctx, id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "", fmt.Errorf("highlight %s not found", id)
	}
	f, err := r.store.GetFragment(ctx, h.FragmentID)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("fragment %s not found", h.FragmentID)
	}
	m, err := r.store.GetMedia(ctx, f.MediaID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("media %s not found", f.MediaID)
	}

	var b strings.Builder
	b.WriteString(mediaHeader(m))
	b.WriteString("\n\n")
	b.WriteString(blockquote(h.Exact))

	if note != nil {
		b.WriteString("\n\nNote: ")
		b.WriteString(*note)
	}

	window, err := r.contextWindow(ctx, f, h)
	if err != nil {
		return "", err
	}
	if window != "" && window != h.Exact {
		b.WriteString("\n\nSurrounding context:\n")
		b.WriteString(window)
	}
	return b.String(), nil
}

func (r *Renderer) renderAnnotation(ctx context.Context, id uuid.UUID) (string, error) {
	a, err := r.store.GetAnnotation(ctx, id)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("annotation %s not found", id)
	}
	return r.renderHighlight(ctx, a.HighlightID, &a.Body)
}

func (r *Renderer) contextWindow(ctx context.Context, f *db.Fragment, h *db.Highlight) (string, error) {
	rows, err := r.store.ListFragmentBlocks(ctx, f.ID)
	if err != nil {
		return "", err
	}
	blocks := make([]Span, len(rows))
	for i, row := range rows {
		blocks[i] = Span{Start: row.StartOffset, End: row.EndOffset, IsEmpty: row.IsEmpty}
	}

	runes := []rune(f.CanonicalText)
	w := ContextWindow(blocks, len(runes), h.StartOffset, h.EndOffset)
	return string(runes[w.Start:w.End]), nil
}

func mediaHeader(m *db.Media) string {
	var b strings.Builder
	b.WriteString("**Source:** ")
	b.WriteString(m.Title)
	if m.CanonicalURL != nil && *m.CanonicalURL != "" {
		b.WriteString("\nURL: ")
		b.WriteString(*m.CanonicalURL)
	}
	return b.String()
}

func blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
