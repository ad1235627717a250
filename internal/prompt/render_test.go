package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/db"
)

type fakeContent struct {
	media       map[uuid.UUID]*db.Media
	fragments   map[uuid.UUID]*db.Fragment
	blocks      map[uuid.UUID][]db.FragmentBlock
	highlights  map[uuid.UUID]*db.Highlight
	annotations map[uuid.UUID]*db.Annotation
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		media:       map[uuid.UUID]*db.Media{},
		fragments:   map[uuid.UUID]*db.Fragment{},
		blocks:      map[uuid.UUID][]db.FragmentBlock{},
		highlights:  map[uuid.UUID]*db.Highlight{},
		annotations: map[uuid.UUID]*db.Annotation{},
	}
}

func (f *fakeContent) GetMedia(_ context.Context, id uuid.UUID) (*db.Media, error) {
	return f.media[id], nil
}

func (f *fakeContent) GetFragment(_ context.Context, id uuid.UUID) (*db.Fragment, error) {
	return f.fragments[id], nil
}

func (f *fakeContent) ListFragmentBlocks(_ context.Context, id uuid.UUID) ([]db.FragmentBlock, error) {
	return f.blocks[id], nil
}

func (f *fakeContent) GetHighlight(_ context.Context, id uuid.UUID) (*db.Highlight, error) {
	return f.highlights[id], nil
}

func (f *fakeContent) GetAnnotation(_ context.Context, id uuid.UUID) (*db.Annotation, error) {
	return f.annotations[id], nil
}

// seedHighlight wires media -> fragment -> highlight and returns the ids.
func (f *fakeContent) seedHighlight(text string, start, end int) (uuid.UUID, uuid.UUID) {
	url := "https://example.com/article"
	mediaID := uuid.New()
	f.media[mediaID] = &db.Media{ID: mediaID, Kind: "article", Title: "The Article", CanonicalURL: &url}

	fragID := uuid.New()
	f.fragments[fragID] = &db.Fragment{ID: fragID, MediaID: mediaID, CanonicalText: text, Ready: true}

	hlID := uuid.New()
	runes := []rune(text)
	f.highlights[hlID] = &db.Highlight{
		ID:          hlID,
		FragmentID:  fragID,
		AuthorID:    uuid.New(),
		StartOffset: start,
		EndOffset:   end,
		Exact:       string(runes[start:end]),
	}
	return mediaID, hlID
}

func mediaRef(id uuid.UUID) db.MessageContext {
	return db.MessageContext{TargetType: db.TargetMedia, MediaID: &id}
}

func highlightRef(id uuid.UUID) db.MessageContext {
	return db.MessageContext{TargetType: db.TargetHighlight, HighlightID: &id}
}

func annotationRef(id uuid.UUID) db.MessageContext {
	return db.MessageContext{TargetType: db.TargetAnnotation, AnnotationID: &id}
}

func TestRenderMedia(t *testing.T) {
	store := newFakeContent()
	url := "https://example.com/a"
	id := uuid.New()
	store.media[id] = &db.Media{ID: id, Title: "A Title", CanonicalURL: &url}

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), []db.MessageContext{mediaRef(id)})

	want := "**Source:** A Title\nURL: https://example.com/a"
	if got != want {
		t.Fatalf("rendered %q, want %q", got, want)
	}
}

func TestRenderMediaWithoutURL(t *testing.T) {
	store := newFakeContent()
	id := uuid.New()
	store.media[id] = &db.Media{ID: id, Title: "Untitled Upload"}

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), []db.MessageContext{mediaRef(id)})
	if got != "**Source:** Untitled Upload" {
		t.Fatalf("rendered %q", got)
	}
}

func TestRenderHighlight(t *testing.T) {
	store := newFakeContent()
	text := "Before paragraph.\n\nThe highlighted sentence lives here.\n\nAfter paragraph."
	_, hlID := store.seedHighlight(text, 23, 43) // "highlighted sentence"

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), []db.MessageContext{highlightRef(hlID)})

	if !strings.Contains(got, "**Source:** The Article") {
		t.Fatalf("missing media header: %q", got)
	}
	if !strings.Contains(got, "> highlighted sentence") {
		t.Fatalf("missing blockquote: %q", got)
	}
	// The fallback window pads well past the whole text, so the surrounding
	// context is the full fragment.
	if !strings.Contains(got, "Surrounding context:\n"+text) {
		t.Fatalf("missing surrounding context: %q", got)
	}
}

func TestRenderHighlightOmitsWindowEqualToExact(t *testing.T) {
	store := newFakeContent()
	text := "short"
	_, hlID := store.seedHighlight(text, 0, 5)

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), []db.MessageContext{highlightRef(hlID)})
	if strings.Contains(got, "Surrounding context") {
		t.Fatalf("window equal to exact should be omitted: %q", got)
	}
}

func TestRenderAnnotation(t *testing.T) {
	store := newFakeContent()
	_, hlID := store.seedHighlight("The quick brown fox jumps over the lazy dog.", 4, 19)

	annID := uuid.New()
	store.annotations[annID] = &db.Annotation{ID: annID, HighlightID: hlID, Body: "classic pangram"}

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), []db.MessageContext{annotationRef(annID)})

	if !strings.Contains(got, "> quick brown fox") {
		t.Fatalf("missing quote: %q", got)
	}
	if !strings.Contains(got, "Note: classic pangram") {
		t.Fatalf("missing annotation body: %q", got)
	}
}

func TestRenderSkipsFailedItems(t *testing.T) {
	store := newFakeContent()
	goodID := uuid.New()
	store.media[goodID] = &db.Media{ID: goodID, Title: "Good"}

	r := NewRenderer(store, zerolog.Nop())
	refs := []db.MessageContext{
		mediaRef(uuid.New()), // not found
		mediaRef(goodID),
	}
	got := r.Render(context.Background(), refs)
	if got != "**Source:** Good" {
		t.Fatalf("rendered %q, want only the resolvable item", got)
	}
}

func TestRenderBudgetDropsTail(t *testing.T) {
	store := newFakeContent()

	var refs []db.MessageContext
	for i := 0; i < 4; i++ {
		id := uuid.New()
		store.media[id] = &db.Media{ID: id, Title: strings.Repeat("t", 9000)}
		refs = append(refs, mediaRef(id))
	}

	r := NewRenderer(store, zerolog.Nop())
	got := r.Render(context.Background(), refs)

	if n := len([]rune(got)); n > renderBudget {
		t.Fatalf("rendered %d code points, budget is %d", n, renderBudget)
	}
	// ~9k per item: two fit, the third breaks the budget and drops the tail.
	if n := strings.Count(got, "**Source:**"); n != 2 {
		t.Fatalf("rendered %d items, want 2", n)
	}
}

var errBoom = errors.New("boom")

type erroringContent struct{ *fakeContent }

func (e erroringContent) GetHighlight(context.Context, uuid.UUID) (*db.Highlight, error) {
	return nil, errBoom
}

func TestRenderStoreErrorSkipsItem(t *testing.T) {
	base := newFakeContent()
	id := uuid.New()
	base.media[id] = &db.Media{ID: id, Title: "Still Here"}

	r := NewRenderer(erroringContent{base}, zerolog.Nop())
	refs := []db.MessageContext{
		highlightRef(uuid.New()),
		mediaRef(id),
	}
	if got := r.Render(context.Background(), refs); got != "**Source:** Still Here" {
		t.Fatalf("rendered %q", got)
	}
}
