// Package chat owns the send-message pipeline: validation, the prepare and
// finalize transactions, provider execution, streaming, and the sweeper that
// finalizes orphaned pending rows.
package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/kv"
	"github.com/nexushq/nexus/internal/llm"
)

// Send pipeline constants.
const (
	MaxMessageChars = 8000
	// truncateLimit bounds stored assistant content.
	truncateLimit  = 50000
	truncateNotice = "\n\n[response truncated]"

	maxTokens   = 4096
	temperature = 0.7

	// estTokens is the budget estimate used for the pre-call check and for
	// streaming reservations.
	estTokens = int64(maxTokens)

	reservationTTL = 10 * time.Minute

	maxIdempotencyKeyLen = 128
	titleLimit           = 80
)

// Store is the persistence surface of the orchestrator and sweeper,
// satisfied by *db.DB.
type Store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error

	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	CreateConversation(ctx context.Context, q db.Querier, ownerID uuid.UUID, title string) (*db.Conversation, error)
	TouchConversation(ctx context.Context, q db.Querier, id uuid.UUID) error
	HasPendingAssistant(ctx context.Context, conversationID uuid.UUID) (bool, error)
	HasPendingAssistantTx(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (bool, error)
	AssignNextSeq(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID) (int, error)

	InsertMessage(ctx context.Context, q db.Querier, m *db.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	FinalizeAssistant(ctx context.Context, q db.Querier, id uuid.UUID, status, content string, errorCode *string) (bool, error)
	InsertMessageLLM(ctx context.Context, q db.Querier, ml *db.MessageLLM, onConflictIgnore bool) error
	InsertMessageContexts(ctx context.Context, q db.Querier, messageID uuid.UUID, contexts []db.MessageContext) error

	GetIdempotencyRecord(ctx context.Context, q db.Querier, userID uuid.UUID, key string) (*db.IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, q db.Querier, r *db.IdempotencyRecord) error

	GetModel(ctx context.Context, id uuid.UUID) (*db.ModelEntry, error)
	ListPendingAssistantsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]db.Message, error)
}

// Authority answers visibility questions for context references.
type Authority interface {
	CanReadMedia(ctx context.Context, viewerID, mediaID uuid.UUID) (bool, error)
	CanReadHighlight(ctx context.Context, viewerID, highlightID uuid.UUID) (bool, error)
	CanReadAnnotation(ctx context.Context, viewerID, annotationID uuid.UUID) (bool, error)
}

// KeyResolver picks the API key for a call and records provider verdicts.
type KeyResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID, provider, mode string) (*keys.Resolution, error)
	ReportOutcome(ctx context.Context, res *keys.Resolution, valid bool)
}

// Gate is the rate and budget limiter surface.
type Gate interface {
	AllowRequest(ctx context.Context, userID uuid.UUID) error
	AcquireInFlight(ctx context.Context, userID uuid.UUID) error
	ReleaseInFlight(ctx context.Context, userID uuid.UUID)
	CheckBudget(ctx context.Context, userID uuid.UUID, est int64) error
	Charge(ctx context.Context, userID, messageID uuid.UUID, tokens int64)
	Reserve(ctx context.Context, userID, assistantID uuid.UUID, est int64, ttl time.Duration) error
	Commit(ctx context.Context, userID, assistantID uuid.UUID, actual int64)
	Release(ctx context.Context, userID, assistantID uuid.UUID)
}

// Renderer materializes context references into prompt text.
type Renderer interface {
	Render(ctx context.Context, refs []db.MessageContext) string
}

// Generator is the LLM router surface.
type Generator interface {
	Available(provider string) bool
	Generate(ctx context.Context, provider, apiKey string, req llm.Request) (*llm.Response, error)
	GenerateStream(ctx context.Context, provider, apiKey string, req llm.Request) (<-chan llm.Chunk, error)
}

// Orchestrator runs the send pipeline.
type Orchestrator struct {
	store     Store
	authority Authority
	keys      KeyResolver
	gate      Gate
	renderer  Renderer
	router    Generator
	kv        kv.Store
	logger    zerolog.Logger
	now       func() time.Time

	// streamInactivity is the stall window after which a provider stream is
	// aborted as a timeout.
	streamInactivity time.Duration
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(store Store, authority Authority, resolver KeyResolver, gate Gate, renderer Renderer, router Generator, kvStore kv.Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:            store,
		authority:        authority,
		keys:             resolver,
		gate:             gate,
		renderer:         renderer,
		router:           router,
		kv:               kvStore,
		logger:           logger,
		now:              time.Now,
		streamInactivity: llm.ReadTimeout,
	}
}

// ContextRef is one reference from the request body.
type ContextRef struct {
	TargetType string
	TargetID   uuid.UUID
}

// SendRequest is a validated-on-entry send call.
type SendRequest struct {
	UserID         uuid.UUID
	ConversationID *uuid.UUID
	Content        string
	ModelID        uuid.UUID
	KeyMode        string
	Contexts       []ContextRef
	IdempotencyKey string
}

// SendResult is the triple returned by both the sync path and, via meta,
// the streaming path. Replayed marks an idempotent replay.
type SendResult struct {
	Conversation     *db.Conversation
	UserMessage      *db.Message
	AssistantMessage *db.Message
	Replayed         bool
}

// truncate enforces the stored-content bound with a visible notice.
func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= truncateLimit {
		return content
	}
	return string(runes[:truncateLimit]) + truncateNotice
}

// deriveTitle produces a conversation title from the first message.
func deriveTitle(content string) string {
	runes := []rune(content)
	for i, r := range runes {
		if r == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > titleLimit {
		runes = runes[:titleLimit]
	}
	return string(runes)
}

func livenessKey(assistantID uuid.UUID) string {
	return "stream_active:" + assistantID.String()
}
