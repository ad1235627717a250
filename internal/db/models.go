package db

import (
	"time"

	"github.com/google/uuid"
)

// User is an identity bound to the external auth system's subject.
type User struct {
	ID          uuid.UUID
	AuthSubject uuid.UUID
	CreatedAt   time.Time
}

// Library is an ordered collection of media. Exactly one library per user is
// the default; non-default libraries carry a membership set.
type Library struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	IsDefault bool
	CreatedAt time.Time
}

// Media is an ingested artifact. The chat core treats it as an addressable
// context target only.
type Media struct {
	ID           uuid.UUID
	Kind         string
	Title        string
	CanonicalURL *string
	CreatedAt    time.Time
}

// Fragment is an ordered textual piece of a media, addressed by (media, idx),
// with a code-point-addressable canonical text.
type Fragment struct {
	ID            uuid.UUID
	MediaID       uuid.UUID
	Idx           int
	CanonicalText string
	HTML          string
	Ready         bool
}

// FragmentBlock is a contiguous code-point range in a fragment's canonical
// text. Blocks partition [0, len(text)) with no gaps.
type FragmentBlock struct {
	ID          uuid.UUID
	FragmentID  uuid.UUID
	StartOffset int
	EndOffset   int
	IsEmpty     bool
}

// Highlight is an author-owned anchored selection within a fragment.
type Highlight struct {
	ID          uuid.UUID
	FragmentID  uuid.UUID
	AuthorID    uuid.UUID
	StartOffset int
	EndOffset   int
	Exact       string
	Prefix      string
	Suffix      string
	Color       string
	CreatedAt   time.Time
}

// Annotation is the 0..1 note attached to a highlight. Its author derives
// from the highlight's author.
type Annotation struct {
	ID          uuid.UUID
	HighlightID uuid.UUID
	Body        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Sharing modes for conversations.
const (
	SharingPrivate = "private"
	SharingLibrary = "library"
	SharingPublic  = "public"
)

// Conversation is a user-owned chat thread with a monotonic next_seq counter.
type Conversation struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Title     string
	Sharing   string
	NextSeq   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message roles and statuses.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Message is a positioned turn in a conversation. Only assistant messages may
// be pending, and a pending assistant is always the last message.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Seq            int
	Role           string
	Content        string
	Status         string
	ErrorCode      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageLLM is the 1:1 sidecar of an assistant message recording the
// provider call outcome.
type MessageLLM struct {
	MessageID         uuid.UUID
	Provider          string
	Model             string
	PromptTokens      *int
	CompletionTokens  *int
	TotalTokens       *int
	KeyModeRequested  string
	KeyModeUsed       string
	LatencyMs         *int64
	ErrorClass        *string
	PromptVersion     string
	ProviderRequestID *string
}

// Context target types.
const (
	TargetMedia      = "media"
	TargetHighlight  = "highlight"
	TargetAnnotation = "annotation"
)

// MessageContext is an ordinal-indexed reference from a message to exactly
// one of media, highlight, or annotation.
type MessageContext struct {
	ID           uuid.UUID
	MessageID    uuid.UUID
	Ordinal      int
	TargetType   string
	MediaID      *uuid.UUID
	HighlightID  *uuid.UUID
	AnnotationID *uuid.UUID
}

// TargetID returns the id of whichever target is set.
func (c MessageContext) TargetID() uuid.UUID {
	switch c.TargetType {
	case TargetMedia:
		if c.MediaID != nil {
			return *c.MediaID
		}
	case TargetHighlight:
		if c.HighlightID != nil {
			return *c.HighlightID
		}
	case TargetAnnotation:
		if c.AnnotationID != nil {
			return *c.AnnotationID
		}
	}
	return uuid.Nil
}

// BYOK key statuses.
const (
	KeyStatusUntested = "untested"
	KeyStatusValid    = "valid"
	KeyStatusInvalid  = "invalid"
	KeyStatusRevoked  = "revoked"
)

// UserAPIKey is a per (user, provider) encrypted BYOK row. Revocation wipes
// the cipher material but keeps fingerprint and status.
type UserAPIKey struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Provider     string
	Ciphertext   []byte
	Nonce        []byte
	KeyVersion   *int
	Fingerprint  string
	Status       string
	LastTestedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdempotencyRecord binds a (user, key) to the message pair it produced.
type IdempotencyRecord struct {
	UserID             uuid.UUID
	Key                string
	PayloadHash        string
	ConversationID     uuid.UUID
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// ModelEntry is a row of the read-only model registry.
type ModelEntry struct {
	ID               uuid.UUID
	Provider         string
	ModelName        string
	MaxContextTokens int
	IsAvailable      bool
}
