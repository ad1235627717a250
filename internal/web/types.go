package web

import (
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/db"
)

// --- Request bodies ---

type sendBody struct {
	Content  string           `json:"content"`
	ModelID  uuid.UUID        `json:"model_id"`
	KeyMode  string           `json:"key_mode"`
	Contexts []contextRefBody `json:"contexts"`
}

type contextRefBody struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

type conversationPatchBody struct {
	Title   *string `json:"title"`
	Sharing *string `json:"sharing"`
}

type apiKeyPutBody struct {
	APIKey string `json:"api_key"`
}

// --- Response bodies ---

type conversationJSON struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Sharing   string    `json:"sharing"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageJSON struct {
	ID        uuid.UUID `json:"id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	ErrorCode *string   `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sendResponseJSON struct {
	Conversation     conversationJSON `json:"conversation"`
	UserMessage      messageJSON      `json:"user_message"`
	AssistantMessage messageJSON      `json:"assistant_message"`
	Replayed         bool             `json:"replayed,omitempty"`
}

type modelJSON struct {
	ID               uuid.UUID `json:"id"`
	Provider         string    `json:"provider"`
	ModelName        string    `json:"model_name"`
	MaxContextTokens int       `json:"max_context_tokens"`
}

type apiKeyJSON struct {
	Provider     string     `json:"provider"`
	Fingerprint  string     `json:"fingerprint"`
	Status       string     `json:"status"`
	LastTestedAt *time.Time `json:"last_tested_at,omitempty"`
}

type libraryJSON struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type meJSON struct {
	UserID         uuid.UUID    `json:"user_id"`
	AuthSubject    uuid.UUID    `json:"auth_subject"`
	DefaultLibrary *libraryJSON `json:"default_library,omitempty"`
}

type streamTokenJSON struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type healthJSON struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	KV     string `json:"kv"`
}

// --- Converters ---

func toConversationJSON(c *db.Conversation) conversationJSON {
	return conversationJSON{
		ID:        c.ID,
		Title:     c.Title,
		Sharing:   c.Sharing,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toMessageJSON(m *db.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		Seq:       m.Seq,
		Role:      m.Role,
		Content:   m.Content,
		Status:    m.Status,
		ErrorCode: m.ErrorCode,
		CreatedAt: m.CreatedAt,
	}
}

func toSendResponseJSON(r *chat.SendResult) sendResponseJSON {
	return sendResponseJSON{
		Conversation:     toConversationJSON(r.Conversation),
		UserMessage:      toMessageJSON(r.UserMessage),
		AssistantMessage: toMessageJSON(r.AssistantMessage),
		Replayed:         r.Replayed,
	}
}
