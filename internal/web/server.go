// Package web is the HTTP surface: JSON endpoints, SSE streaming, and the
// auth middleware in front of them.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/config"
	"github.com/nexushq/nexus/internal/crypto"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/kv"
)

// Store is the persistence surface of the handlers, satisfied by *db.DB.
type Store interface {
	Ping(ctx context.Context) error
	BootstrapUser(ctx context.Context, subject uuid.UUID) (*db.User, error)
	GetDefaultLibrary(ctx context.Context, ownerID uuid.UUID) (*db.Library, error)

	GetConversation(ctx context.Context, id uuid.UUID) (*db.Conversation, error)
	ListConversations(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]db.Conversation, error)
	UpdateConversation(ctx context.Context, id uuid.UUID, title, sharing string) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]db.Message, error)

	ListAvailableModels(ctx context.Context) ([]db.ModelEntry, error)

	ListUserAPIKeys(ctx context.Context, userID uuid.UUID) ([]db.UserAPIKey, error)
	UpsertUserAPIKey(ctx context.Context, k *db.UserAPIKey) error
	RevokeUserAPIKey(ctx context.Context, userID uuid.UUID, provider string) error
}

// Authorizer answers conversation visibility questions.
type Authorizer interface {
	CanReadConversation(ctx context.Context, viewerID uuid.UUID, c *db.Conversation) (bool, error)
}

// Sender is the send pipeline, satisfied by *chat.Orchestrator.
type Sender interface {
	Send(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error)
	SendStream(ctx context.Context, req chat.SendRequest, emit chat.EmitFunc) error
}

// TokenService mints and verifies stream tokens, satisfied by
// *streamtoken.Service.
type TokenService interface {
	Mint(userID uuid.UUID) (string, time.Time, error)
	Verify(ctx context.Context, raw string) (uuid.UUID, error)
}

// TokenVerifier validates IdP bearer tokens and returns the auth subject.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (uuid.UUID, error)
}

// Server is the Nexus HTTP server.
type Server struct {
	cfg      config.Config
	store    Store
	authz    Authorizer
	sender   Sender
	tokens   TokenService
	verifier TokenVerifier
	kv       kv.Store
	envelope *crypto.Envelope
	logger   zerolog.Logger

	mux    *http.ServeMux
	server *http.Server
}

// New creates the server and registers all routes.
func New(cfg config.Config, store Store, authz Authorizer, sender Sender, tokens TokenService, verifier TokenVerifier, kvStore kv.Store, envelope *crypto.Envelope, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		authz:    authz,
		sender:   sender,
		tokens:   tokens,
		verifier: verifier,
		kv:       kvStore,
		envelope: envelope,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.requestID(s.mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied, for tests.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.mux)
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /conversations/messages", s.authed(s.handleSend))
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.authed(s.handleSend))
	s.mux.HandleFunc("GET /conversations", s.authed(s.handleListConversations))
	s.mux.HandleFunc("GET /conversations/{id}", s.authed(s.handleGetConversation))
	s.mux.HandleFunc("PATCH /conversations/{id}", s.authed(s.handleUpdateConversation))
	s.mux.HandleFunc("DELETE /conversations/{id}", s.authed(s.handleDeleteConversation))
	s.mux.HandleFunc("GET /conversations/{id}/messages", s.authed(s.handleListMessages))

	// Stream routes take only single-use stream tokens; IdP JWTs are rejected.
	s.mux.HandleFunc("POST /stream/conversations/messages", s.streamAuthed(s.handleSendStream))
	s.mux.HandleFunc("POST /stream/conversations/{id}/messages", s.streamAuthed(s.handleSendStream))
	s.mux.HandleFunc("POST /internal/stream-tokens", s.authed(s.handleMintStreamToken))

	s.mux.HandleFunc("GET /models", s.authed(s.handleListModels))
	s.mux.HandleFunc("GET /me", s.authed(s.handleMe))
	s.mux.HandleFunc("GET /me/api-keys", s.authed(s.handleListAPIKeys))
	s.mux.HandleFunc("PUT /me/api-keys/{provider}", s.authed(s.handlePutAPIKey))
	s.mux.HandleFunc("DELETE /me/api-keys/{provider}", s.authed(s.handleDeleteAPIKey))
}
