package web

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/crypto"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/llm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100

	// byokKeyVersion tags ciphertexts with the master-key generation.
	byokKeyVersion = 1
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := healthJSON{Status: "ok", DB: "ok", KV: "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		h.Status, h.DB = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := s.kv.Ping(r.Context()); err != nil {
		h.Status, h.KV = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	s.writeData(w, status, h)
}

// parseSendRequest maps the HTTP shape onto the pipeline's request. The path
// id is optional: absent means "new conversation".
func parseSendRequest(r *http.Request, viewer *db.User) (chat.SendRequest, error) {
	var body sendBody
	if err := decodeJSON(r, &body); err != nil {
		return chat.SendRequest{}, err
	}
	req := chat.SendRequest{
		UserID:         viewer.ID,
		Content:        body.Content,
		ModelID:        body.ModelID,
		KeyMode:        body.KeyMode,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.KeyMode == "" {
		req.KeyMode = keys.ModeAuto
	}
	if raw := r.PathValue("id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return chat.SendRequest{}, apperr.New(apperr.EInvalidRequest, "invalid conversation id")
		}
		req.ConversationID = &id
	}
	for _, c := range body.Contexts {
		req.Contexts = append(req.Contexts, chat.ContextRef{TargetType: c.Type, TargetID: c.ID})
	}
	return req, nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	req, err := parseSendRequest(r, viewer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.sender.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, toSendResponseJSON(result))
}

func parseLimitOffset(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, apperr.New(apperr.EInvalidRequest, "limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, apperr.New(apperr.EInvalidRequest, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.EInvalidRequest, "invalid conversation id")
	}
	return id, nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	convs, err := s.store.ListConversations(r.Context(), viewer.ID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, toConversationJSON(&convs[i]))
	}
	s.writeData(w, http.StatusOK, out)
}

// loadReadable returns the conversation if the viewer may read it. Invisible
// and absent are indistinguishable.
func (s *Server) loadReadable(r *http.Request, viewerID uuid.UUID) (*db.Conversation, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		return nil, err
	}
	ok, err := s.authz.CanReadConversation(r.Context(), viewerID, conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.EConversationNotFound, "conversation not found")
	}
	return conv, nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadReadable(r, viewerFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, toConversationJSON(conv))
}

// loadOwned returns the conversation only to its owner; everyone else sees
// not-found.
func (s *Server) loadOwned(r *http.Request, viewerID uuid.UUID) (*db.Conversation, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.OwnerID != viewerID {
		return nil, apperr.New(apperr.EConversationNotFound, "conversation not found")
	}
	return conv, nil
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadOwned(r, viewerFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body conversationPatchBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	title, sharing := conv.Title, conv.Sharing
	if body.Title != nil {
		title = *body.Title
	}
	if body.Sharing != nil {
		switch *body.Sharing {
		case db.SharingPrivate, db.SharingLibrary, db.SharingPublic:
			sharing = *body.Sharing
		default:
			s.writeError(w, r, apperr.New(apperr.EInvalidRequest, "invalid sharing mode"))
			return
		}
	}
	if err := s.store.UpdateConversation(r.Context(), conv.ID, title, sharing); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv.Title, conv.Sharing = title, sharing
	s.writeData(w, http.StatusOK, toConversationJSON(conv))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadOwned(r, viewerFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.loadReadable(r, viewerFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), conv.ID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageJSON(&msgs[i]))
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListAvailableModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]modelJSON, 0, len(models))
	for _, m := range models {
		out = append(out, modelJSON{
			ID:               m.ID,
			Provider:         m.Provider,
			ModelName:        m.ModelName,
			MaxContextTokens: m.MaxContextTokens,
		})
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	me := meJSON{UserID: viewer.ID, AuthSubject: viewer.AuthSubject}
	if lib, err := s.store.GetDefaultLibrary(r.Context(), viewer.ID); err != nil {
		s.writeError(w, r, err)
		return
	} else if lib != nil {
		me.DefaultLibrary = &libraryJSON{ID: lib.ID, Name: lib.Name}
	}
	s.writeData(w, http.StatusOK, me)
}

func (s *Server) handleMintStreamToken(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	token, expiresAt, err := s.tokens.Mint(viewer.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, streamTokenJSON{Token: token, ExpiresAt: expiresAt})
}

func knownProvider(p string) bool {
	switch p {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini:
		return true
	}
	return false
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	rows, err := s.store.ListUserAPIKeys(r.Context(), viewer.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiKeyJSON, 0, len(rows))
	for _, k := range rows {
		out = append(out, apiKeyJSON{
			Provider:     k.Provider,
			Fingerprint:  k.Fingerprint,
			Status:       k.Status,
			LastTestedAt: k.LastTestedAt,
		})
	}
	s.writeData(w, http.StatusOK, out)
}

func (s *Server) handlePutAPIKey(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	provider := r.PathValue("provider")
	if !knownProvider(provider) {
		s.writeError(w, r, apperr.New(apperr.EInvalidRequest, "unknown provider"))
		return
	}
	var body apiKeyPutBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.APIKey == "" {
		s.writeError(w, r, apperr.New(apperr.EInvalidRequest, "api_key is required"))
		return
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ciphertext, err := s.envelope.Encrypt([]byte(body.APIKey), nonce)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	version := byokKeyVersion
	row := &db.UserAPIKey{
		UserID:      viewer.ID,
		Provider:    provider,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		KeyVersion:  &version,
		Fingerprint: crypto.Fingerprint(body.APIKey),
	}
	if err := s.store.UpsertUserAPIKey(r.Context(), row); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, apiKeyJSON{
		Provider:    provider,
		Fingerprint: row.Fingerprint,
		Status:      row.Status,
	})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	provider := r.PathValue("provider")
	if !knownProvider(provider) {
		s.writeError(w, r, apperr.New(apperr.EInvalidRequest, "unknown provider"))
		return
	}
	if err := s.store.RevokeUserAPIKey(r.Context(), viewer.ID, provider); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
