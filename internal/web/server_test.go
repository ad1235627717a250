package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/config"
	"github.com/nexushq/nexus/internal/crypto"
	"github.com/nexushq/nexus/internal/db"
)

func testEnvelope(t *testing.T) *crypto.Envelope {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, crypto.KeySize))
	env, err := crypto.NewEnvelope(key)
	if err != nil {
		t.Fatalf("test envelope: %v", err)
	}
	return env
}

type stubStore struct {
	pingErr       error
	users         map[uuid.UUID]*db.User
	library       *db.Library
	conversations map[uuid.UUID]*db.Conversation
	messages      []db.Message
	models        []db.ModelEntry
	apiKeys       map[string]*db.UserAPIKey

	lastLimit  int
	lastOffset int
	revoked    []string
}

func newStubStore() *stubStore {
	return &stubStore{
		users:         map[uuid.UUID]*db.User{},
		conversations: map[uuid.UUID]*db.Conversation{},
		apiKeys:       map[string]*db.UserAPIKey{},
	}
}

func (f *stubStore) Ping(context.Context) error { return f.pingErr }

func (f *stubStore) BootstrapUser(_ context.Context, subject uuid.UUID) (*db.User, error) {
	if u, ok := f.users[subject]; ok {
		return u, nil
	}
	u := &db.User{ID: uuid.New(), AuthSubject: subject}
	f.users[subject] = u
	return u, nil
}

func (f *stubStore) GetDefaultLibrary(context.Context, uuid.UUID) (*db.Library, error) {
	return f.library, nil
}

func (f *stubStore) GetConversation(_ context.Context, id uuid.UUID) (*db.Conversation, error) {
	return f.conversations[id], nil
}

func (f *stubStore) ListConversations(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]db.Conversation, error) {
	f.lastLimit, f.lastOffset = limit, offset
	var out []db.Conversation
	for _, c := range f.conversations {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *stubStore) UpdateConversation(_ context.Context, id uuid.UUID, title, sharing string) error {
	c := f.conversations[id]
	c.Title, c.Sharing = title, sharing
	return nil
}

func (f *stubStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	delete(f.conversations, id)
	return nil
}

func (f *stubStore) ListMessages(_ context.Context, _ uuid.UUID, limit, offset int) ([]db.Message, error) {
	f.lastLimit, f.lastOffset = limit, offset
	return f.messages, nil
}

func (f *stubStore) ListAvailableModels(context.Context) ([]db.ModelEntry, error) {
	return f.models, nil
}

func (f *stubStore) ListUserAPIKeys(context.Context, uuid.UUID) ([]db.UserAPIKey, error) {
	var out []db.UserAPIKey
	for _, k := range f.apiKeys {
		out = append(out, *k)
	}
	return out, nil
}

func (f *stubStore) UpsertUserAPIKey(_ context.Context, k *db.UserAPIKey) error {
	k.ID = uuid.New()
	k.Status = db.KeyStatusUntested
	cp := *k
	f.apiKeys[k.Provider] = &cp
	return nil
}

func (f *stubStore) RevokeUserAPIKey(_ context.Context, _ uuid.UUID, provider string) error {
	f.revoked = append(f.revoked, provider)
	return nil
}

// stubAuthz grants owners and nothing else unless public.
type stubAuthz struct{}

func (stubAuthz) CanReadConversation(_ context.Context, viewerID uuid.UUID, c *db.Conversation) (bool, error) {
	if c == nil {
		return false, nil
	}
	return c.OwnerID == viewerID || c.Sharing == db.SharingPublic, nil
}

type stubSender struct {
	result *chat.SendResult
	err    error
	events []streamEvent
	last   chat.SendRequest
}

func (f *stubSender) Send(_ context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *stubSender) SendStream(_ context.Context, req chat.SendRequest, emit chat.EmitFunc) error {
	f.last = req
	if f.err != nil {
		return f.err
	}
	for _, e := range f.events {
		if err := emit(e.name, e.payload); err != nil {
			return nil
		}
	}
	return nil
}

type stubTokens struct {
	users map[string]uuid.UUID
}

func (f *stubTokens) Mint(uuid.UUID) (string, time.Time, error) {
	return "stream-token", time.Now().Add(time.Minute), nil
}

func (f *stubTokens) Verify(_ context.Context, raw string) (uuid.UUID, error) {
	if id, ok := f.users[raw]; ok {
		return id, nil
	}
	return uuid.Nil, apperr.New(apperr.EStreamTokenInvalid, "invalid stream token")
}

type stubVerifier struct {
	subjects map[string]uuid.UUID
}

func (f *stubVerifier) Verify(_ context.Context, raw string) (uuid.UUID, error) {
	if sub, ok := f.subjects[raw]; ok {
		return sub, nil
	}
	return uuid.Nil, apperr.New(apperr.EUnauthenticated, "invalid bearer token")
}

type stubKV struct{ pingErr error }

func (f *stubKV) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *stubKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (f *stubKV) Get(context.Context, string) (string, bool, error)    { return "", false, nil }
func (f *stubKV) GetDel(context.Context, string) (string, bool, error) { return "", false, nil }
func (f *stubKV) Del(context.Context, string) error                    { return nil }
func (f *stubKV) Exists(context.Context, string) (bool, error)         { return false, nil }
func (f *stubKV) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}
func (f *stubKV) DecrBy(context.Context, string, int64) (int64, error)       { return 0, nil }
func (f *stubKV) WindowCount(context.Context, string, time.Duration) (int64, error) { return 0, nil }
func (f *stubKV) Ping(context.Context) error                                 { return f.pingErr }

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *stubStore
	sender  *stubSender
	tokens  *stubTokens
	kv      *stubKV

	subject uuid.UUID
	userID  uuid.UUID
}

func newTestEnv() *testEnv {
	e := &testEnv{
		store:   newStubStore(),
		sender:  &stubSender{},
		kv:      &stubKV{},
		subject: uuid.New(),
	}
	e.tokens = &stubTokens{users: map[string]uuid.UUID{}}
	verifier := &stubVerifier{subjects: map[string]uuid.UUID{"good-token": e.subject}}

	cfg := config.Config{Env: "dev", ListenAddr: ":0"}
	e.srv = New(cfg, e.store, stubAuthz{}, e.sender, e.tokens, verifier, e.kv, nil, zerolog.Nop())
	e.handler = e.srv.Handler()

	// Resolve the nexus user id the middleware will bind.
	u, _ := e.store.BootstrapUser(context.Background(), e.subject)
	e.userID = u.ID
	return e
}

// sendResult builds a minimal completed triple owned by the env user.
func (e *testEnv) sendResult() *chat.SendResult {
	convID := uuid.New()
	return &chat.SendResult{
		Conversation:     &db.Conversation{ID: convID, OwnerID: e.userID, Title: "t", Sharing: db.SharingPrivate},
		UserMessage:      &db.Message{ID: uuid.New(), ConversationID: convID, Seq: 1, Role: db.RoleUser, Status: db.StatusComplete, Content: "hi"},
		AssistantMessage: &db.Message{ID: uuid.New(), ConversationID: convID, Seq: 2, Role: db.RoleAssistant, Status: db.StatusComplete, Content: "hello"},
	}
}

var errBoom = errors.New("boom")
