package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/llm"
)

// fakeStore is an in-memory Store. WithTx just runs the function; the fake
// has no transactional semantics, which is fine for pipeline-shape tests.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*db.Conversation
	messages      map[uuid.UUID]*db.Message
	sidecars      map[uuid.UUID]*db.MessageLLM
	contexts      map[uuid.UUID][]db.MessageContext
	idempotency   map[string]*db.IdempotencyRecord
	models        map[uuid.UUID]*db.ModelEntry

	// phase0BusyMiss makes the pool-based busy check report idle, modeling a
	// racer whose prepare committed after the check already passed.
	phase0BusyMiss bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[uuid.UUID]*db.Conversation{},
		messages:      map[uuid.UUID]*db.Message{},
		sidecars:      map[uuid.UUID]*db.MessageLLM{},
		contexts:      map[uuid.UUID][]db.MessageContext{},
		idempotency:   map[string]*db.IdempotencyRecord{},
		models:        map[uuid.UUID]*db.ModelEntry{},
	}
}

// WithTx runs the function when the context is live; like pgxpool, beginning
// a transaction on a canceled context fails.
func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(nil)
}

func (f *fakeStore) GetConversation(_ context.Context, id uuid.UUID) (*db.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[id], nil
}

func (f *fakeStore) CreateConversation(_ context.Context, _ db.Querier, ownerID uuid.UUID, title string) (*db.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &db.Conversation{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Title:   title,
		Sharing: db.SharingPrivate,
		NextSeq: 1,
	}
	f.conversations[c.ID] = c
	return c, nil
}

func (f *fakeStore) TouchConversation(context.Context, db.Querier, uuid.UUID) error { return nil }

func (f *fakeStore) HasPendingAssistant(_ context.Context, conversationID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase0BusyMiss {
		return false, nil
	}
	return f.hasPendingLocked(conversationID), nil
}

func (f *fakeStore) HasPendingAssistantTx(_ context.Context, _ pgx.Tx, conversationID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasPendingLocked(conversationID), nil
}

func (f *fakeStore) hasPendingLocked(conversationID uuid.UUID) bool {
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.Status == db.StatusPending {
			return true
		}
	}
	return false
}

func (f *fakeStore) AssignNextSeq(_ context.Context, _ pgx.Tx, conversationID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[conversationID]
	seq := c.NextSeq
	c.NextSeq++
	return seq, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, _ db.Querier, m *db.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	f.messages[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, id uuid.UUID) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) FinalizeAssistant(_ context.Context, _ db.Querier, id uuid.UUID, status, content string, errorCode *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.Status != db.StatusPending {
		return false, nil
	}
	m.Status = status
	m.Content = content
	m.ErrorCode = errorCode
	m.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) InsertMessageLLM(_ context.Context, _ db.Querier, ml *db.MessageLLM, onConflictIgnore bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sidecars[ml.MessageID]; ok && onConflictIgnore {
		return nil
	}
	cp := *ml
	f.sidecars[ml.MessageID] = &cp
	return nil
}

func (f *fakeStore) InsertMessageContexts(_ context.Context, _ db.Querier, messageID uuid.UUID, contexts []db.MessageContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[messageID] = append([]db.MessageContext(nil), contexts...)
	return nil
}

func (f *fakeStore) GetIdempotencyRecord(_ context.Context, _ db.Querier, userID uuid.UUID, key string) (*db.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idempotency[userID.String()+"/"+key], nil
}

func (f *fakeStore) InsertIdempotencyRecord(_ context.Context, _ db.Querier, r *db.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.idempotency[r.UserID.String()+"/"+r.Key] = &cp
	return nil
}

func (f *fakeStore) GetModel(_ context.Context, id uuid.UUID) (*db.ModelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[id], nil
}

func (f *fakeStore) ListPendingAssistantsOlderThan(_ context.Context, cutoff time.Time, limit int) ([]db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Message
	for _, m := range f.messages {
		if m.Role == db.RoleAssistant && m.Status == db.StatusPending && m.CreatedAt.Before(cutoff) {
			out = append(out, *m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// assistantOf returns the single assistant message in the conversation.
func (f *fakeStore) assistantOf(conversationID uuid.UUID) *db.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.Role == db.RoleAssistant {
			cp := *m
			return &cp
		}
	}
	return nil
}

type fakeAuthority struct {
	visible map[uuid.UUID]bool
}

func (f *fakeAuthority) CanReadMedia(_ context.Context, _, id uuid.UUID) (bool, error) {
	return f.visible[id], nil
}

func (f *fakeAuthority) CanReadHighlight(_ context.Context, _, id uuid.UUID) (bool, error) {
	return f.visible[id], nil
}

func (f *fakeAuthority) CanReadAnnotation(_ context.Context, _, id uuid.UUID) (bool, error) {
	return f.visible[id], nil
}

type fakeResolver struct {
	resolution *keys.Resolution
	resolveErr error
	outcomes   []bool
}

func (f *fakeResolver) Resolve(context.Context, uuid.UUID, string, string) (*keys.Resolution, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.resolution, nil
}

func (f *fakeResolver) ReportOutcome(_ context.Context, _ *keys.Resolution, valid bool) {
	f.outcomes = append(f.outcomes, valid)
}

type fakeGate struct {
	allowErr   error
	acquireErr error
	budgetErr  error
	reserveErr error

	inFlight int
	charges  map[uuid.UUID]int64
	reserved map[uuid.UUID]int64
	commits  map[uuid.UUID]int64
	releases []uuid.UUID
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		charges:  map[uuid.UUID]int64{},
		reserved: map[uuid.UUID]int64{},
		commits:  map[uuid.UUID]int64{},
	}
}

func (f *fakeGate) AllowRequest(context.Context, uuid.UUID) error { return f.allowErr }

func (f *fakeGate) AcquireInFlight(context.Context, uuid.UUID) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.inFlight++
	return nil
}

func (f *fakeGate) ReleaseInFlight(context.Context, uuid.UUID) { f.inFlight-- }

func (f *fakeGate) CheckBudget(context.Context, uuid.UUID, int64) error { return f.budgetErr }

func (f *fakeGate) Charge(_ context.Context, _, messageID uuid.UUID, tokens int64) {
	f.charges[messageID] += tokens
}

func (f *fakeGate) Reserve(_ context.Context, _, assistantID uuid.UUID, est int64, _ time.Duration) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved[assistantID] = est
	return nil
}

func (f *fakeGate) Commit(_ context.Context, _, assistantID uuid.UUID, actual int64) {
	delete(f.reserved, assistantID)
	f.commits[assistantID] = actual
}

func (f *fakeGate) Release(_ context.Context, _, assistantID uuid.UUID) {
	delete(f.reserved, assistantID)
	f.releases = append(f.releases, assistantID)
}

type fakeRenderer struct{ out string }

func (f *fakeRenderer) Render(context.Context, []db.MessageContext) string { return f.out }

type fakeRouter struct {
	response *llm.Response
	err      error
	chunks   []llm.Chunk
	requests []llm.Request

	// generateHook runs inside Generate with the context the call received,
	// before the canned response is returned.
	generateHook func(ctx context.Context)
	// stall keeps the stream open after the scripted chunks until the stream
	// context is canceled.
	stall bool
}

func (f *fakeRouter) Available(string) bool { return true }

func (f *fakeRouter) Generate(ctx context.Context, _, _ string, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	if f.generateHook != nil {
		f.generateHook(ctx)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeRouter) GenerateStream(ctx context.Context, _, _ string, req llm.Request) (<-chan llm.Chunk, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.stall {
			<-ctx.Done()
		}
	}()
	return out, nil
}

type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{values: map[string]string{}} }

func (f *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) GetDel(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	delete(f.values, key)
	return v, ok, nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeKV) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeKV) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeKV) DecrBy(context.Context, string, int64) (int64, error) { return 0, nil }

func (f *fakeKV) WindowCount(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeKV) Ping(context.Context) error { return nil }

// harness bundles the orchestrator and all its fakes.
type harness struct {
	orch     *Orchestrator
	store    *fakeStore
	auth     *fakeAuthority
	resolver *fakeResolver
	gate     *fakeGate
	router   *fakeRouter
	kv       *fakeKV

	userID  uuid.UUID
	modelID uuid.UUID
}

func newHarness() *harness {
	h := &harness{
		store:    newFakeStore(),
		auth:     &fakeAuthority{visible: map[uuid.UUID]bool{}},
		resolver: &fakeResolver{resolution: &keys.Resolution{APIKey: "sk-platform", ModeUsed: keys.UsedPlatform}},
		gate:     newFakeGate(),
		router:   &fakeRouter{},
		kv:       newFakeKV(),
		userID:   uuid.New(),
		modelID:  uuid.New(),
	}
	h.store.models[h.modelID] = &db.ModelEntry{
		ID:          h.modelID,
		Provider:    llm.ProviderOpenAI,
		ModelName:   "gpt-4o-mini",
		IsAvailable: true,
	}
	h.orch = NewOrchestrator(h.store, h.auth, h.resolver, h.gate, &fakeRenderer{}, h.router, h.kv, testLogger())
	return h
}

func (h *harness) request() SendRequest {
	return SendRequest{
		UserID:  h.userID,
		Content: "What does the highlighted passage mean?",
		ModelID: h.modelID,
		KeyMode: keys.ModeAuto,
	}
}

// collectEvents records emitted SSE events in order.
type eventRecorder struct {
	events []recordedEvent
	// failAfter, when >= 0, makes every emit past that index fail.
	failAfter int
}

type recordedEvent struct {
	name    string
	payload any
}

var errClientGone = errors.New("client gone")

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newEventRecorder() *eventRecorder { return &eventRecorder{failAfter: -1} }

func (r *eventRecorder) emit(event string, payload any) error {
	if r.failAfter >= 0 && len(r.events) >= r.failAfter {
		return errClientGone
	}
	r.events = append(r.events, recordedEvent{name: event, payload: payload})
	return nil
}
