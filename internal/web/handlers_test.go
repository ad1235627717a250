package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
)

func doJSON(e *testEnv, method, path, body string, auth string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error *errorBody `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error == nil {
		t.Fatal("expected error envelope")
	}
	return *env.Error
}

func TestHealthOK(t *testing.T) {
	e := newTestEnv()
	w := doJSON(e, "GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var h healthJSON
	decodeData(t, w, &h)
	if h.Status != "ok" {
		t.Fatalf("status = %q", h.Status)
	}
}

func TestHealthDegradedOnKVOutage(t *testing.T) {
	e := newTestEnv()
	e.kv.pingErr = errBoom
	w := doJSON(e, "GET", "/healthz", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var h healthJSON
	decodeData(t, w, &h)
	if h.KV != "unreachable" || h.DB != "ok" {
		t.Fatalf("health = %+v", h)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv()
	w := doJSON(e, "GET", "/conversations", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	eb := decodeError(t, w)
	if eb.Code != string(apperr.EUnauthenticated) {
		t.Fatalf("code = %s", eb.Code)
	}
	if eb.RequestID == "" {
		t.Fatal("error envelope has no request id")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	e := newTestEnv()
	w := doJSON(e, "GET", "/conversations", "", "bad-token")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestInternalSecretGateOutsideDev(t *testing.T) {
	e := newTestEnv()
	e.srv.cfg.Env = "staging"
	e.srv.cfg.InternalSecret = "s3cret"

	w := doJSON(e, "GET", "/conversations", "", "good-token")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if eb := decodeError(t, w); eb.Code != string(apperr.EInternalOnly) {
		t.Fatalf("code = %s", eb.Code)
	}

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("X-Nexus-Internal", "s3cret")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with secret, got %d", rec.Code)
	}
}

func TestSendNewConversation(t *testing.T) {
	e := newTestEnv()
	e.sender.result = e.sendResult()

	modelID := uuid.New()
	body := `{"content": "hi", "model_id": "` + modelID.String() + `", "key_mode": "auto", "contexts": []}`
	req := httptest.NewRequest("POST", "/conversations/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Idempotency-Key", "retry-7")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp sendResponseJSON
	decodeData(t, w, &resp)
	if resp.UserMessage.Seq != 1 || resp.AssistantMessage.Seq != 2 {
		t.Fatalf("seqs = (%d,%d)", resp.UserMessage.Seq, resp.AssistantMessage.Seq)
	}

	got := e.sender.last
	if got.UserID != e.userID {
		t.Fatal("viewer not bound to the send request")
	}
	if got.ConversationID != nil {
		t.Fatal("new-conversation send carried a conversation id")
	}
	if got.IdempotencyKey != "retry-7" {
		t.Fatalf("idempotency key = %q", got.IdempotencyKey)
	}
}

func TestSendExistingConversationPathID(t *testing.T) {
	e := newTestEnv()
	e.sender.result = e.sendResult()
	convID := uuid.New()

	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`
	w := doJSON(e, "POST", "/conversations/"+convID.String()+"/messages", body, "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := e.sender.last
	if got.ConversationID == nil || *got.ConversationID != convID {
		t.Fatalf("conversation id = %v", got.ConversationID)
	}
	// key_mode omitted defaults to auto.
	if got.KeyMode != keys.ModeAuto {
		t.Fatalf("key mode = %q", got.KeyMode)
	}
}

func TestSendMalformedBody(t *testing.T) {
	e := newTestEnv()
	w := doJSON(e, "POST", "/conversations/messages", `{"content": `, "good-token")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSendPipelineErrorsMapToStatus(t *testing.T) {
	e := newTestEnv()
	tests := []struct {
		code apperr.Code
		want int
	}{
		{apperr.EConversationBusy, http.StatusConflict},
		{apperr.ERateLimited, http.StatusTooManyRequests},
		{apperr.ETokenBudgetExceeded, http.StatusTooManyRequests},
		{apperr.EModelNotAvailable, http.StatusNotFound},
		{apperr.ELLMNoKey, http.StatusBadGateway},
	}
	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`
	for _, tc := range tests {
		e.sender.err = apperr.New(tc.code, "nope")
		w := doJSON(e, "POST", "/conversations/messages", body, "good-token")
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.want, w.Code)
		}
		if eb := decodeError(t, w); eb.Code != string(tc.code) {
			t.Fatalf("%s: envelope code = %s", tc.code, eb.Code)
		}
	}
}

func TestUntypedErrorsAreMasked(t *testing.T) {
	e := newTestEnv()
	e.sender.err = errors.New("pq: connection reset")
	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`
	w := doJSON(e, "POST", "/conversations/messages", body, "good-token")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	eb := decodeError(t, w)
	if eb.Code != string(apperr.EInternal) {
		t.Fatalf("code = %s", eb.Code)
	}
	if strings.Contains(eb.Message, "pq:") {
		t.Fatalf("internal detail leaked: %q", eb.Message)
	}
}

func TestGetConversationVisibility(t *testing.T) {
	e := newTestEnv()
	mine := &db.Conversation{ID: uuid.New(), OwnerID: e.userID, Title: "mine", Sharing: db.SharingPrivate}
	other := &db.Conversation{ID: uuid.New(), OwnerID: uuid.New(), Title: "theirs", Sharing: db.SharingPrivate}
	public := &db.Conversation{ID: uuid.New(), OwnerID: uuid.New(), Title: "pub", Sharing: db.SharingPublic}
	for _, c := range []*db.Conversation{mine, other, public} {
		e.store.conversations[c.ID] = c
	}

	if w := doJSON(e, "GET", "/conversations/"+mine.ID.String(), "", "good-token"); w.Code != http.StatusOK {
		t.Fatalf("own conversation: %d", w.Code)
	}
	if w := doJSON(e, "GET", "/conversations/"+public.ID.String(), "", "good-token"); w.Code != http.StatusOK {
		t.Fatalf("public conversation: %d", w.Code)
	}
	w := doJSON(e, "GET", "/conversations/"+other.ID.String(), "", "good-token")
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign conversation: expected 404, got %d", w.Code)
	}
	if w := doJSON(e, "GET", "/conversations/"+uuid.NewString(), "", "good-token"); w.Code != http.StatusNotFound {
		t.Fatalf("absent conversation: expected 404, got %d", w.Code)
	}
}

func TestPatchConversationOwnerOnly(t *testing.T) {
	e := newTestEnv()
	mine := &db.Conversation{ID: uuid.New(), OwnerID: e.userID, Title: "old", Sharing: db.SharingPrivate}
	public := &db.Conversation{ID: uuid.New(), OwnerID: uuid.New(), Title: "pub", Sharing: db.SharingPublic}
	e.store.conversations[mine.ID] = mine
	e.store.conversations[public.ID] = public

	w := doJSON(e, "PATCH", "/conversations/"+mine.ID.String(), `{"title": "new", "sharing": "public"}`, "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if mine.Title != "new" || mine.Sharing != db.SharingPublic {
		t.Fatalf("conversation = %+v", mine)
	}

	// Readable but not owned: PATCH is still not-found.
	w = doJSON(e, "PATCH", "/conversations/"+public.ID.String(), `{"title": "x"}`, "good-token")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doJSON(e, "PATCH", "/conversations/"+mine.ID.String(), `{"sharing": "everyone"}`, "good-token")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid sharing: expected 400, got %d", w.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	e := newTestEnv()
	mine := &db.Conversation{ID: uuid.New(), OwnerID: e.userID}
	e.store.conversations[mine.ID] = mine

	w := doJSON(e, "DELETE", "/conversations/"+mine.ID.String(), "", "good-token")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, ok := e.store.conversations[mine.ID]; ok {
		t.Fatal("conversation not deleted")
	}
}

func TestListMessagesLimitBounds(t *testing.T) {
	e := newTestEnv()
	conv := &db.Conversation{ID: uuid.New(), OwnerID: e.userID}
	e.store.conversations[conv.ID] = conv
	base := "/conversations/" + conv.ID.String() + "/messages"

	if w := doJSON(e, "GET", base, "", "good-token"); w.Code != http.StatusOK {
		t.Fatalf("default: %d", w.Code)
	}
	if e.store.lastLimit != defaultPageSize {
		t.Fatalf("default limit = %d", e.store.lastLimit)
	}

	if w := doJSON(e, "GET", base+"?limit=500", "", "good-token"); w.Code != http.StatusOK {
		t.Fatalf("clamped: %d", w.Code)
	}
	if e.store.lastLimit != maxPageSize {
		t.Fatalf("clamped limit = %d", e.store.lastLimit)
	}

	if w := doJSON(e, "GET", base+"?limit=0", "", "good-token"); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: expected 400, got %d", w.Code)
	}
}

func TestListModels(t *testing.T) {
	e := newTestEnv()
	e.store.models = []db.ModelEntry{
		{ID: uuid.New(), Provider: "openai", ModelName: "gpt-4o-mini", MaxContextTokens: 128000, IsAvailable: true},
	}
	w := doJSON(e, "GET", "/models", "", "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out []modelJSON
	decodeData(t, w, &out)
	if len(out) != 1 || out[0].ModelName != "gpt-4o-mini" {
		t.Fatalf("models = %+v", out)
	}
}

func TestMe(t *testing.T) {
	e := newTestEnv()
	e.store.library = &db.Library{ID: uuid.New(), Name: "Library", IsDefault: true}

	w := doJSON(e, "GET", "/me", "", "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var me meJSON
	decodeData(t, w, &me)
	if me.UserID != e.userID || me.AuthSubject != e.subject {
		t.Fatalf("me = %+v", me)
	}
	if me.DefaultLibrary == nil || me.DefaultLibrary.Name != "Library" {
		t.Fatalf("default library = %+v", me.DefaultLibrary)
	}
}

func TestMintStreamToken(t *testing.T) {
	e := newTestEnv()
	w := doJSON(e, "POST", "/internal/stream-tokens", "", "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tok streamTokenJSON
	decodeData(t, w, &tok)
	if tok.Token == "" || tok.ExpiresAt.IsZero() {
		t.Fatalf("token = %+v", tok)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv()
	e.srv.envelope = testEnvelope(t)

	w := doJSON(e, "PUT", "/me/api-keys/openai", `{"api_key": "sk-test-123456"}`, "good-token")
	if w.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var put apiKeyJSON
	decodeData(t, w, &put)
	if put.Fingerprint != "3456" || put.Status != db.KeyStatusUntested {
		t.Fatalf("put response = %+v", put)
	}

	// Ciphertext never appears in a response; the list shows fingerprints only.
	w = doJSON(e, "GET", "/me/api-keys", "", "good-token")
	if strings.Contains(w.Body.String(), "sk-test") {
		t.Fatal("plaintext key leaked into list response")
	}
	var list []apiKeyJSON
	decodeData(t, w, &list)
	if len(list) != 1 || list[0].Provider != "openai" {
		t.Fatalf("list = %+v", list)
	}

	w = doJSON(e, "DELETE", "/me/api-keys/openai", "", "good-token")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if len(e.store.revoked) != 1 || e.store.revoked[0] != "openai" {
		t.Fatalf("revoked = %v", e.store.revoked)
	}

	w = doJSON(e, "PUT", "/me/api-keys/acme", `{"api_key": "x"}`, "good-token")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider: expected 400, got %d", w.Code)
	}
}
