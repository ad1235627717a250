package web

import (
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/db"
)

type streamEvent struct {
	name    string
	payload any
}

func TestStreamRouteRequiresStreamToken(t *testing.T) {
	e := newTestEnv()
	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`

	// No token at all.
	w := doJSON(e, "POST", "/stream/conversations/messages", body, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	// An IdP JWT that the regular routes accept is rejected here.
	w = doJSON(e, "POST", "/stream/conversations/messages", body, "good-token")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("idp token: expected 401, got %d", w.Code)
	}
	if eb := decodeError(t, w); eb.Code != string(apperr.EStreamTokenInvalid) {
		t.Fatalf("code = %s", eb.Code)
	}
}

func TestStreamEventFraming(t *testing.T) {
	e := newTestEnv()
	e.tokens.users["st-1"] = e.userID
	e.sender.events = []streamEvent{
		{chat.EventMeta, chat.MetaEvent{ConversationID: uuid.New()}},
		{chat.EventDelta, chat.DeltaEvent{Delta: "Hello"}},
		{chat.EventDone, chat.DoneEvent{Status: db.StatusComplete}},
	}

	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`
	w := doJSON(e, "POST", "/stream/conversations/messages", body, "st-1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Fatalf("cache control = %q", cc)
	}

	out := w.Body.String()
	wantOrder := []string{"event: meta", "event: delta", "event: done"}
	pos := 0
	for _, marker := range wantOrder {
		idx := strings.Index(out[pos:], marker)
		if idx < 0 {
			t.Fatalf("missing or misordered %q in:\n%s", marker, out)
		}
		pos += idx
	}
	if !strings.Contains(out, `"delta":"Hello"`) {
		t.Fatalf("delta payload missing in:\n%s", out)
	}

	// The stream token's user is the pipeline's user.
	if e.sender.last.UserID != e.userID {
		t.Fatalf("stream send user = %s", e.sender.last.UserID)
	}
}

func TestStreamPreflightErrorIsJSON(t *testing.T) {
	e := newTestEnv()
	e.tokens.users["st-1"] = e.userID
	e.sender.err = apperr.New(apperr.ERateLimited, "slow down")

	body := `{"content": "hi", "model_id": "` + uuid.NewString() + `"}`
	w := doJSON(e, "POST", "/stream/conversations/messages", body, "st-1")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	if eb := decodeError(t, w); eb.Code != string(apperr.ERateLimited) {
		t.Fatalf("code = %s", eb.Code)
	}
}
