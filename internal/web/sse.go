package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nexushq/nexus/internal/apperr"
)

// sseWriter serializes pipeline events onto the wire. Headers go out with the
// first event so that pre-stream failures can still be plain JSON errors.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (sw *sseWriter) emit(event string, payload any) error {
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Cache-Control", "no-cache, no-transform")
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (s *Server) handleSendStream(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r.Context())
	req, err := parseSendRequest(r, viewer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.EInternal, "streaming unsupported by connection"))
		return
	}

	sw := &sseWriter{w: w, flusher: flusher}
	if err := s.sender.SendStream(r.Context(), req, sw.emit); err != nil {
		// SendStream only errors before the first event.
		s.writeError(w, r, err)
	}
}
