package web

import (
	"encoding/json"
	"net/http"

	"github.com/nexushq/nexus/internal/apperr"
)

// envelope is the uniform response shape: exactly one of data or error.
type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: v}); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

// writeError maps any error onto the error envelope. Unknown errors become
// E_INTERNAL and get logged with the request id; typed errors log at debug.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	rid := requestIDFrom(r.Context())

	evt := s.logger.Debug()
	if e.HTTPStatus() >= 500 {
		evt = s.logger.Error()
	}
	evt.Err(err).Str("request_id", rid).Str("path", r.URL.Path).Str("code", string(e.Code)).Msg("request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	body := envelope{Error: &errorBody{Code: string(e.Code), Message: e.Message, RequestID: rid}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encode error response")
	}
}

// decodeJSON parses a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.EInvalidRequest, "malformed request body", err)
	}
	return nil
}
