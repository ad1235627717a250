// Package apperr defines the closed error-code enum shared by every layer of
// the service and the HTTP status each code maps to. Components return *Error
// values upward; the web layer serializes them into the JSON error envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. The set is closed: handlers never invent
// codes, and anything unrecognized surfaces as EInternal.
type Code string

const (
	// Client input.
	EInvalidRequest  Code = "E_INVALID_REQUEST"
	EMessageTooLong  Code = "E_MESSAGE_TOO_LONG"
	EContextTooLarge Code = "E_CONTEXT_TOO_LARGE"

	// Auth.
	EUnauthenticated Code = "E_UNAUTHENTICATED"
	EForbidden       Code = "E_FORBIDDEN"
	EInternalOnly    Code = "E_INTERNAL_ONLY"
	EAuthUnavailable Code = "E_AUTH_UNAVAILABLE"

	// Not found. Masks both "does not exist" and "not visible" so callers
	// cannot probe for existence.
	ENotFound             Code = "E_NOT_FOUND"
	EMediaNotFound        Code = "E_MEDIA_NOT_FOUND"
	EConversationNotFound Code = "E_CONVERSATION_NOT_FOUND"
	EModelNotAvailable    Code = "E_MODEL_NOT_AVAILABLE"

	// State conflicts.
	EConversationBusy             Code = "E_CONVERSATION_BUSY"
	EIdempotencyKeyReplayMismatch Code = "E_IDEMPOTENCY_KEY_REPLAY_MISMATCH"

	// Rate / budget.
	ERateLimited         Code = "E_RATE_LIMITED"
	ETokenBudgetExceeded Code = "E_TOKEN_BUDGET_EXCEEDED"

	// LLM call failures. Recorded on the assistant row when they happen after
	// the message pair is committed; surfaced as HTTP errors only before that.
	ELLMNoKey           Code = "E_LLM_NO_KEY"
	ELLMInvalidKey      Code = "E_LLM_INVALID_KEY"
	ELLMRateLimit       Code = "E_LLM_RATE_LIMIT"
	ELLMContextTooLarge Code = "E_LLM_CONTEXT_TOO_LARGE"
	ELLMTimeout         Code = "E_LLM_TIMEOUT"
	ELLMProviderDown    Code = "E_LLM_PROVIDER_DOWN"

	// Streaming.
	EStreamTokenInvalid      Code = "E_STREAM_TOKEN_INVALID"
	EStreamTokenExpired      Code = "E_STREAM_TOKEN_EXPIRED"
	EStreamTokenReplayed     Code = "E_STREAM_TOKEN_REPLAYED"
	EStreamClientDisconnect  Code = "E_STREAM_CLIENT_DISCONNECTED"
	EOrphanedPending         Code = "E_ORPHANED_PENDING"

	EInternal Code = "E_INTERNAL"
)

// httpStatus is the fixed code→status table shipped with the service.
var httpStatus = map[Code]int{
	EInvalidRequest:  http.StatusBadRequest,
	EMessageTooLong:  http.StatusBadRequest,
	EContextTooLarge: http.StatusBadRequest,

	EUnauthenticated: http.StatusUnauthorized,
	EForbidden:       http.StatusForbidden,
	EInternalOnly:    http.StatusForbidden,
	EAuthUnavailable: http.StatusServiceUnavailable,

	ENotFound:             http.StatusNotFound,
	EMediaNotFound:        http.StatusNotFound,
	EConversationNotFound: http.StatusNotFound,
	EModelNotAvailable:    http.StatusNotFound,

	EConversationBusy:             http.StatusConflict,
	EIdempotencyKeyReplayMismatch: http.StatusConflict,

	ERateLimited:         http.StatusTooManyRequests,
	ETokenBudgetExceeded: http.StatusTooManyRequests,

	ELLMNoKey:           http.StatusBadGateway,
	ELLMInvalidKey:      http.StatusBadGateway,
	ELLMRateLimit:       http.StatusBadGateway,
	ELLMContextTooLarge: http.StatusBadGateway,
	ELLMTimeout:         http.StatusGatewayTimeout,
	ELLMProviderDown:    http.StatusBadGateway,

	EStreamTokenInvalid:     http.StatusUnauthorized,
	EStreamTokenExpired:     http.StatusUnauthorized,
	EStreamTokenReplayed:    http.StatusUnauthorized,
	EStreamClientDisconnect: http.StatusConflict,
	EOrphanedPending:        http.StatusConflict,

	EInternal: http.StatusInternalServerError,
}

// Error is a typed failure carrying a user-visible message. Wrapped causes
// stay internal; Message is the only text that may reach a response body.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the mapped status, defaulting to 500 for unknown codes.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error with a user-visible message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error whose cause is kept for logs but never serialized.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// From extracts the *Error from err, or wraps it as EInternal with a generic
// message so no detail leaks to the caller.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(EInternal, "internal error", err)
}

// CodeOf returns the code of err, or EInternal for untyped errors.
func CodeOf(err error) Code {
	return From(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
