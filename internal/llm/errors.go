package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v2"
	"google.golang.org/genai"

	"github.com/nexushq/nexus/internal/apperr"
)

// Normalize maps any adapter failure to one of the closed LLM error classes.
// It is the single classification point; adapters return raw SDK errors and
// callers only ever see apperr codes. Context cancellation passes through so
// disconnect handling upstream still works.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var already *apperr.Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ELLMTimeout, "provider timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.ELLMTimeout, "provider timed out", err)
	}

	if status, msg, ok := providerStatus(err); ok {
		return apperr.Wrap(classify(status, msg), "provider request failed", err)
	}
	return apperr.Wrap(apperr.ELLMProviderDown, "provider request failed", err)
}

// providerStatus extracts (HTTP status, message) from the SDK error types.
func providerStatus(err error) (int, string, bool) {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode, oaErr.RawJSON(), true
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode, anErr.RawJSON(), true
	}
	var gaErr genai.APIError
	if errors.As(err, &gaErr) {
		return gaErr.Code, gaErr.Message + " " + gaErr.Status, true
	}
	return 0, "", false
}

func classify(status int, msg string) apperr.Code {
	lower := strings.ToLower(msg)
	switch {
	case status == 401 || status == 403 || strings.Contains(lower, "api_key_invalid"):
		return apperr.ELLMInvalidKey
	case status == 429 || strings.Contains(lower, "resource_exhausted"):
		return apperr.ELLMRateLimit
	case status == 404:
		return apperr.EModelNotAvailable
	case (status == 400 || status == 413) && mentionsContextLength(lower):
		return apperr.ELLMContextTooLarge
	default:
		return apperr.ELLMProviderDown
	}
}

func mentionsContextLength(lower string) bool {
	for _, marker := range []string{
		"context length",
		"context_length",
		"maximum context",
		"prompt is too long",
		"too many tokens",
		"token limit",
		"exceeds the maximum",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
