package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/logging"
)

// Router dispatches generation requests to the enabled provider adapters and
// owns logging and error normalization for every call. Prompt text and keys
// never reach the structured logs; only counts do.
type Router struct {
	adapters map[string]Adapter
	logger   zerolog.Logger
}

// NewRouter builds a Router with one adapter per enabled provider, all
// sharing httpClient's connection pool.
func NewRouter(httpClient *http.Client, enabled map[string]bool, logger zerolog.Logger) *Router {
	r := &Router{adapters: map[string]Adapter{}, logger: logger}
	if enabled[ProviderOpenAI] {
		r.adapters[ProviderOpenAI] = &openaiAdapter{http: httpClient}
	}
	if enabled[ProviderAnthropic] {
		r.adapters[ProviderAnthropic] = &anthropicAdapter{http: httpClient}
	}
	if enabled[ProviderGemini] {
		r.adapters[ProviderGemini] = &geminiAdapter{http: httpClient}
	}
	return r
}

// Available reports whether the provider is enabled.
func (r *Router) Available(provider string) bool {
	_, ok := r.adapters[provider]
	return ok
}

func (r *Router) adapter(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, apperr.New(apperr.EModelNotAvailable, "provider is not available")
	}
	return a, nil
}

func (r *Router) logStart(provider string, req Request) {
	var prompt strings.Builder
	prompt.WriteString(req.System)
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
	}
	e := logging.Field(r.logger.Info(), "provider", provider)
	e = logging.Field(e, "model", req.Model)
	logging.Redacted(e, "prompt", prompt.String()).
		Int("message_count", len(req.Messages)).
		Msg("llm.request.started")
}

// Generate runs a blocking call under the read timeout.
func (r *Router) Generate(ctx context.Context, provider, apiKey string, req Request) (*Response, error) {
	a, err := r.adapter(provider)
	if err != nil {
		return nil, err
	}
	r.logStart(provider, req)

	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.Generate(ctx, apiKey, req)
	latency := time.Since(start)
	if err != nil {
		err = Normalize(err)
		r.logger.Warn().
			Str("provider", provider).
			Str("model", req.Model).
			Str("error_class", string(apperr.CodeOf(err))).
			Dur("latency", latency).
			Msg("llm.request.failed")
		return nil, err
	}

	r.logger.Info().
		Str("provider", provider).
		Str("model", req.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("provider_request_id", resp.RequestID).
		Dur("latency", latency).
		Msg("llm.request.finished")
	return resp, nil
}

// GenerateStream opens a provider stream. Chunk errors pass through the same
// normalization as blocking failures; the consumer owns inactivity timing.
func (r *Router) GenerateStream(ctx context.Context, provider, apiKey string, req Request) (<-chan Chunk, error) {
	a, err := r.adapter(provider)
	if err != nil {
		return nil, err
	}
	r.logStart(provider, req)

	start := time.Now()
	raw, err := a.GenerateStream(ctx, apiKey, req)
	if err != nil {
		err = Normalize(err)
		r.logger.Warn().
			Str("provider", provider).
			Str("model", req.Model).
			Str("error_class", string(apperr.CodeOf(err))).
			Msg("llm.request.failed")
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for c := range raw {
			if c.Err != nil {
				c.Err = Normalize(c.Err)
				r.logger.Warn().
					Str("provider", provider).
					Str("model", req.Model).
					Str("error_class", string(apperr.CodeOf(c.Err))).
					Dur("latency", time.Since(start)).
					Msg("llm.request.failed")
			} else if c.Done {
				e := r.logger.Info().
					Str("provider", provider).
					Str("model", req.Model).
					Str("provider_request_id", c.RequestID).
					Dur("latency", time.Since(start))
				if c.Usage != nil {
					e = e.Int("prompt_tokens", c.Usage.PromptTokens).
						Int("completion_tokens", c.Usage.CompletionTokens)
				}
				e.Msg("llm.request.finished")
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
