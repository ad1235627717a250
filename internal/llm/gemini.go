package llm

import (
	"context"
	"net/http"

	"google.golang.org/genai"
)

type geminiAdapter struct {
	http *http.Client
}

func (a *geminiAdapter) Name() string { return ProviderGemini }

func (a *geminiAdapter) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.http,
	})
}

// contents remaps roles: Gemini has no assistant role, replies carry "model".
func (a *geminiAdapter) contents(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, config
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) Usage {
	if md == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

func (a *geminiAdapter) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	client, err := a.client(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	contents, config := a.contents(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:   resp.Text(),
		Usage:     geminiUsage(resp.UsageMetadata),
		RequestID: resp.ResponseID,
	}, nil
}

func (a *geminiAdapter) GenerateStream(ctx context.Context, apiKey string, req Request) (<-chan Chunk, error) {
	client, err := a.client(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	contents, config := a.contents(req)

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var requestID string
		var usage *Usage
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if requestID == "" {
				requestID = resp.ResponseID
			}
			if resp.UsageMetadata != nil {
				u := geminiUsage(resp.UsageMetadata)
				usage = &u
			}
			delta := resp.Text()
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Delta: delta, RequestID: requestID}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- Chunk{Done: true, Usage: usage, RequestID: requestID}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
