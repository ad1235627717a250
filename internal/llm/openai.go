package llm

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

type openaiAdapter struct {
	http *http.Client
}

func (a *openaiAdapter) Name() string { return ProviderOpenAI }

func (a *openaiAdapter) client(apiKey string) openai.Client {
	return openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(a.http),
		option.WithMaxRetries(0),
	)
}

func (a *openaiAdapter) params(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
	}
}

func (a *openaiAdapter) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	client := a.client(apiKey)
	completion, err := client.Chat.Completions.New(ctx, a.params(req))
	if err != nil {
		return nil, err
	}

	resp := &Response{
		RequestID: completion.ID,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	if len(completion.Choices) > 0 {
		resp.Content = completion.Choices[0].Message.Content
	}
	return resp, nil
}

func (a *openaiAdapter) GenerateStream(ctx context.Context, apiKey string, req Request) (<-chan Chunk, error) {
	client := a.client(apiKey)
	params := a.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		var requestID string
		var usage *Usage
		for stream.Next() {
			ev := stream.Current()
			if requestID == "" {
				requestID = ev.ID
			}
			if ev.Usage.TotalTokens > 0 {
				usage = &Usage{
					PromptTokens:     int(ev.Usage.PromptTokens),
					CompletionTokens: int(ev.Usage.CompletionTokens),
					TotalTokens:      int(ev.Usage.TotalTokens),
				}
			}
			if len(ev.Choices) == 0 || ev.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- Chunk{Delta: ev.Choices[0].Delta.Content, RequestID: requestID}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- Chunk{Done: true, Usage: usage, RequestID: requestID}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
