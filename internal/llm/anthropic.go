package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicAdapter struct {
	http *http.Client
}

func (a *anthropicAdapter) Name() string { return ProviderAnthropic }

func (a *anthropicAdapter) client(apiKey string) anthropic.Client {
	return anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(a.http),
		option.WithMaxRetries(0),
	)
}

// params builds a messages request. Anthropic takes the system prompt as a
// top-level field rather than a message.
func (a *anthropicAdapter) params(req Request) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    msgs,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (a *anthropicAdapter) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	client := a.client(apiKey)
	msg, err := client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &Response{
		Content:   content.String(),
		RequestID: msg.ID,
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *anthropicAdapter) GenerateStream(ctx context.Context, apiKey string, req Request) (<-chan Chunk, error) {
	client := a.client(apiKey)
	stream := client.Messages.NewStreaming(ctx, a.params(req))

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			delta := ""
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				delta = ev.Delta.Text
			}
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Delta: delta, RequestID: acc.ID}:
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
		usage := &Usage{
			PromptTokens:     int(acc.Usage.InputTokens),
			CompletionTokens: int(acc.Usage.OutputTokens),
			TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
		}
		select {
		case out <- Chunk{Done: true, Usage: usage, RequestID: acc.ID}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
