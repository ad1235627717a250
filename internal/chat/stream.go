package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/llm"
)

// SSE event names, in protocol order.
const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventDone  = "done"
)

// livenessTTL is the heartbeat TTL on the stream_active marker; it is
// renewed on every provider chunk and must outlast normal chunk gaps while
// staying well under the sweeper threshold.
const livenessTTL = 90 * time.Second

// EmitFunc delivers one SSE event to the client. A non-nil error means the
// client is gone; the pump switches to drain mode.
type EmitFunc func(event string, payload any) error

// MetaEvent is the first event of every stream.
type MetaEvent struct {
	ConversationID     uuid.UUID `json:"conversation_id"`
	UserMessageID      uuid.UUID `json:"user_message_id"`
	AssistantMessageID uuid.UUID `json:"assistant_message_id"`
	ModelID            uuid.UUID `json:"model_id"`
	Provider           string    `json:"provider"`
}

// DeltaEvent carries one text chunk.
type DeltaEvent struct {
	Delta string `json:"delta"`
}

// UsageEvent mirrors the provider's final token counts.
type UsageEvent struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DoneEvent terminates every stream, success or not.
type DoneEvent struct {
	Status    string      `json:"status"`
	ErrorCode string      `json:"error_code,omitempty"`
	Usage     *UsageEvent `json:"usage,omitempty"`
}

// SendStream runs the streaming pipeline. Errors returned from this function
// happened before any event was emitted and map to plain HTTP errors; once
// meta is out, every outcome is delivered as a done event and a finalized
// assistant row.
func (o *Orchestrator) SendStream(ctx context.Context, req SendRequest, emit EmitFunc) error {
	prep, err := o.validate(ctx, req)
	if err != nil {
		return err
	}

	// After prepare commits, finalize, budget settlement, and liveness upkeep
	// must run even though net/http cancels the request context on a client
	// disconnect. Only emit still talks to the client; it reports the
	// disconnect through its own write failures.
	workCtx := context.WithoutCancel(ctx)

	if err := o.gate.AcquireInFlight(ctx, req.UserID); err != nil {
		return err
	}
	defer o.gate.ReleaseInFlight(workCtx, req.UserID)

	result, refs, err := o.prepare(ctx, req)
	if err != nil {
		return err
	}
	if result.Replayed {
		return o.replayStream(req, prep, result, emit)
	}

	assistant := result.AssistantMessage
	platform := prep.resolution.ModeUsed == keys.UsedPlatform

	if platform {
		if err := o.gate.Reserve(workCtx, req.UserID, assistant.ID, estTokens, reservationTTL); err != nil {
			// The pair is committed; don't leave the placeholder for the
			// sweeper to guess about.
			o.finalizeStream(workCtx, req, prep, result, 0, apperr.ETokenBudgetExceeded)
			return err
		}
	}

	meta := MetaEvent{
		ConversationID:     result.Conversation.ID,
		UserMessageID:      result.UserMessage.ID,
		AssistantMessageID: assistant.ID,
		ModelID:            req.ModelID,
		Provider:           prep.model.Provider,
	}
	if err := emit(EventMeta, meta); err != nil {
		o.finalizeStream(workCtx, req, prep, result, 0, apperr.EStreamClientDisconnect)
		if platform {
			o.gate.Release(workCtx, req.UserID, assistant.ID)
		}
		return nil
	}

	o.markAlive(workCtx, assistant.ID)
	defer o.clearAlive(assistant.ID)

	// The provider stream must survive a client disconnect so it can be
	// drained; only the pump's inactivity abort may cancel it.
	streamCtx, cancel := context.WithCancel(workCtx)
	defer cancel()

	llmReq := o.buildRequest(workCtx, prep.model, req.Content, refs)
	start := o.now()
	ch, err := o.router.GenerateStream(streamCtx, prep.model.Provider, prep.resolution.APIKey, llmReq)
	if err != nil {
		class := apperr.CodeOf(err)
		o.finalizeStream(workCtx, req, prep, result, 0, class)
		if platform {
			o.gate.Release(workCtx, req.UserID, assistant.ID)
		}
		o.emitDone(emit, DoneEvent{Status: db.StatusError, ErrorCode: string(class)})
		return nil
	}

	o.pump(workCtx, req, prep, result, emit, ch, cancel, platform, start)
	return nil
}

// pump is the producer-consumer loop between the provider stream and the
// client, with per-chunk liveness heartbeats and an inactivity abort. The
// context it receives is the non-cancelable work context, so finalize and
// budget settlement survive client disconnects.
func (o *Orchestrator) pump(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, emit EmitFunc, ch <-chan llm.Chunk, cancel context.CancelFunc, platform bool, start time.Time) {
	assistant := result.AssistantMessage
	var content strings.Builder
	var usage *llm.Usage
	var requestID string
	disconnected := false

	inactivity := time.NewTimer(o.streamInactivity)
	defer inactivity.Stop()

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				// Channel closed without a terminal chunk: the provider
				// goroutine bailed on cancellation.
				latency := o.now().Sub(start).Milliseconds()
				o.finalizePartial(ctx, req, prep, result, content.String(), usage, requestID, latency)
				return
			}
			if !inactivity.Stop() {
				<-inactivity.C
			}
			inactivity.Reset(o.streamInactivity)

			switch {
			case c.Err != nil:
				class := apperr.CodeOf(c.Err)
				latency := o.now().Sub(start).Milliseconds()
				o.finalizeStream(ctx, req, prep, result, latency, class)
				if platform {
					o.gate.Commit(ctx, req.UserID, assistant.ID, usageTotal(usage))
				}
				if !disconnected {
					o.emitDone(emit, DoneEvent{Status: db.StatusError, ErrorCode: string(class)})
				}
				return

			case c.Done:
				if c.Usage != nil {
					usage = c.Usage
				}
				if c.RequestID != "" {
					requestID = c.RequestID
				}
				latency := o.now().Sub(start).Milliseconds()
				o.finalizeStreamSuccess(ctx, req, prep, result, truncate(content.String()), usage, requestID, latency)
				if platform {
					o.gate.Commit(ctx, req.UserID, assistant.ID, usageTotal(usage))
				}
				if !disconnected {
					done := DoneEvent{Status: db.StatusComplete}
					if usage != nil {
						done.Usage = &UsageEvent{
							PromptTokens:     usage.PromptTokens,
							CompletionTokens: usage.CompletionTokens,
							TotalTokens:      usage.TotalTokens,
						}
					}
					o.emitDone(emit, done)
				}
				return

			default:
				content.WriteString(c.Delta)
				if c.RequestID != "" {
					requestID = c.RequestID
				}
				if c.Usage != nil {
					usage = c.Usage
				}
				o.markAlive(ctx, assistant.ID)
				if !disconnected {
					if err := emit(EventDelta, DeltaEvent{Delta: c.Delta}); err != nil {
						// Client gone: keep reading so the provider stream
						// drains, then finalize with what accumulated.
						disconnected = true
					}
				}
			}

		case <-inactivity.C:
			cancel()
			latency := o.now().Sub(start).Milliseconds()
			o.finalizeStream(ctx, req, prep, result, latency, apperr.ELLMTimeout)
			if platform {
				o.gate.Commit(ctx, req.UserID, assistant.ID, usageTotal(usage))
			}
			if !disconnected {
				o.emitDone(emit, DoneEvent{Status: db.StatusError, ErrorCode: string(apperr.ELLMTimeout)})
			}
			drain(ch)
			return
		}
	}
}

// finalizePartial applies the disconnect contract: accumulated content wins
// as complete, an empty accumulation becomes a disconnect error.
func (o *Orchestrator) finalizePartial(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, content string, usage *llm.Usage, requestID string, latency int64) {
	platform := prep.resolution.ModeUsed == keys.UsedPlatform
	if content != "" {
		o.finalizeStreamSuccess(ctx, req, prep, result, truncate(content), usage, requestID, latency)
	} else {
		o.finalizeStream(ctx, req, prep, result, latency, apperr.EStreamClientDisconnect)
	}
	if platform {
		o.gate.Commit(ctx, req.UserID, result.AssistantMessage.ID, usageTotal(usage))
	}
}

// finalizeStreamSuccess finalizes the row as complete with the accumulated
// content and writes the sidecar.
func (o *Orchestrator) finalizeStreamSuccess(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, content string, usage *llm.Usage, requestID string, latency int64) {
	resp := &llm.Response{Content: content, RequestID: requestID}
	if usage != nil {
		resp.Usage = *usage
	}
	if err := o.finalizeSuccess(ctx, req, prep, result, resp, latency); err != nil {
		o.logger.Error().Err(err).Str("message_id", result.AssistantMessage.ID.String()).Msg("finalize stream")
	}
}

// finalizeStream finalizes the row as an error of the given class.
func (o *Orchestrator) finalizeStream(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, latency int64, class apperr.Code) {
	if err := o.finalizeFailure(ctx, req, prep, result, class, latency); err != nil {
		o.logger.Error().Err(err).Str("message_id", result.AssistantMessage.ID.String()).Msg("finalize stream")
	}
}

// replayStream replays a cached triple over SSE: meta, the stored content as
// one delta, then done.
func (o *Orchestrator) replayStream(req SendRequest, prep *prepared, result *SendResult, emit EmitFunc) error {
	assistant := result.AssistantMessage
	meta := MetaEvent{
		ConversationID:     result.Conversation.ID,
		UserMessageID:      result.UserMessage.ID,
		AssistantMessageID: assistant.ID,
		ModelID:            req.ModelID,
		Provider:           prep.model.Provider,
	}
	if err := emit(EventMeta, meta); err != nil {
		return nil
	}
	if assistant.Status == db.StatusComplete && assistant.Content != "" {
		if err := emit(EventDelta, DeltaEvent{Delta: assistant.Content}); err != nil {
			return nil
		}
	}
	done := DoneEvent{Status: assistant.Status}
	if assistant.ErrorCode != nil {
		done.ErrorCode = *assistant.ErrorCode
	}
	o.emitDone(emit, done)
	return nil
}

func (o *Orchestrator) emitDone(emit EmitFunc, done DoneEvent) {
	if err := emit(EventDone, done); err != nil {
		o.logger.Debug().Msg("client disconnected before done event")
	}
}

func (o *Orchestrator) markAlive(ctx context.Context, assistantID uuid.UUID) {
	if err := o.kv.Set(ctx, livenessKey(assistantID), "1", livenessTTL); err != nil {
		o.logger.Warn().Err(err).Msg("set liveness marker")
	}
}

func (o *Orchestrator) clearAlive(assistantID uuid.UUID) {
	// The request context may already be canceled by the time we clean up.
	if err := o.kv.Del(context.Background(), livenessKey(assistantID)); err != nil {
		o.logger.Warn().Err(err).Msg("clear liveness marker")
	}
}

func usageTotal(u *llm.Usage) int64 {
	if u == nil {
		return 0
	}
	return int64(u.TotalTokens)
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
