package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/llm"
	"github.com/nexushq/nexus/internal/logging"
	"github.com/nexushq/nexus/internal/prompt"
)

// prepared carries Phase-0 outcomes into the later phases.
type prepared struct {
	model      *db.ModelEntry
	resolution *keys.Resolution
}

// Send runs the blocking pipeline. Provider failures after the message pair
// is committed do not surface as HTTP errors: they are materialized on the
// assistant row and the triple is still returned.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	logging.Redacted(o.logger.Debug().Str("user_id", req.UserID.String()), "content", req.Content).
		Msg("send.received")

	prep, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	// Once the pair is committed the work belongs to the server, not the
	// connection: a client disconnect cancels the request context but must
	// not abort the provider call or the finalize transaction.
	workCtx := context.WithoutCancel(ctx)

	if err := o.gate.AcquireInFlight(ctx, req.UserID); err != nil {
		return nil, err
	}
	defer o.gate.ReleaseInFlight(workCtx, req.UserID)

	result, refs, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		return result, nil
	}

	llmReq := o.buildRequest(workCtx, prep.model, req.Content, refs)

	start := o.now()
	resp, llmErr := o.router.Generate(workCtx, prep.model.Provider, prep.resolution.APIKey, llmReq)
	latency := o.now().Sub(start).Milliseconds()

	if llmErr != nil {
		if err := o.finalizeFailure(workCtx, req, prep, result, apperr.CodeOf(llmErr), latency); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := o.finalizeSuccess(workCtx, req, prep, result, resp, latency); err != nil {
		return nil, err
	}
	if prep.resolution.ModeUsed == keys.UsedPlatform {
		o.gate.Charge(workCtx, req.UserID, result.AssistantMessage.ID, int64(resp.Usage.TotalTokens))
	}
	return result, nil
}

// validate is Phase 0: no DB writes, every gate that can reject cheaply.
func (o *Orchestrator) validate(ctx context.Context, req SendRequest) (*prepared, error) {
	if req.Content == "" {
		return nil, apperr.New(apperr.EInvalidRequest, "content is required")
	}
	if len([]rune(req.Content)) > MaxMessageChars {
		return nil, apperr.New(apperr.EMessageTooLong, fmt.Sprintf("message exceeds %d characters", MaxMessageChars))
	}
	if len(req.Contexts) > prompt.MaxContextItems {
		return nil, apperr.New(apperr.EContextTooLarge, fmt.Sprintf("at most %d context references are allowed", prompt.MaxContextItems))
	}
	if !keys.ValidMode(req.KeyMode) {
		return nil, apperr.New(apperr.EInvalidRequest, "invalid key_mode")
	}
	if req.IdempotencyKey != "" && len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, apperr.New(apperr.EInvalidRequest, fmt.Sprintf("idempotency key exceeds %d characters", maxIdempotencyKeyLen))
	}

	model, err := o.store.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if model == nil || !model.IsAvailable || !o.router.Available(model.Provider) {
		return nil, apperr.New(apperr.EModelNotAvailable, "model is not available")
	}

	resolution, err := o.keys.Resolve(ctx, req.UserID, model.Provider, req.KeyMode)
	if err != nil {
		return nil, err
	}

	for _, ref := range req.Contexts {
		ok, err := o.canRead(ctx, req.UserID, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Existence-masked: invisible and absent look the same.
			return nil, apperr.New(apperr.ENotFound, "referenced content not found")
		}
	}

	if req.ConversationID != nil {
		conv, err := o.store.GetConversation(ctx, *req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil || conv.OwnerID != req.UserID {
			return nil, apperr.New(apperr.EConversationNotFound, "conversation not found")
		}
		busy, err := o.store.HasPendingAssistant(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, apperr.New(apperr.EConversationBusy, "a response is already in flight for this conversation")
		}
	}

	if err := o.gate.AllowRequest(ctx, req.UserID); err != nil {
		return nil, err
	}
	if resolution.ModeUsed == keys.UsedPlatform {
		if err := o.gate.CheckBudget(ctx, req.UserID, estTokens); err != nil {
			return nil, err
		}
	}
	return &prepared{model: model, resolution: resolution}, nil
}

func (o *Orchestrator) canRead(ctx context.Context, viewerID uuid.UUID, ref ContextRef) (bool, error) {
	switch ref.TargetType {
	case db.TargetMedia:
		return o.authority.CanReadMedia(ctx, viewerID, ref.TargetID)
	case db.TargetHighlight:
		return o.authority.CanReadHighlight(ctx, viewerID, ref.TargetID)
	case db.TargetAnnotation:
		return o.authority.CanReadAnnotation(ctx, viewerID, ref.TargetID)
	}
	return false, apperr.New(apperr.EInvalidRequest, "unknown context target type")
}

// prepare is Phase 1: one transaction committing the user message, the
// pending assistant placeholder, context rows, and the idempotency binding.
func (o *Orchestrator) prepare(ctx context.Context, req SendRequest) (*SendResult, []db.MessageContext, error) {
	hash := payloadHash(req)
	result := &SendResult{}
	var refs []db.MessageContext

	err := o.store.WithTx(ctx, func(tx pgx.Tx) error {
		if req.IdempotencyKey != "" {
			rec, err := o.store.GetIdempotencyRecord(ctx, tx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if rec != nil {
				if rec.PayloadHash != hash {
					return apperr.New(apperr.EIdempotencyKeyReplayMismatch, "idempotency key was already used with a different payload")
				}
				replayed, err := o.loadTriple(ctx, rec)
				if err != nil {
					return err
				}
				*result = *replayed
				return nil
			}
		}

		var conv *db.Conversation
		var err error
		if req.ConversationID != nil {
			conv, err = o.store.GetConversation(ctx, *req.ConversationID)
			if err != nil {
				return err
			}
			if conv == nil {
				return apperr.New(apperr.EConversationNotFound, "conversation not found")
			}
		} else {
			conv, err = o.store.CreateConversation(ctx, tx, req.UserID, deriveTitle(req.Content))
			if err != nil {
				return err
			}
		}

		userSeq, err := o.store.AssignNextSeq(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		if req.ConversationID != nil {
			// The Phase-0 busy check ran outside any transaction and can race
			// a concurrent send; re-check now that the conversation row lock
			// is held.
			busy, err := o.store.HasPendingAssistantTx(ctx, tx, conv.ID)
			if err != nil {
				return err
			}
			if busy {
				return apperr.New(apperr.EConversationBusy, "a response is already in flight for this conversation")
			}
		}
		userMsg := &db.Message{
			ConversationID: conv.ID,
			Seq:            userSeq,
			Role:           db.RoleUser,
			Content:        req.Content,
			Status:         db.StatusComplete,
		}
		if err := o.store.InsertMessage(ctx, tx, userMsg); err != nil {
			return err
		}

		refs = make([]db.MessageContext, len(req.Contexts))
		for i, ref := range req.Contexts {
			refs[i] = db.MessageContext{
				MessageID:  userMsg.ID,
				Ordinal:    i,
				TargetType: ref.TargetType,
			}
			id := ref.TargetID
			switch ref.TargetType {
			case db.TargetMedia:
				refs[i].MediaID = &id
			case db.TargetHighlight:
				refs[i].HighlightID = &id
			case db.TargetAnnotation:
				refs[i].AnnotationID = &id
			}
		}
		if err := o.store.InsertMessageContexts(ctx, tx, userMsg.ID, refs); err != nil {
			return err
		}

		assistantSeq, err := o.store.AssignNextSeq(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		assistant := &db.Message{
			ConversationID: conv.ID,
			Seq:            assistantSeq,
			Role:           db.RoleAssistant,
			Content:        "",
			Status:         db.StatusPending,
		}
		if err := o.store.InsertMessage(ctx, tx, assistant); err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			rec := &db.IdempotencyRecord{
				UserID:             req.UserID,
				Key:                req.IdempotencyKey,
				PayloadHash:        hash,
				ConversationID:     conv.ID,
				UserMessageID:      userMsg.ID,
				AssistantMessageID: assistant.ID,
			}
			if err := o.store.InsertIdempotencyRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		if err := o.store.TouchConversation(ctx, tx, conv.ID); err != nil {
			return err
		}

		result.Conversation = conv
		result.UserMessage = userMsg
		result.AssistantMessage = assistant
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, refs, nil
}

// loadTriple rehydrates the cached result for an idempotent replay.
func (o *Orchestrator) loadTriple(ctx context.Context, rec *db.IdempotencyRecord) (*SendResult, error) {
	conv, err := o.store.GetConversation(ctx, rec.ConversationID)
	if err != nil {
		return nil, err
	}
	userMsg, err := o.store.GetMessage(ctx, rec.UserMessageID)
	if err != nil {
		return nil, err
	}
	assistant, err := o.store.GetMessage(ctx, rec.AssistantMessageID)
	if err != nil {
		return nil, err
	}
	if conv == nil || userMsg == nil || assistant == nil {
		return nil, apperr.New(apperr.EInternal, "idempotency record points at missing rows")
	}
	return &SendResult{Conversation: conv, UserMessage: userMsg, AssistantMessage: assistant, Replayed: true}, nil
}

// buildRequest assembles the provider request: system prompt, rendered
// context as a user turn when present, then the user content.
func (o *Orchestrator) buildRequest(ctx context.Context, model *db.ModelEntry, content string, refs []db.MessageContext) llm.Request {
	msgs := make([]llm.Message, 0, 2)
	if rendered := o.renderer.Render(ctx, refs); rendered != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: rendered})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
	return llm.Request{
		Model:       model.ModelName,
		System:      prompt.System(),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

// finalizeSuccess is Phase 3 for a completed provider call.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, resp *llm.Response, latencyMs int64) error {
	content := truncate(resp.Content)
	assistant := result.AssistantMessage

	err := o.store.WithTx(ctx, func(tx pgx.Tx) error {
		won, err := o.store.FinalizeAssistant(ctx, tx, assistant.ID, db.StatusComplete, content, nil)
		if err != nil {
			return err
		}
		if !won {
			o.logger.Warn().Str("message_id", assistant.ID.String()).Msg("send.double_finalize_detected")
			return nil
		}
		promptTokens, completionTokens, totalTokens := resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens
		requestID := resp.RequestID
		ml := &db.MessageLLM{
			MessageID:        assistant.ID,
			Provider:         prep.model.Provider,
			Model:            prep.model.ModelName,
			PromptTokens:     &promptTokens,
			CompletionTokens: &completionTokens,
			TotalTokens:      &totalTokens,
			KeyModeRequested: req.KeyMode,
			KeyModeUsed:      prep.resolution.ModeUsed,
			LatencyMs:        &latencyMs,
			PromptVersion:    prompt.Version,
		}
		if requestID != "" {
			ml.ProviderRequestID = &requestID
		}
		return o.store.InsertMessageLLM(ctx, tx, ml, false)
	})
	if err != nil {
		return err
	}

	assistant.Status = db.StatusComplete
	assistant.Content = content

	o.keys.ReportOutcome(ctx, prep.resolution, true)
	return nil
}

// finalizeFailure is Phase 3 for a failed provider call: the error becomes
// row state, not an HTTP failure.
func (o *Orchestrator) finalizeFailure(ctx context.Context, req SendRequest, prep *prepared, result *SendResult, class apperr.Code, latencyMs int64) error {
	assistant := result.AssistantMessage
	content := userFacingMessage(class)
	code := string(class)

	err := o.store.WithTx(ctx, func(tx pgx.Tx) error {
		won, err := o.store.FinalizeAssistant(ctx, tx, assistant.ID, db.StatusError, content, &code)
		if err != nil {
			return err
		}
		if !won {
			o.logger.Warn().Str("message_id", assistant.ID.String()).Msg("send.double_finalize_detected")
			return nil
		}
		ml := &db.MessageLLM{
			MessageID:        assistant.ID,
			Provider:         prep.model.Provider,
			Model:            prep.model.ModelName,
			KeyModeRequested: req.KeyMode,
			KeyModeUsed:      prep.resolution.ModeUsed,
			LatencyMs:        &latencyMs,
			ErrorClass:       &code,
			PromptVersion:    prompt.Version,
		}
		return o.store.InsertMessageLLM(ctx, tx, ml, false)
	})
	if err != nil {
		return err
	}

	assistant.Status = db.StatusError
	assistant.Content = content
	assistant.ErrorCode = &code

	if class == apperr.ELLMInvalidKey {
		o.keys.ReportOutcome(ctx, prep.resolution, false)
	}
	return nil
}

// userFacingMessage maps an LLM error class to the content stored on the
// assistant row.
func userFacingMessage(class apperr.Code) string {
	switch class {
	case apperr.ELLMNoKey:
		return "No API key is available for this model's provider."
	case apperr.ELLMInvalidKey:
		return "The API key for this provider was rejected."
	case apperr.ELLMRateLimit:
		return "The provider is rate limiting requests. Please try again shortly."
	case apperr.ELLMContextTooLarge:
		return "The message and referenced context are too large for this model."
	case apperr.ELLMTimeout:
		return "The model took too long to respond."
	case apperr.EOrphanedPending:
		return "The response was interrupted before it completed."
	case apperr.EStreamClientDisconnect:
		return "The connection was closed before the response completed."
	default:
		return "The provider is currently unavailable. Please try again."
	}
}
