package chainbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
)

// turnContext carries the per-turn state shared by the streaming and
// non-streaming paths. The conversation lock is held from prepareTurn
// until the turn settles.
type turnContext struct {
	conv       *Conversation
	turnID     string
	backendReq *BackendRequest
	tools      []openai.ChatCompletionToolUnionParam
	firstTurn  bool
	startTime  time.Time
}

// Completion handles one non-streaming client turn: resolve continuity,
// build the single backend payload, invoke the backend, extract any
// embedded tool call, and shape the client response. The tail pointer
// advances only when the backend turn succeeds.
func (b *Bridge) Completion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	tc, err := b.prepareTurn(ctx, params, false)
	if err != nil {
		return nil, err
	}
	defer tc.conv.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.backendTimeout)
	defer cancel()

	resp, err := b.backend.Complete(callCtx, tc.backendReq)
	if err != nil {
		berr := b.classifyBackendErr(ctx, err)
		b.settleTurn(tc, "", TokenUsage{}, nil, berr)
		return nil, berr
	}

	completion := b.buildCompletion(tc, resp)
	finishReason := completion.Choices[0].FinishReason

	b.conversations.Advance(tc.conv, resp.ChatID, resp.MessageID)
	b.settleTurn(tc, finishReason, resp.Usage, completion, nil)

	return completion, nil
}

// StreamCompletion handles one streaming client turn. The returned
// Reassembler holds the conversation lock until it settles: normal
// completion, backend failure, or client disconnect all release it and
// update continuity according to what the backend reported.
func (b *Bridge) StreamCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*Reassembler, error) {
	tc, err := b.prepareTurn(ctx, params, true)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.backendTimeout)

	stream, err := b.backend.Stream(callCtx, tc.backendReq)
	if err != nil {
		berr := b.classifyBackendErr(ctx, err)
		b.settleTurn(tc, "", TokenUsage{}, nil, berr)
		tc.conv.Unlock()
		cancel()
		return nil, berr
	}

	onSettle := func(outcome StreamOutcome) {
		defer cancel()
		defer tc.conv.Unlock()

		// A failed turn must not move the tail pointer. A cancelled turn
		// still advances when the backend already reported one, so the
		// next attempt keeps the conversation.
		switch {
		case outcome.Err == nil && !outcome.Cancelled:
			b.conversations.Advance(tc.conv, outcome.ChatID, outcome.TailID)
		case outcome.Cancelled && outcome.TailID != "":
			b.conversations.Advance(tc.conv, outcome.ChatID, outcome.TailID)
		}

		err := outcome.Err
		if outcome.Cancelled && err == nil {
			err = &BridgeError{Code: ErrCodeCancelled, Err: context.Canceled}
		}
		b.settleTurn(tc, outcome.FinishReason, outcome.Usage, nil, err)
	}

	return b.newReassembler(ctx, stream, string(params.Model), onSettle), nil
}

// prepareTurn resolves continuity state, acquires the per-conversation
// lock, and builds the backend payload: the continuity pointer plus
// only the newest unsent turns, with the tool-schema block injected
// into the system instructions of the first turn only.
func (b *Bridge) prepareTurn(ctx context.Context, params openai.ChatCompletionNewParams, streaming bool) (*turnContext, error) {
	if b.backend == nil {
		return nil, newBridgeError(ErrCodeBackend, "no backend configured")
	}

	conv := b.conversations.Resolve(params.Messages)
	conv.Lock()

	firstTurn := conv.ChatID() == "" && conv.TailID() == ""

	turns, err := b.buildTurns(ctx, params, firstTurn)
	if err != nil {
		conv.Unlock()
		return nil, err
	}

	tc := &turnContext{
		conv:      conv,
		turnID:    "turn_" + uuid.NewString(),
		tools:     params.Tools,
		firstTurn: firstTurn,
		startTime: time.Now(),
		backendReq: &BackendRequest{
			ChatID:   conv.ChatID(),
			ParentID: conv.TailID(),
			Model:    string(params.Model),
			Stream:   streaming,
			Turns:    turns,
		},
	}

	b.recordTurn(params, tc)
	return tc, nil
}

// buildTurns translates the client message list into the ChatTurns the
// backend has not seen yet. On the first turn of a conversation that is
// the whole history plus a system turn carrying the tool block; on
// later turns it is only the messages after the last assistant reply,
// because everything up to and including that reply already lives
// behind the tail pointer.
func (b *Bridge) buildTurns(ctx context.Context, params openai.ChatCompletionNewParams, firstTurn bool) ([]ChatTurn, error) {
	if firstTurn {
		return b.buildFirstTurns(ctx, params)
	}
	return b.buildContinuationTurns(params)
}

func (b *Bridge) buildFirstTurns(ctx context.Context, params openai.ChatCompletionNewParams) ([]ChatTurn, error) {
	var turns []ChatTurn

	systemText := collectSystemText(params.Messages)
	if len(params.Tools) > 0 {
		toolPrompt, err := b.BuildToolPrompt(ctx, params.Tools)
		if err != nil {
			return nil, err
		}
		if systemText != "" {
			systemText = systemText + "\n\n" + toolPrompt
		} else {
			systemText = toolPrompt
		}
	}
	if systemText != "" {
		turns = append(turns, ChatTurn{Role: RoleSystem, Text: systemText})
	}

	for _, msg := range params.Messages {
		switch {
		case msg.OfUser != nil:
			turns = append(turns, ChatTurn{Role: RoleUser, Text: userMessageText(msg)})
		case msg.OfAssistant != nil:
			turns = append(turns, ChatTurn{Role: RoleAssistant, Text: msg.OfAssistant.Content.OfString.Or("")})
		case msg.OfTool != nil:
			turns = append(turns, b.toolResultTurn(params.Messages, msg))
		}
	}
	return turns, nil
}

func (b *Bridge) buildContinuationTurns(params openai.ChatCompletionNewParams) ([]ChatTurn, error) {
	lastAssistant := -1
	for i, msg := range params.Messages {
		if msg.OfAssistant != nil {
			lastAssistant = i
		}
	}

	var turns []ChatTurn
	for _, msg := range params.Messages[lastAssistant+1:] {
		switch {
		case msg.OfUser != nil:
			turns = append(turns, ChatTurn{Role: RoleUser, Text: userMessageText(msg)})
		case msg.OfTool != nil:
			turns = append(turns, b.toolResultTurn(params.Messages, msg))
		}
	}
	if len(turns) == 0 {
		return nil, newBridgeError(ErrCodeBackend, "no new turns to send: request repeats already-sent history")
	}
	return turns, nil
}

// toolResultTurn renders one client tool message as the user turn the
// backend expects, resolving the originating tool's name through the
// assistant message that requested the call.
func (b *Bridge) toolResultTurn(messages []openai.ChatCompletionMessageParamUnion, msg openai.ChatCompletionMessageParamUnion) ChatTurn {
	toolMsg := msg.OfTool
	name := toolNameForCallID(messages, toolMsg.ToolCallID)
	return FormatToolResult(ToolResult{
		CallID: toolMsg.ToolCallID,
		Name:   name,
		Output: toolMessageText(msg),
	})
}

// buildCompletion shapes the backend's full response into the client
// wire form. The content field is always a non-nil string: the empty
// string when a tool call is present, because client SDKs used against
// this gateway reject an absent content alongside tool calls. Malformed
// call markup degrades to raw text rather than failing the turn.
func (b *Bridge) buildCompletion(tc *turnContext, resp *BackendResponse) *openai.ChatCompletion {
	startTime := time.Now()

	extraction, err := ExtractCall(resp.Content)
	if err != nil {
		b.logger.Warn("Malformed call block in response, surfacing raw text",
			"conversation_id", tc.conv.ID,
			"turn_id", tc.turnID,
			"error", err)
		extraction = Extraction{TextBefore: resp.Content}
	}

	message := openai.ChatCompletionMessage{Role: "assistant"}
	finishReason := "stop"
	if extraction.HasCall {
		call := extraction.Call
		if len(tc.tools) > 0 && !hasTool(tc.tools, call.Name) {
			b.logger.Warn("Backend invoked a tool the request did not declare",
				"tool_name", call.Name,
				"turn_id", tc.turnID)
		}
		message.Content = ""
		message.ToolCalls = []openai.ChatCompletionMessageToolCallUnion{
			{
				ID:   call.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageFunctionToolCallFunction{
					Name:      call.Name,
					Arguments: call.ArgumentsJSON(),
				},
			},
		}
		finishReason = "tool_calls"

		b.emitMetric(CallExtractionData{
			ToolName:      call.Name,
			ContentLength: len(resp.Content),
			Streaming:     false,
			Performance: PerformanceMetrics{
				ProcessingDuration: time.Since(startTime),
			},
		})
	} else {
		message.Content = extraction.TextBefore
	}

	return &openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   tc.backendReq.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				Message:      message,
				FinishReason: finishReason,
			},
		},
		Usage: openai.CompletionUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// classifyBackendErr distinguishes a client disconnect from a backend
// failure so the error taxonomy stays honest.
func (b *Bridge) classifyBackendErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return &BridgeError{Code: ErrCodeCancelled, Err: err}
	}
	return &BridgeError{Code: ErrCodeBackend, Err: err}
}

// recordTurn archives the request pair off the request path.
// Best-effort: failures are logged, never surfaced.
func (b *Bridge) recordTurn(params openai.ChatCompletionNewParams, tc *turnContext) {
	if b.recorder == nil {
		return
	}

	clientJSON, _ := json.Marshal(params)
	backendJSON, _ := json.Marshal(tc.backendReq)
	rec := TurnRecord{
		TurnID:         tc.turnID,
		ConversationID: tc.conv.ID,
		ClientRequest:  clientJSON,
		BackendRequest: backendJSON,
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Recorder panicked on RecordTurn", "panic", r, "turn_id", rec.TurnID)
			}
		}()
		if err := b.recorder.RecordTurn(context.Background(), rec); err != nil {
			b.logger.Warn("Failed to record turn", "turn_id", rec.TurnID, "error", err)
		}
	}()
}

// settleTurn archives the outcome and emits the turn metric. Called
// exactly once per turn, on both paths.
func (b *Bridge) settleTurn(tc *turnContext, finishReason string, usage TokenUsage, completion *openai.ChatCompletion, turnErr error) {
	duration := time.Since(tc.startTime)

	var errCode ErrorCode
	errText := ""
	if turnErr != nil {
		errCode = CodeOf(turnErr)
		errText = turnErr.Error()
		b.logger.Error("Turn failed",
			"conversation_id", tc.conv.ID,
			"turn_id", tc.turnID,
			"error_code", errCode,
			"error", turnErr)
	} else {
		b.logger.Info("Turn completed",
			"conversation_id", tc.conv.ID,
			"turn_id", tc.turnID,
			"finish_reason", finishReason,
			"duration", duration)
	}

	b.emitMetric(TurnCompletionData{
		ConversationID: tc.conv.ID,
		TurnID:         tc.turnID,
		Streaming:      tc.backendReq.Stream,
		FinishReason:   finishReason,
		Usage:          usage,
		ErrorCode:      errCode,
		Performance: PerformanceMetrics{
			ProcessingDuration: duration,
		},
	})

	if b.recorder == nil {
		return
	}
	var respJSON []byte
	if completion != nil {
		respJSON, _ = json.Marshal(completion)
	}
	rec := ResultRecord{
		TurnID:   tc.turnID,
		Response: respJSON,
		TailID:   tc.conv.TailID(),
		Usage:    usage,
		Duration: duration,
		ErrText:  errText,
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Recorder panicked on RecordResult", "panic", r, "turn_id", rec.TurnID)
			}
		}()
		if err := b.recorder.RecordResult(context.Background(), rec); err != nil {
			b.logger.Warn("Failed to record result", "turn_id", rec.TurnID, "error", err)
		}
	}()
}

// collectSystemText concatenates the text of all system messages.
func collectSystemText(messages []openai.ChatCompletionMessageParamUnion) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.OfSystem == nil {
			continue
		}
		content := msg.OfSystem.Content
		text := content.OfString.Or("")
		if text == "" {
			for _, part := range content.OfArrayOfContentParts {
				text += part.Text
			}
		}
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

// toolMessageText extracts the text of a tool message.
func toolMessageText(msg openai.ChatCompletionMessageParamUnion) string {
	if msg.OfTool == nil {
		return ""
	}
	content := msg.OfTool.Content
	if str := content.OfString.Or(""); str != "" {
		return str
	}
	var sb strings.Builder
	for _, part := range content.OfArrayOfContentParts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// toolNameForCallID finds the tool name an assistant message attached
// to the given call ID. Falls back to "tool" when the client sent a
// result for a call the history does not contain.
func toolNameForCallID(messages []openai.ChatCompletionMessageParamUnion, callID string) string {
	for _, msg := range messages {
		if msg.OfAssistant == nil {
			continue
		}
		for _, call := range msg.OfAssistant.ToolCalls {
			fn := call.OfFunction
			if fn == nil {
				continue
			}
			if fn.ID == callID {
				return fn.Function.Name
			}
		}
	}
	return "tool"
}
