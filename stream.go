package chainbridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
)

// StreamState is the reassembler's position in one streaming turn.
type StreamState int

const (
	// StateOpen: no text observed yet.
	StateOpen StreamState = iota
	// StateContent: emitting content deltas as fragments arrive.
	StateContent
	// StateToolCall: a call-block start is visible; content emission has
	// stopped and the block is buffering silently until it closes.
	StateToolCall
	// StateDone: terminal events emitted.
	StateDone
	// StateError: the backend stream reported a failure.
	StateError
)

// StreamOutcome summarizes a settled streaming turn for the
// orchestrator: what the backend reported before the stream ended, how
// it ended, and whether the client went away first.
type StreamOutcome struct {
	ChatID       string
	TailID       string
	FinishReason string
	Usage        TokenUsage
	Cancelled    bool
	Err          error
}

// Reassembler consumes the backend's event stream and exposes the
// client's incremental-delta protocol as a pull stream of
// ChatCompletionChunk values: content deltas while no call block is
// visible, silence while one is buffering, a single tool-call delta
// when it closes, then a terminal finish delta and a usage chunk.
//
// THREAD SAFETY: NOT thread-safe; single-consumer design. Close may be
// called concurrently with Next to abort on client disconnect.
type Reassembler struct {
	source BackendStream
	bridge *Bridge

	mu           sync.Mutex
	state        StreamState
	buffer       strings.Builder
	emitted      int // bytes of buffer already sent as content deltas
	pending      []openai.ChatCompletionChunk
	currentChunk openai.ChatCompletionChunk
	done         bool
	err          error
	roleSent     bool
	suppressing  bool // discard text after an extracted call
	flushed      bool // buffer limit hit: everything stays content

	completionID string
	model        string
	created      int64

	chatID    string
	tailID    string
	usage     TokenUsage
	call      *ToolCall
	startTime time.Time

	bufferLimit int
	ctx         context.Context
	cancel      context.CancelFunc

	settleOnce sync.Once
	onSettle   func(StreamOutcome)
}

// newReassembler wires a reassembler over a backend stream. onSettle
// runs exactly once, however the stream ends: normal completion,
// backend failure, or client disconnect.
func (b *Bridge) newReassembler(ctx context.Context, source BackendStream, model string, onSettle func(StreamOutcome)) *Reassembler {
	streamCtx, cancel := context.WithCancel(ctx)
	return &Reassembler{
		source:       source,
		bridge:       b,
		state:        StateOpen,
		completionID: "chatcmpl-" + NewCallID()[len("call_"):],
		model:        model,
		created:      time.Now().Unix(),
		startTime:    time.Now(),
		bufferLimit:  b.streamBufferLimit,
		ctx:          streamCtx,
		cancel:       cancel,
		onSettle:     onSettle,
	}
}

// Next advances to the next client-protocol chunk. It blocks on the
// backend transport as needed and returns false when the stream is
// exhausted or failed.
func (r *Reassembler) Next() bool {
	r.mu.Lock()
	if len(r.pending) > 0 {
		r.currentChunk = r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return true
	}
	if r.done {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	for {
		if r.ctx.Err() != nil {
			return r.settleCancelled()
		}

		// Block for the next backend event without holding the mutex so
		// Close can interleave.
		hasNext := r.source.Next()

		if r.ctx.Err() != nil {
			return r.settleCancelled()
		}

		if !hasNext {
			return r.handleStreamEnd()
		}

		ev := r.source.Current()
		r.mu.Lock()
		produced := r.handleEvent(ev)
		if produced {
			r.currentChunk = r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return true
		}
		finished := r.done
		r.mu.Unlock()
		if finished {
			return false
		}
	}
}

// Current returns the chunk produced by the last successful Next.
func (r *Reassembler) Current() openai.ChatCompletionChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentChunk
}

// Err reports a transport or cancellation failure after Next returns
// false. A backend-reported failure is not an Err: it surfaces as a
// terminal delta with finish reason "error".
func (r *Reassembler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ErrorChunk builds a terminal delta with finish reason "error". After
// Next returns false with a non-nil Err, no finish delta has been
// emitted; callers proxying the stream can send this chunk so their own
// client still sees a terminal event.
func (r *Reassembler) ErrorChunk() openai.ChatCompletionChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk := r.newChunk()
	chunk.Choices = []openai.ChatCompletionChunkChoice{{FinishReason: "error"}}
	return chunk
}

// Close aborts the stream: it cancels the backend call (cooperative
// cancellation), closes the transport, and settles the turn. When the
// client disconnected mid-stream the settle still advances continuity
// with the last tail pointer the backend reported, if any, so the next
// attempt does not lose the conversation.
func (r *Reassembler) Close() error {
	r.mu.Lock()
	alreadyDone := r.done
	r.done = true
	if r.cancel != nil {
		r.cancel()
	}
	outcome := StreamOutcome{
		ChatID:    r.chatID,
		TailID:    r.tailID,
		Usage:     r.usage,
		Cancelled: true,
	}
	r.mu.Unlock()

	if !alreadyDone {
		r.settle(outcome)
	}
	return r.source.Close()
}

// settleCancelled records client-side cancellation mid-stream. The
// partial tail state still rides along so continuity can advance past
// whatever the backend already persisted.
func (r *Reassembler) settleCancelled() bool {
	r.mu.Lock()
	r.err = &BridgeError{Code: ErrCodeCancelled, Err: r.ctx.Err()}
	r.done = true
	outcome := StreamOutcome{
		ChatID:    r.chatID,
		TailID:    r.tailID,
		Usage:     r.usage,
		Cancelled: true,
	}
	r.mu.Unlock()
	r.settle(outcome)
	return false
}

// handleEvent folds one backend event into the state machine. Returns
// true when at least one client chunk is ready. Caller holds the lock.
func (r *Reassembler) handleEvent(ev BackendEvent) bool {
	if ev.ChatID != "" {
		r.chatID = ev.ChatID
	}
	if ev.MessageID != "" {
		r.tailID = ev.MessageID
	}
	if ev.Usage != nil {
		r.usage = *ev.Usage
	}

	if ev.ErrMessage != "" {
		// Text withheld while waiting on a block that will now never
		// close is still prose the user should see.
		if content := r.buffer.String(); r.call == nil && len(content) > r.emitted {
			r.enqueueContent(content[r.emitted:])
			r.emitted = len(content)
		}
		r.state = StateError
		r.enqueueFinish("error")
		r.enqueueUsage()
		r.done = true
		r.settle(StreamOutcome{
			ChatID:       r.chatID,
			TailID:       r.tailID,
			FinishReason: "error",
			Usage:        r.usage,
			Err:          newBridgeError(ErrCodeBackend, "backend stream failed: %s", ev.ErrMessage),
		})
		return len(r.pending) > 0
	}

	if ev.Delta != "" && !r.suppressing {
		r.buffer.WriteString(ev.Delta)
		r.processBuffer()
	}

	if ev.Done {
		r.finishStream()
	}

	return len(r.pending) > 0
}

// processBuffer re-probes the accumulated text after each fragment.
// While no call-block start is visible everything new is emitted as a
// content delta; text that might be the start of a delimiter is held
// back so reassembly is byte-identical regardless of fragment
// boundaries. Once a block start is confirmed, emission stops until the
// block closes, then the full extractor runs exactly once.
func (r *Reassembler) processBuffer() {
	content := r.buffer.String()

	// Once the valve has flushed an over-long block as content, that
	// decision is sticky: text the client already saw as prose must not
	// be re-read as a call when the block finally closes.
	if r.flushed {
		if len(content) > r.emitted {
			r.enqueueContent(content[r.emitted:])
			r.emitted = len(content)
		}
		return
	}

	if r.state != StateToolCall {
		probe := ProbeCallStart(content)
		safe := len(content)
		if probe >= 0 {
			safe = probe
			if strings.HasPrefix(content[probe:], callOpenTag) {
				r.state = StateToolCall
			}
		}
		if safe > r.emitted {
			r.enqueueContent(content[r.emitted:safe])
			r.emitted = safe
			if r.state != StateToolCall {
				r.state = StateContent
			}
		}
	}

	if r.state == StateToolCall && HasCompleteCallBlock(content) {
		r.extractBufferedCall(content)
		return
	}

	// Safety valve: a block that never closes must not buffer forever.
	if r.state == StateToolCall && r.buffer.Len()-r.emitted > r.bufferLimit {
		r.bridge.logger.Warn("Stream buffer limit exceeded while waiting for call block to close, flushing as content",
			"buffer_length", r.buffer.Len(),
			"limit", r.bufferLimit)
		r.enqueueContent(content[r.emitted:])
		r.emitted = len(content)
		r.state = StateContent
		r.flushed = true
	}
}

// extractBufferedCall runs the full extractor over the buffer once the
// block has closed. Malformed markup degrades to plain content so the
// user-facing prose still reaches the client.
func (r *Reassembler) extractBufferedCall(content string) {
	startTime := time.Now()
	extraction, err := ExtractCall(content)
	if err != nil {
		r.bridge.logger.Warn("Malformed call block in stream, degrading to content",
			"error", err,
			"buffer_length", len(content))
		r.enqueueContent(content[r.emitted:])
		r.emitted = len(content)
		r.state = StateContent
		return
	}

	r.call = extraction.Call
	r.suppressing = true
	r.state = StateToolCall

	logAttrs := []any{
		"tool_name", r.call.Name,
		"buffer_length", len(content),
		"streaming", true,
	}
	if !r.bridge.redactArguments {
		logAttrs = append(logAttrs, "arguments", r.call.ArgumentsJSON())
	}
	r.bridge.logger.Info("Streaming: extracted tool call", logAttrs...)

	r.bridge.emitMetric(CallExtractionData{
		ToolName:      r.call.Name,
		ContentLength: len(content),
		Streaming:     true,
		Performance: PerformanceMetrics{
			ProcessingDuration: time.Since(startTime),
		},
	})

	r.enqueueToolCall(r.call)
}

// finishStream emits the terminal finish delta, the usage chunk, and
// settles the turn.
func (r *Reassembler) finishStream() {
	if r.done {
		return
	}

	// A block that opened but never closed before stream end is not a
	// call; surface the withheld text instead of swallowing it.
	if r.state == StateToolCall && r.call == nil {
		content := r.buffer.String()
		if len(content) > r.emitted {
			r.enqueueContent(content[r.emitted:])
			r.emitted = len(content)
		}
		r.state = StateContent
	}

	finishReason := "stop"
	if r.call != nil {
		finishReason = "tool_calls"
	}
	r.enqueueFinish(finishReason)
	r.enqueueUsage()
	r.state = StateDone
	r.done = true

	r.settle(StreamOutcome{
		ChatID:       r.chatID,
		TailID:       r.tailID,
		FinishReason: finishReason,
		Usage:        r.usage,
	})
}

// handleStreamEnd copes with the source running dry without a Done
// event: clean EOF finishes normally, a transport error fails the turn.
func (r *Reassembler) handleStreamEnd() bool {
	srcErr := r.source.Err()

	r.mu.Lock()
	if srcErr != nil {
		r.err = &BridgeError{Code: ErrCodeBackend, Err: srcErr}
		r.done = true
		r.mu.Unlock()
		r.settle(StreamOutcome{
			ChatID: r.chatID,
			TailID: r.tailID,
			Err:    r.err,
		})
		return false
	}

	r.finishStream()
	hasChunk := len(r.pending) > 0
	if hasChunk {
		r.currentChunk = r.pending[0]
		r.pending = r.pending[1:]
	}
	r.mu.Unlock()
	return hasChunk
}

func (r *Reassembler) settle(outcome StreamOutcome) {
	r.settleOnce.Do(func() {
		if r.onSettle != nil {
			r.onSettle(outcome)
		}
	})
}

func (r *Reassembler) newChunk() openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      r.completionID,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
	}
}

func (r *Reassembler) enqueueContent(text string) {
	if text == "" {
		return
	}
	chunk := r.newChunk()
	delta := openai.ChatCompletionChunkChoiceDelta{Content: text}
	if !r.roleSent {
		delta.Role = "assistant"
		r.roleSent = true
	}
	chunk.Choices = []openai.ChatCompletionChunkChoice{{Delta: delta}}
	r.pending = append(r.pending, chunk)
}

func (r *Reassembler) enqueueToolCall(call *ToolCall) {
	chunk := r.newChunk()
	delta := openai.ChatCompletionChunkChoiceDelta{
		ToolCalls: []openai.ChatCompletionChunkChoiceDeltaToolCall{
			{
				Index: 0,
				ID:    call.ID,
				Type:  "function",
				Function: openai.ChatCompletionChunkChoiceDeltaToolCallFunction{
					Name:      call.Name,
					Arguments: call.ArgumentsJSON(),
				},
			},
		},
	}
	if !r.roleSent {
		delta.Role = "assistant"
		r.roleSent = true
	}
	chunk.Choices = []openai.ChatCompletionChunkChoice{{Delta: delta}}
	r.pending = append(r.pending, chunk)
}

func (r *Reassembler) enqueueFinish(reason string) {
	chunk := r.newChunk()
	chunk.Choices = []openai.ChatCompletionChunkChoice{{
		Delta:        openai.ChatCompletionChunkChoiceDelta{},
		FinishReason: reason,
	}}
	r.pending = append(r.pending, chunk)
}

// enqueueUsage emits the usage-summary event: a chunk with no choices,
// carrying token counts only.
func (r *Reassembler) enqueueUsage() {
	chunk := r.newChunk()
	chunk.Usage = openai.CompletionUsage{
		PromptTokens:     r.usage.PromptTokens,
		CompletionTokens: r.usage.CompletionTokens,
		TotalTokens:      r.usage.TotalTokens,
	}
	r.pending = append(r.pending, chunk)
}
