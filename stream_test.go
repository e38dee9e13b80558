package chainbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectChunks drains a reassembler and returns everything it emitted.
func collectChunks(t *testing.T, r *Reassembler) []openai.ChatCompletionChunk {
	t.Helper()
	var chunks []openai.ChatCompletionChunk
	for r.Next() {
		chunks = append(chunks, r.Current())
	}
	return chunks
}

// contentOf concatenates the content deltas of a chunk sequence.
func contentOf(chunks []openai.ChatCompletionChunk) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}
	return sb.String()
}

func toolCallsOf(chunks []openai.ChatCompletionChunk) []openai.ChatCompletionChunkChoiceDeltaToolCall {
	var calls []openai.ChatCompletionChunkChoiceDeltaToolCall
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			calls = append(calls, choice.Delta.ToolCalls...)
		}
	}
	return calls
}

func finishReasonsOf(chunks []openai.ChatCompletionChunk) []string {
	var reasons []string
	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				reasons = append(reasons, choice.FinishReason)
			}
		}
	}
	return reasons
}

func TestReassembler_ContentThenToolCall(t *testing.T) {
	bridge := New()
	events := []BackendEvent{
		{ChatID: "c1", MessageID: "m1", Delta: "I'll check.\n<call><name>read"},
		{Delta: "</name><args><path>/tmp/x</path></args></call>"},
		{Done: true, MessageID: "m2", Usage: &TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}

	var outcome StreamOutcome
	r := bridge.newReassembler(context.Background(), newMockStream(events), "test-model", func(o StreamOutcome) {
		outcome = o
	})

	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	assert.Equal(t, "I'll check.\n", contentOf(chunks))

	calls := toolCallsOf(chunks)
	require.Len(t, calls, 1)
	assert.Equal(t, "read", calls[0].Function.Name)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, calls[0].Function.Arguments)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))

	assert.Equal(t, []string{"tool_calls"}, finishReasonsOf(chunks))

	// First chunk announces the role, later ones do not repeat it.
	require.NotEmpty(t, chunks)
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)

	// Terminal usage chunk has no choices.
	last := chunks[len(chunks)-1]
	assert.Empty(t, last.Choices)
	assert.Equal(t, int64(15), last.Usage.TotalTokens)

	assert.Equal(t, "c1", outcome.ChatID)
	assert.Equal(t, "m2", outcome.TailID)
	assert.Equal(t, "tool_calls", outcome.FinishReason)
	assert.NoError(t, outcome.Err)
	assert.False(t, outcome.Cancelled)
}

// TestReassembler_BitIdenticalAcrossSplits verifies that fragment
// boundaries never change what the client sees: for every possible
// two-way split of the same backend text, the concatenated content
// deltas and the extracted call are identical.
func TestReassembler_BitIdenticalAcrossSplits(t *testing.T) {
	t.Run("PlainTextWithAngleNoise", func(t *testing.T) {
		text := "a < b, c <c d <ca e <cal f, and that is all."
		for split := 0; split <= len(text); split++ {
			bridge := New()
			events := []BackendEvent{
				{Delta: text[:split]},
				{Delta: text[split:]},
				{Done: true},
			}
			r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
			chunks := collectChunks(t, r)
			require.NoError(t, r.Err())
			require.Equal(t, text, contentOf(chunks), "split at %d", split)
			require.Empty(t, toolCallsOf(chunks), "split at %d", split)
			require.Equal(t, []string{"stop"}, finishReasonsOf(chunks), "split at %d", split)
		}
	})

	t.Run("ProseThenCallBlock", func(t *testing.T) {
		text := "I'll check.\n<call><name>read</name><args><path>/tmp/x</path></args></call>"
		for split := 0; split <= len(text); split++ {
			bridge := New()
			events := []BackendEvent{
				{Delta: text[:split]},
				{Delta: text[split:]},
				{Done: true},
			}
			r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
			chunks := collectChunks(t, r)
			require.NoError(t, r.Err())
			require.Equal(t, "I'll check.\n", contentOf(chunks), "split at %d", split)
			calls := toolCallsOf(chunks)
			require.Len(t, calls, 1, "split at %d", split)
			require.Equal(t, "read", calls[0].Function.Name, "split at %d", split)
			require.Equal(t, []string{"tool_calls"}, finishReasonsOf(chunks), "split at %d", split)
		}
	})

	t.Run("BytewiseFragments", func(t *testing.T) {
		text := "Check this.\n<call><name>ping</name></call>"
		bridge := New()
		var events []BackendEvent
		for i := 0; i < len(text); i++ {
			events = append(events, BackendEvent{Delta: text[i : i+1]})
		}
		events = append(events, BackendEvent{Done: true})

		r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
		chunks := collectChunks(t, r)
		require.NoError(t, r.Err())
		assert.Equal(t, "Check this.\n", contentOf(chunks))
		require.Len(t, toolCallsOf(chunks), 1)
	})
}

func TestReassembler_UnclosedBlockFlushedAtEnd(t *testing.T) {
	bridge := New()
	text := "Hello <call><name>read"
	events := []BackendEvent{{Delta: text}, {Done: true}}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	// A block that never closed is not a call; the withheld text must
	// reach the client instead of being swallowed.
	assert.Equal(t, text, contentOf(chunks))
	assert.Empty(t, toolCallsOf(chunks))
	assert.Equal(t, []string{"stop"}, finishReasonsOf(chunks))
}

func TestReassembler_MalformedBlockDegradesToContent(t *testing.T) {
	bridge := New()
	text := "See: <call>not really markup</call> done."
	events := []BackendEvent{{Delta: text}, {Done: true}}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	assert.Equal(t, text, contentOf(chunks))
	assert.Empty(t, toolCallsOf(chunks))
	assert.Equal(t, []string{"stop"}, finishReasonsOf(chunks))
}

func TestReassembler_TextAfterCallSuppressed(t *testing.T) {
	bridge := New()
	events := []BackendEvent{
		{Delta: "Sure.\n<call><name>ping</name></call>"},
		{Delta: "I have invoked the tool for you."},
		{Done: true},
	}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	assert.Equal(t, "Sure.\n", contentOf(chunks))
	require.Len(t, toolCallsOf(chunks), 1)
}

func TestReassembler_BackendReportedError(t *testing.T) {
	bridge := New()
	events := []BackendEvent{
		{ChatID: "c1", Delta: "partial "},
		{ErrMessage: "model unavailable"},
	}

	var outcome StreamOutcome
	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", func(o StreamOutcome) {
		outcome = o
	})

	chunks := collectChunks(t, r)

	// Backend-reported failures surface in-band as an error finish, not
	// as a transport Err.
	require.NoError(t, r.Err())
	assert.Equal(t, "partial ", contentOf(chunks))
	assert.Equal(t, []string{"error"}, finishReasonsOf(chunks))

	require.Error(t, outcome.Err)
	assert.Equal(t, ErrCodeBackend, CodeOf(outcome.Err))
}

func TestReassembler_TransportError(t *testing.T) {
	bridge := New()
	transportErr := errors.New("connection reset")

	var outcome StreamOutcome
	r := bridge.newReassembler(context.Background(),
		newMockStreamWithError([]BackendEvent{{ChatID: "c1", Delta: "x"}}, transportErr),
		"m", func(o StreamOutcome) { outcome = o })

	chunks := collectChunks(t, r)

	require.Error(t, r.Err())
	assert.Equal(t, ErrCodeBackend, CodeOf(r.Err()))
	assert.Equal(t, "x", contentOf(chunks))
	// No terminal finish delta on transport failure.
	assert.Empty(t, finishReasonsOf(chunks))

	require.Error(t, outcome.Err)
	assert.False(t, outcome.Cancelled)
}

func TestReassembler_CloseMidStreamSettlesCancelled(t *testing.T) {
	bridge := New()
	events := []BackendEvent{
		{ChatID: "c1", MessageID: "m5", Delta: "some text "},
		{Delta: "more text"},
		{Done: true},
	}

	var outcome StreamOutcome
	settled := false
	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", func(o StreamOutcome) {
		outcome = o
		settled = true
	})

	require.True(t, r.Next())
	require.NoError(t, r.Close())

	require.True(t, settled)
	assert.True(t, outcome.Cancelled)
	// The tail pointer observed before disconnect rides along so
	// continuity can still advance.
	assert.Equal(t, "c1", outcome.ChatID)
	assert.Equal(t, "m5", outcome.TailID)

	assert.False(t, r.Next())
}

func TestReassembler_CloseIsIdempotentAndSettlesOnce(t *testing.T) {
	bridge := New()
	settleCount := 0
	r := bridge.newReassembler(context.Background(), newMockStream(nil), "m", func(o StreamOutcome) {
		settleCount++
	})

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, settleCount)
}

func TestReassembler_BufferLimitFlushesAsContent(t *testing.T) {
	bridge := New(WithStreamBufferLimit(64))
	// Block opens and keeps growing past the limit without closing.
	long := "<call><name>read</name><args><data>" + strings.Repeat("x", 200)
	events := []BackendEvent{{Delta: "pre "}, {Delta: long}, {Done: true}}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	assert.Equal(t, "pre "+long, contentOf(chunks))
	assert.Empty(t, toolCallsOf(chunks))
}

func TestReassembler_BufferLimitFlushThenBlockCloses(t *testing.T) {
	bridge := New(WithStreamBufferLimit(64))
	long := "<call><name>read</name><args><data>" + strings.Repeat("x", 200)
	closing := "</data></args></call>"
	events := []BackendEvent{
		{Delta: "pre "},
		{Delta: long},
		{Delta: closing},
		{Done: true},
	}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	// The flush decision is sticky: the client already saw the block as
	// prose, so the late closing fragment must stay prose too, not
	// become a second delivery as a tool call.
	assert.Equal(t, "pre "+long+closing, contentOf(chunks))
	assert.Empty(t, toolCallsOf(chunks))
	assert.Equal(t, []string{"stop"}, finishReasonsOf(chunks))
}

func TestReassembler_BackendErrorFlushesWithheldText(t *testing.T) {
	bridge := New()
	events := []BackendEvent{
		{Delta: "Let me <call><name>re"},
		{ErrMessage: "model unavailable"},
	}

	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	chunks := collectChunks(t, r)
	require.NoError(t, r.Err())

	// Text held back for a block that will now never close is still
	// prose the user should see, ahead of the error finish.
	assert.Equal(t, "Let me <call><name>re", contentOf(chunks))
	assert.Empty(t, toolCallsOf(chunks))
	assert.Equal(t, []string{"error"}, finishReasonsOf(chunks))
}

func TestReassembler_EmitsExtractionMetric(t *testing.T) {
	var captured []MetricEventData
	bridge := New(WithMetricsCallback(func(data MetricEventData) {
		captured = append(captured, data)
	}))

	events := []BackendEvent{
		{Delta: "<call><name>ping</name></call>"},
		{Done: true},
	}
	r := bridge.newReassembler(context.Background(), newMockStream(events), "m", nil)
	collectChunks(t, r)

	var extractions []CallExtractionData
	for _, data := range captured {
		if d, ok := data.(CallExtractionData); ok {
			extractions = append(extractions, d)
		}
	}
	require.Len(t, extractions, 1)
	assert.Equal(t, "ping", extractions[0].ToolName)
	assert.True(t, extractions[0].Streaming)
}
