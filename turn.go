// Package chainbridge translates between the OpenAI chat-completion wire
// protocol (structured tool calls, full-history replay, SSE deltas) and a
// backend that only understands XML-embedded tool invocations and a
// parent-message-chain conversation model.
//
// CONCURRENCY SUMMARY:
//   - Bridge: thread-safe, can be shared across goroutines
//   - Reassembler: NOT thread-safe, single-consumer design
//   - Extractor/transformer functions: thread-safe, stateless operations
package chainbridge

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TurnRole identifies who authored a ChatTurn.
type TurnRole string

const (
	RoleSystem    TurnRole = "system"
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ChatTurn is the wire-neutral intermediate form of one conversation
// unit. The orchestrator translates client messages into ChatTurns, and
// ChatTurns into exactly one backend payload. Note there is no tool
// role: the backend has no such concept, so tool results are rendered
// as user turns by FormatToolResult.
type ChatTurn struct {
	Role  TurnRole
	Text  string
	Calls []ToolCall // assistant turns only
}

// ToolCall is a structured tool invocation extracted from backend text.
// The ID is generated locally; the backend does not supply one.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ArgumentsJSON renders the argument map as the JSON string the client
// wire protocol expects. A call with no arguments renders as "null",
// matching how SDKs represent parameterless calls.
func (c *ToolCall) ArgumentsJSON() string {
	if c.Arguments == nil {
		return "null"
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return "null"
	}
	return string(data)
}

// ToolResult is a client-supplied tool execution result, matched to a
// prior ToolCall by ID. Output may legitimately be empty.
type ToolResult struct {
	CallID string
	Name   string
	Output string
}

// NewCallID generates an opaque identifier for a tool call using
// UUIDv7: timestamp-prefixed for natural ordering, still fully random
// enough for collision resistance. Falls back to UUIDv4 when the clock
// or entropy source misbehaves.
func NewCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "call_" + id.String()
}
