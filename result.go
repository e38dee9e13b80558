package chainbridge

import (
	"fmt"
	"strings"
)

// EmptyResultMarker replaces tool output that is empty or whitespace.
// Several backend models interpret a truly empty turn as a loop signal
// and repeat the call indefinitely, so a silent success must always be
// spelled out.
const EmptyResultMarker = "(completed with no output)"

// FormatToolResult converts a client-supplied tool execution result
// into the single conversational turn the backend expects. The backend
// protocol has no tool role, so the result is rendered as a user turn.
func FormatToolResult(result ToolResult) ChatTurn {
	body := result.Output
	if strings.TrimSpace(body) == "" {
		body = EmptyResultMarker
	}
	return ChatTurn{
		Role: RoleUser,
		Text: fmt.Sprintf("Result from %s:\n%s", result.Name, body),
	}
}
