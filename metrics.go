package chainbridge

import "time"

// MetricEvent identifies the kind of metric event being emitted.
type MetricEvent string

const (
	// MetricEventToolTransformation fires when tool definitions are
	// rendered into the backend's embedded markup block.
	MetricEventToolTransformation MetricEvent = "tool_transformation"

	// MetricEventCallExtraction fires when a tool call is parsed out of
	// backend-generated text, streaming or not.
	MetricEventCallExtraction MetricEvent = "call_extraction"

	// MetricEventTurnCompletion fires when a turn settles, successfully
	// or not.
	MetricEventTurnCompletion MetricEvent = "turn_completion"
)

// MetricEventData is implemented by all metric event payloads. The
// interface lets callbacks type-switch on concrete event types while
// keeping a single callback signature.
type MetricEventData interface {
	EventType() MetricEvent
}

// PerformanceMetrics carries timing information attached to most
// events. Instances are immutable after creation; the SubOperations map
// is built fresh per event and never modified afterwards, so callbacks
// may read it from any goroutine.
type PerformanceMetrics struct {
	ProcessingDuration time.Duration            `json:"processing_duration"`
	SubOperations      map[string]time.Duration `json:"sub_operations,omitempty"`
}

// ToolTransformationData describes one schema-to-markup transformation.
type ToolTransformationData struct {
	ToolCount    int                `json:"tool_count"`
	ToolNames    []string           `json:"tool_names"`
	PromptLength int                `json:"prompt_length"`
	Performance  PerformanceMetrics `json:"performance"`
}

func (d ToolTransformationData) EventType() MetricEvent {
	return MetricEventToolTransformation
}

// CallExtractionData describes one tool-call extraction from backend
// text.
type CallExtractionData struct {
	ToolName      string             `json:"tool_name"`
	ContentLength int                `json:"content_length"`
	Streaming     bool               `json:"streaming"`
	Performance   PerformanceMetrics `json:"performance"`
}

func (d CallExtractionData) EventType() MetricEvent {
	return MetricEventCallExtraction
}

// TurnCompletionData describes one settled turn.
type TurnCompletionData struct {
	ConversationID string             `json:"conversation_id"`
	TurnID         string             `json:"turn_id"`
	Streaming      bool               `json:"streaming"`
	FinishReason   string             `json:"finish_reason"`
	Usage          TokenUsage         `json:"usage"`
	ErrorCode      ErrorCode          `json:"error_code,omitempty"`
	Performance    PerformanceMetrics `json:"performance"`
}

func (d TurnCompletionData) EventType() MetricEvent {
	return MetricEventTurnCompletion
}
