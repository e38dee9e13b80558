package chainbridge

import (
	"context"
	"time"
)

// BackendRequest is the single payload the orchestrator builds per
// turn: the continuity pointer plus only the newest unsent turns. The
// backend replays nothing; history lives on its side of the chain.
type BackendRequest struct {
	// ChatID is the backend chat identity. Empty on the first turn of a
	// conversation; the backend creates the chat and reports its ID.
	ChatID string

	// ParentID is the tail pointer: the backend message this turn
	// chains onto. Empty means no prior turns, start fresh.
	ParentID string

	Model  string
	Stream bool

	// Turns are the new turns only. The first turn of a conversation
	// carries the injected tool-schema block in its system turn;
	// subsequent turns must not re-inject it.
	Turns []ChatTurn
}

// BackendResponse is a complete non-streaming backend reply. MessageID
// is the canonical tail pointer: the wire protocol's dual naming of
// this field is normalized by the transport before it gets here.
type BackendResponse struct {
	ChatID    string
	MessageID string
	Content   string
	Usage     TokenUsage
}

// TokenUsage carries the backend's token accounting for one turn.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// BackendEvent is one unit of the backend's streamed event protocol.
// The first event of a stream carries the chat and message identities;
// delta events carry text; the terminal event carries Done with usage,
// or ErrMessage when the backend reports a failure.
type BackendEvent struct {
	ChatID     string
	MessageID  string
	Delta      string
	Done       bool
	Usage      *TokenUsage
	ErrMessage string
}

// BackendStream is a pull-based backend event stream, mirroring the
// consumption pattern of SDK streaming responses: Next advances, Current
// returns the event, Err reports a transport failure after Next returns
// false, Close releases the connection (and cancels generation when the
// transport supports cooperative cancellation).
type BackendStream interface {
	Next() bool
	Current() BackendEvent
	Err() error
	Close() error
}

// Backend is the upstream model service. Implementations must honor
// context cancellation on both methods; the orchestrator bounds every
// call with a timeout.
type Backend interface {
	Complete(ctx context.Context, req *BackendRequest) (*BackendResponse, error)
	Stream(ctx context.Context, req *BackendRequest) (BackendStream, error)
}

// TurnRecord is the audit snapshot taken before a backend call.
type TurnRecord struct {
	TurnID         string
	ConversationID string
	ClientRequest  []byte
	BackendRequest []byte
}

// ResultRecord is the audit snapshot taken after a turn settles.
type ResultRecord struct {
	TurnID   string
	Response []byte
	TailID   string
	Usage    TokenUsage
	Duration time.Duration
	ErrText  string
}

// Recorder archives turns for audit. Calls are best-effort and
// fire-and-forget: the orchestrator invokes them off the request path,
// recovers panics, and logs errors without failing the turn. Delivery
// is not exactly-once.
type Recorder interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordResult(ctx context.Context, rec ResultRecord) error
}
