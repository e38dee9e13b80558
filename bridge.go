package chainbridge

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Bridge is the protocol-translation façade: one instance serves all
// conversations.
//
// THREAD SAFETY: Bridge instances are safe for concurrent use by
// multiple goroutines. Configuration fields are immutable after New;
// the conversation table carries its own locking; sync.Pool handles
// concurrent buffer access internally. Reassembler values returned by
// StreamCompletion are single-consumer and NOT thread-safe.
type Bridge struct {
	bufferPool      sync.Pool
	promptTemplate  string
	logger          *slog.Logger
	metricsCallback func(MetricEventData)

	conversations *ConversationTable
	backend       Backend
	recorder      Recorder

	backendTimeout      time.Duration
	streamBufferLimit   int
	bufferPoolThreshold int
	redactArguments     bool
}

// New creates a Bridge with the supplied options. A backend must be
// configured via WithBackend before handling turns; everything else has
// working defaults.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		promptTemplate:      DefaultPromptTemplate,
		logger:              discardLogger(),
		conversations:       NewConversationTable(),
		backendTimeout:      DefaultBackendTimeout,
		streamBufferLimit:   DefaultStreamBufferLimit,
		bufferPoolThreshold: DefaultBufferPoolThreshold,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.bufferPool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, 1024))
		},
	}

	return b
}

// Conversations exposes the continuity table, mainly for tests and for
// operational introspection.
func (b *Bridge) Conversations() *ConversationTable {
	return b.conversations
}

// putBufferToPool returns a buffer to the pool unless it has grown past
// the reuse threshold, in which case it is left for garbage collection
// so the pool cannot grow unbounded.
func (b *Bridge) putBufferToPool(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() <= b.bufferPoolThreshold {
		b.bufferPool.Put(buf)
	}
}

// emitMetric invokes the configured metrics callback, shielding the
// turn from panics in user code. Metrics are auxiliary; their failure
// must never affect request processing.
func (b *Bridge) emitMetric(data MetricEventData) {
	if b.metricsCallback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Metrics callback panicked - metrics collection failed but operation continues",
				"panic", r,
				"event_type", data.EventType())
		}
	}()
	b.metricsCallback(data)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))
}
