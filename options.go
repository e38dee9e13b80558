package chainbridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultPromptTemplate wraps the rendered tool block in the
	// instructions the backend models respond to reliably. It must
	// contain exactly one %s placeholder for the tool block.
	DefaultPromptTemplate = `You have access to the tools listed below. To invoke one, emit a single block of the form <call><name>tool_name</name><args><param>value</param></args></call> and stop generating after it. Use dotted parameter names for nested values, e.g. <filter.limit>10</filter.limit>. When no tool is needed, answer in plain language and emit no call block.

%s`

	// DefaultBackendTimeout bounds one backend call. On timeout the turn
	// fails and the tail pointer stays where it was.
	DefaultBackendTimeout = 120 * time.Second

	// DefaultStreamBufferLimit caps how much text the reassembler will
	// hold while waiting for a call block to close.
	DefaultStreamBufferLimit = 10 * 1024 * 1024

	// DefaultBufferPoolThreshold caps the size of prompt-building
	// buffers returned to the pool; larger ones are left for GC.
	DefaultBufferPoolThreshold = 64 * 1024
)

// Option configures a Bridge. Options validate their own input and fall
// back to defaults on bad values rather than failing construction.
type Option func(*Bridge)

// WithLogger sets a custom slog.Logger. Passing nil installs a no-op
// logger, matching the default.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger == nil {
			b.logger = discardLogger()
			return
		}
		b.logger = logger
	}
}

// WithLogLevel installs a discard-backed logger at the given level.
// Convenience for tests; production callers should use WithLogger.
func WithLogLevel(level slog.Level) Option {
	return func(b *Bridge) {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: level,
		}))
	}
}

// WithMetricsCallback registers a callback for metric events. The
// callback runs synchronously on the request path, so it should be
// fast; panics inside it are recovered and logged without affecting the
// turn.
func WithMetricsCallback(callback func(MetricEventData)) Option {
	return func(b *Bridge) {
		b.metricsCallback = callback
	}
}

// WithPromptTemplate overrides the default tool prompt template. The
// template must contain exactly one %s placeholder; invalid templates
// are rejected with a warning and the default is kept.
func WithPromptTemplate(template string) Option {
	return func(b *Bridge) {
		if template == "" {
			b.logger.Warn("Empty prompt template provided, using default")
			return
		}
		if err := validatePromptTemplate(template); err != nil {
			b.logger.Warn("Invalid prompt template, using default", "error", err)
			return
		}
		b.promptTemplate = template
	}
}

// WithBackend sets the upstream model service.
func WithBackend(backend Backend) Option {
	return func(b *Bridge) {
		b.backend = backend
	}
}

// WithRecorder sets the audit persistence collaborator. Without one,
// turns are not archived.
func WithRecorder(recorder Recorder) Option {
	return func(b *Bridge) {
		b.recorder = recorder
	}
}

// WithBackendTimeout bounds each backend call. Non-positive values keep
// the default.
func WithBackendTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout <= 0 {
			b.logger.Warn("Non-positive backend timeout ignored",
				"supplied_timeout", timeout,
				"kept_timeout", b.backendTimeout)
			return
		}
		b.backendTimeout = timeout
	}
}

// WithStreamBufferLimit caps the reassembler's accumulation buffer.
// When exceeded, buffered text is flushed as plain content instead of
// continuing to wait for a call block to close.
func WithStreamBufferLimit(limitBytes int) Option {
	return func(b *Bridge) {
		if limitBytes > 0 {
			b.streamBufferLimit = limitBytes
		}
	}
}

// WithSensitiveArguments marks tool arguments as sensitive: they are
// never written to logs, only their lengths.
func WithSensitiveArguments(sensitive bool) Option {
	return func(b *Bridge) {
		b.redactArguments = sensitive
	}
}

// validatePromptTemplate ensures the template can be used safely with
// fmt.Sprintf before it ever reaches a request.
func validatePromptTemplate(template string) error {
	placeholders := strings.Count(template, "%s")
	if placeholders == 0 {
		return errors.New("template validation failed: template must contain exactly one %%s placeholder for the tool block")
	}
	if placeholders > 1 {
		return fmt.Errorf("template validation failed: template contains %d %%s placeholders but exactly one is required", placeholders)
	}
	if fmt.Sprintf(template, "test") == template {
		return errors.New("template validation failed: %%s placeholder was not processed during formatting test")
	}
	return nil
}
