// Package upstream implements the HTTP client for the parent-chain
// chat backend. The backend keeps conversation history server-side:
// each request carries a chat identifier plus the parent message to
// append under, and each response reports the new tail message.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rixdale/chainbridge"
)

const chatPath = "/api/chat"

// Client talks to one backend deployment. It implements
// chainbridge.Backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a backend client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wireMessage is one turn on the backend wire.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireRequest is the POST /api/chat body. ParentID is null when the
// request starts a new chain.
type wireRequest struct {
	ChatID   string        `json:"chat_id,omitempty"`
	ParentID *string       `json:"parent_id"`
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []wireMessage `json:"messages"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// wireResponse is the non-streaming response body. Backend builds
// disagree on the tail field name, so both spellings are accepted and
// normalized here; nothing past this package sees the alias.
type wireResponse struct {
	ChatID    string     `json:"chat_id"`
	MessageID string     `json:"message_id"`
	LastMsgID string     `json:"last_msg_id"`
	Content   string     `json:"content"`
	Usage     *wireUsage `json:"usage"`
}

func (r *wireResponse) tailID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.LastMsgID
}

// wireEvent is one SSE data payload on a streaming response.
type wireEvent struct {
	ChatID    string     `json:"chat_id,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	LastMsgID string     `json:"last_msg_id,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *wireUsage `json:"usage,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (e *wireEvent) tailID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.LastMsgID
}

func translateUsage(u *wireUsage) chainbridge.TokenUsage {
	if u == nil {
		return chainbridge.TokenUsage{}
	}
	return chainbridge.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func buildWireRequest(req *chainbridge.BackendRequest) *wireRequest {
	wr := &wireRequest{
		ChatID: req.ChatID,
		Model:  req.Model,
		Stream: req.Stream,
	}
	if req.ParentID != "" {
		parent := req.ParentID
		wr.ParentID = &parent
	}
	wr.Messages = make([]wireMessage, len(req.Turns))
	for i, turn := range req.Turns {
		wr.Messages[i] = wireMessage{
			Role:    string(turn.Role),
			Content: turn.Text,
		}
	}
	return wr
}

func (c *Client) newRequest(ctx context.Context, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// errorBody reads a bounded slice of a failed response for diagnostics.
func errorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(bytes.TrimSpace(body))
}

// Complete sends one non-streaming turn and returns the full reply.
func (c *Client) Complete(ctx context.Context, req *chainbridge.BackendRequest) (*chainbridge.BackendResponse, error) {
	start := time.Now()

	httpReq, err := c.newRequest(ctx, buildWireRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decoding backend response: %w", err)
	}

	c.logger.Debug("Backend turn completed",
		"chat_id", wr.ChatID,
		"tail_id", wr.tailID(),
		"duration", time.Since(start))

	return &chainbridge.BackendResponse{
		ChatID:    wr.ChatID,
		MessageID: wr.tailID(),
		Content:   wr.Content,
		Usage:     translateUsage(wr.Usage),
	}, nil
}

// Stream sends one streaming turn. The returned stream must be closed
// by the caller; cancelling ctx also tears the connection down.
func (c *Client) Stream(ctx context.Context, req *chainbridge.BackendRequest) (chainbridge.BackendStream, error) {
	streamReq := *req
	streamReq.Stream = true

	httpReq, err := c.newRequest(ctx, buildWireRequest(&streamReq))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	return &eventStream{reader: newSSEReader(resp.Body)}, nil
}

// eventStream adapts the backend SSE feed to chainbridge.BackendStream.
type eventStream struct {
	reader  *sseReader
	current chainbridge.BackendEvent
	err     error
	done    bool
}

func (s *eventStream) Next() bool {
	if s.done {
		return false
	}
	for s.reader.Next() {
		var ev wireEvent
		if err := json.Unmarshal([]byte(s.reader.Data()), &ev); err != nil {
			s.err = fmt.Errorf("decoding stream event: %w", err)
			s.done = true
			return false
		}
		s.current = chainbridge.BackendEvent{
			ChatID:     ev.ChatID,
			MessageID:  ev.tailID(),
			Delta:      ev.Delta,
			Done:       ev.Done,
			ErrMessage: ev.Error,
		}
		if ev.Usage != nil {
			usage := translateUsage(ev.Usage)
			s.current.Usage = &usage
		}
		if ev.Done || ev.Error != "" {
			s.done = true
		}
		return true
	}
	s.err = s.reader.Err()
	s.done = true
	return false
}

func (s *eventStream) Current() chainbridge.BackendEvent {
	return s.current
}

func (s *eventStream) Err() error {
	return s.err
}

func (s *eventStream) Close() error {
	return s.reader.Close()
}
