package chainbridge

import (
	"context"
	"sync"
)

// mockBackend implements Backend for testing. It records every request
// it receives and answers from configurable functions.
type mockBackend struct {
	mu         sync.Mutex
	requests   []*BackendRequest
	completeFn func(ctx context.Context, req *BackendRequest) (*BackendResponse, error)
	streamFn   func(ctx context.Context, req *BackendRequest) (BackendStream, error)
}

func (m *mockBackend) Complete(ctx context.Context, req *BackendRequest) (*BackendResponse, error) {
	m.record(req)
	if m.completeFn == nil {
		return &BackendResponse{}, nil
	}
	return m.completeFn(ctx, req)
}

func (m *mockBackend) Stream(ctx context.Context, req *BackendRequest) (BackendStream, error) {
	m.record(req)
	if m.streamFn == nil {
		return newMockStream(nil), nil
	}
	return m.streamFn(ctx, req)
}

func (m *mockBackend) record(req *BackendRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
}

func (m *mockBackend) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockBackend) request(i int) *BackendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// mockStream implements BackendStream over a fixed event slice. An
// optional transport error surfaces after the events run out.
type mockStream struct {
	mu           sync.Mutex
	events       []BackendEvent
	index        int
	transportErr error
	closed       bool
}

func newMockStream(events []BackendEvent) *mockStream {
	return &mockStream{events: events, index: -1}
}

func newMockStreamWithError(events []BackendEvent, err error) *mockStream {
	return &mockStream{events: events, index: -1, transportErr: err}
}

func (m *mockStream) Next() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.index++
	return m.index < len(m.events)
}

func (m *mockStream) Current() BackendEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index < 0 || m.index >= len(m.events) {
		return BackendEvent{}
	}
	return m.events[m.index]
}

func (m *mockStream) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportErr
}

func (m *mockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// mockRecorder implements Recorder, delivering records on channels so
// tests can wait for the fire-and-forget writes to land.
type mockRecorder struct {
	turns   chan TurnRecord
	results chan ResultRecord
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		turns:   make(chan TurnRecord, 8),
		results: make(chan ResultRecord, 8),
	}
}

func (m *mockRecorder) RecordTurn(ctx context.Context, rec TurnRecord) error {
	m.turns <- rec
	return nil
}

func (m *mockRecorder) RecordResult(ctx context.Context, rec ResultRecord) error {
	m.results <- rec
	return nil
}
