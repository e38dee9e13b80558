package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/openai/openai-go/v3"

	"github.com/rixdale/chainbridge"
	"github.com/rixdale/chainbridge/internal/trace"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.Tracer().Start(r.Context(), "chat.completion")
	defer span.End()
	r = r.WithContext(ctx)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "messages is required")
		return
	}

	params, err := req.toParams(s.model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	if req.Stream {
		s.streamCompletion(w, r, params)
		return
	}

	completion, err := s.bridge.Completion(r.Context(), params)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(completion); err != nil {
		s.logger.Warn("Failed to write completion response", "error", err)
	}
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, params openai.ChatCompletionNewParams) {
	stream, err := s.bridge.StreamCompletion(r.Context(), params)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	defer stream.Close()

	sse := NewSSEWriter(w)
	for stream.Next() {
		chunk := stream.Current()
		if err := sse.Send(chunk); err != nil {
			// Client gone; Close settles the turn.
			s.logger.Debug("Client disconnected mid-stream", "error", err)
			return
		}
	}

	if err := stream.Err(); err != nil {
		// Transport ruptures produce no in-band finish delta; send one so
		// the client sees the same terminal shape as a backend-reported
		// failure.
		s.logger.Error("Stream failed", "error_code", chainbridge.CodeOf(err), "error", err)
		if sendErr := sse.Send(stream.ErrorChunk()); sendErr == nil {
			_ = sse.Done()
		}
		return
	}
	if err := sse.Done(); err != nil {
		s.logger.Debug("Client disconnected before [DONE]", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// writeBridgeError maps bridge error codes onto HTTP statuses.
func (s *Server) writeBridgeError(w http.ResponseWriter, err error) {
	code := chainbridge.CodeOf(err)
	status := http.StatusBadGateway
	errType := "api_error"
	switch code {
	case chainbridge.ErrCodeSchema:
		status = http.StatusBadRequest
		errType = "invalid_request_error"
	case chainbridge.ErrCodeCancelled:
		// Client went away; nothing useful to write.
		status = http.StatusBadRequest
	}
	s.logger.Error("Turn failed", "error_code", code, "error", err)
	writeError(w, status, errType, string(code), err.Error())
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	})
}
