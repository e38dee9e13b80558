package gateway

import (
	"fmt"

	"github.com/openai/openai-go/v3"
)

// chatRequest is the accepted POST /v1/chat/completions body. Message
// content is accepted as a plain string only; array-of-parts content
// is not part of this surface.
type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// errorResponse mirrors the OpenAI error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// toParams translates the wire request into SDK params.
func (r *chatRequest) toParams(defaultModel string) (openai.ChatCompletionNewParams, error) {
	model := r.Model
	if model == "" {
		model = defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(r.Messages)),
	}

	for i, msg := range r.Messages {
		switch msg.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case "user":
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		case "assistant":
			params.Messages = append(params.Messages, assistantParam(msg))
		case "tool":
			if msg.ToolCallID == "" {
				return params, fmt.Errorf("messages[%d]: tool message requires tool_call_id", i)
			}
			params.Messages = append(params.Messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return params, fmt.Errorf("messages[%d]: unsupported role %q", i, msg.Role)
		}
	}

	for i, tool := range r.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return params, fmt.Errorf("tools[%d]: unsupported type %q", i, tool.Type)
		}
		def := openai.FunctionDefinitionParam{
			Name:       tool.Function.Name,
			Parameters: tool.Function.Parameters,
		}
		if tool.Function.Description != "" {
			def.Description = openai.String(tool.Function.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(def))
	}

	return params, nil
}

func assistantParam(msg chatMessage) openai.ChatCompletionMessageParamUnion {
	assistant := &openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		},
	}
	for _, call := range msg.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: assistant}
}
