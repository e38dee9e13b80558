package chainbridge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchTool() openai.ChatCompletionToolUnionParam {
	return openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        "search",
		Description: openai.String("Search things"),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Query text",
				},
				"filter": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"limit": map[string]any{"type": "integer"},
						"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"fast", "deep"},
				},
			},
			"required": []any{"query"},
		},
	})
}

func TestBuildToolPrompt_RendersFlattenedMarkup(t *testing.T) {
	bridge := New()

	prompt, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{searchTool()})
	require.NoError(t, err)

	expectedBlock := `<tools>
<tool>
<name>search</name>
<description>Search things</description>
<param name="filter.limit" type="integer"/>
<param name="filter.tags" type="array"/>
<param name="mode" type="enum(fast|deep)"/>
<param name="query" type="string" required="true">Query text</param>
</tool>
</tools>`

	assert.Equal(t, fmt.Sprintf(DefaultPromptTemplate, expectedBlock), prompt)
}

func TestBuildToolPrompt_Deterministic(t *testing.T) {
	bridge := New()
	tools := []openai.ChatCompletionToolUnionParam{searchTool()}

	first, err := bridge.BuildToolPrompt(context.Background(), tools)
	require.NoError(t, err)

	// Go map iteration order varies between renders; the output must not.
	for i := 0; i < 20; i++ {
		again, err := bridge.BuildToolPrompt(context.Background(), tools)
		require.NoError(t, err)
		require.Equal(t, first, again, "render %d differed", i)
	}
}

func TestBuildToolPrompt_ArrayOfObjects(t *testing.T) {
	bridge := New()
	tool := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name: "plan",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"action": map[string]any{"type": "string"},
							"weight": map[string]any{"type": "number"},
						},
					},
				},
			},
		},
	})

	prompt, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{tool})
	require.NoError(t, err)

	assert.Contains(t, prompt, `<param name="steps.0.action" type="string"/>`)
	assert.Contains(t, prompt, `<param name="steps.0.weight" type="number"/>`)
}

// TestBuildToolPrompt_ExtractRoundTrip pins the two transformers
// together: a call synthesized from the exact paths the prompt renders
// must rebuild into the nested argument shape the schema described.
func TestBuildToolPrompt_ExtractRoundTrip(t *testing.T) {
	bridge := New()
	tool := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name: "deploy",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"service": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"replicas": map[string]any{"type": "integer"},
					},
				},
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"action": map[string]any{"type": "string"},
							"weight": map[string]any{"type": "number"},
						},
					},
				},
			},
		},
	})

	prompt, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{tool})
	require.NoError(t, err)

	paths := paramPaths(prompt)
	require.ElementsMatch(t,
		[]string{"service.name", "service.replicas", "steps.0.action", "steps.0.weight"},
		paths)

	values := map[string]string{
		"service.name":     "api",
		"service.replicas": "3",
		"steps.0.action":   "build",
		"steps.0.weight":   "0.5",
	}

	var sb strings.Builder
	sb.WriteString("<call><name>deploy</name><args>")
	for _, path := range paths {
		fmt.Fprintf(&sb, "<%s>%s</%s>", path, values[path], path)
	}
	// Further array elements reuse the rendered ".0" paths with the next
	// index.
	sb.WriteString("<steps.1.action>push</steps.1.action><steps.1.weight>1</steps.1.weight>")
	sb.WriteString("</args></call>")

	extraction, err := ExtractCall(sb.String())
	require.NoError(t, err)
	require.True(t, extraction.HasCall)
	assert.Equal(t, "deploy", extraction.Call.Name)
	assert.Equal(t, map[string]any{
		"service": map[string]any{"name": "api", "replicas": int64(3)},
		"steps": []any{
			map[string]any{"action": "build", "weight": 0.5},
			map[string]any{"action": "push", "weight": int64(1)},
		},
	}, extraction.Call.Arguments)
}

// paramPaths collects the name attribute of every rendered param line.
func paramPaths(prompt string) []string {
	var paths []string
	rest := prompt
	for {
		i := strings.Index(rest, `<param name="`)
		if i == -1 {
			return paths
		}
		rest = rest[i+len(`<param name="`):]
		j := strings.IndexByte(rest, '"')
		if j == -1 {
			return paths
		}
		paths = append(paths, rest[:j])
		rest = rest[j:]
	}
}

func TestBuildToolPrompt_EmptyToolList(t *testing.T) {
	bridge := New()
	prompt, err := bridge.BuildToolPrompt(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, prompt)
}

func TestBuildToolPrompt_MissingNameRejected(t *testing.T) {
	bridge := New()
	tool := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Parameters: map[string]any{"type": "object"},
	})

	_, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{tool})
	require.Error(t, err)
	assert.Equal(t, ErrCodeSchema, CodeOf(err))
}

func TestBuildToolPrompt_CancelledContext(t *testing.T) {
	bridge := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bridge.BuildToolPrompt(ctx, []openai.ChatCompletionToolUnionParam{searchTool()})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildToolPrompt_EmitsMetric(t *testing.T) {
	var captured []MetricEventData
	bridge := New(WithMetricsCallback(func(data MetricEventData) {
		captured = append(captured, data)
	}))

	_, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{searchTool()})
	require.NoError(t, err)

	require.Len(t, captured, 1)
	data, ok := captured[0].(ToolTransformationData)
	require.True(t, ok)
	assert.Equal(t, 1, data.ToolCount)
	assert.Equal(t, []string{"search"}, data.ToolNames)
	assert.Positive(t, data.PromptLength)
}

func TestBuildToolPrompt_CustomTemplate(t *testing.T) {
	bridge := New(WithPromptTemplate("TOOLS:\n%s\nEND"))

	prompt, err := bridge.BuildToolPrompt(context.Background(), []openai.ChatCompletionToolUnionParam{searchTool()})
	require.NoError(t, err)
	assert.Contains(t, prompt, "TOOLS:\n<tools>")
	assert.Contains(t, prompt, "</tools>\nEND")
}
