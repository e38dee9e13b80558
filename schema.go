package chainbridge

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/openai/openai-go/v3"
)

// BuildToolPrompt renders an ordered list of client tool definitions as
// the backend's embedded markup block, wrapped in the configured prompt
// template. Declaration order is preserved: the backend matches calls
// by name, but deterministic output keeps the injected prompt stable
// across retries of the same request.
//
// The only rejected input is a function definition without a name. That
// is a caller contract violation, not a runtime condition to recover
// from, so it fails before any backend call.
func (b *Bridge) BuildToolPrompt(ctx context.Context, tools []openai.ChatCompletionToolUnionParam) (string, error) {
	if len(tools) == 0 {
		return "", nil
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	startTime := time.Now()

	buf := b.bufferPool.Get().(*bytes.Buffer)
	defer b.putBufferToPool(buf)

	buf.WriteString("<tools>\n")
	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		function := tool.GetFunction()
		if function == nil {
			continue
		}
		if function.Name == "" {
			return "", newBridgeError(ErrCodeSchema, "tool definition has no name")
		}
		toolNames = append(toolNames, function.Name)

		buf.WriteString("<tool>\n")
		fmt.Fprintf(buf, "<name>%s</name>\n", function.Name)
		if desc := function.Description.Or(""); desc != "" {
			fmt.Fprintf(buf, "<description>%s</description>\n", desc)
		}
		if function.Parameters != nil {
			writeFlattenedParams(buf, "", map[string]any(function.Parameters))
		}
		buf.WriteString("</tool>\n")
	}
	buf.WriteString("</tools>")

	prompt := fmt.Sprintf(b.promptTemplate, buf.String())

	b.logger.Debug("Built tool prompt",
		"tool_count", len(tools),
		"prompt_length", len(prompt),
		"build_duration", time.Since(startTime))

	b.emitMetric(ToolTransformationData{
		ToolCount:    len(tools),
		ToolNames:    toolNames,
		PromptLength: len(prompt),
		Performance: PerformanceMetrics{
			ProcessingDuration: time.Since(startTime),
		},
	})

	return prompt, nil
}

// writeFlattenedParams renders one JSON-schema object level as a flat
// <param> list. Nested objects recurse with dotted path prefixes;
// array-of-object parameters recurse under "<name>.0" so the extractor
// can rebuild indices into arrays. Property order inside a level is
// sorted by name since Go maps do not preserve declaration order, which
// keeps repeated renders of the same schema byte-identical.
func writeFlattenedParams(buf *bytes.Buffer, prefix string, schema map[string]any) {
	properties, _ := schema["properties"].(map[string]any)
	if len(properties) == 0 {
		return
	}
	required := requiredSet(schema)

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, _ := properties[name].(map[string]any)
		if prop == nil {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		propType, _ := prop["type"].(string)
		switch propType {
		case "object":
			writeFlattenedParams(buf, path, prop)
			continue
		case "array":
			items, _ := prop["items"].(map[string]any)
			if itemType, _ := items["type"].(string); itemType == "object" {
				writeFlattenedParams(buf, path+".0", items)
				continue
			}
			writeParamLine(buf, path, "array", required[name], prop)
			continue
		}

		if enum := enumLabel(prop); enum != "" {
			writeParamLine(buf, path, enum, required[name], prop)
			continue
		}
		if propType == "" {
			propType = "string"
		}
		writeParamLine(buf, path, propType, required[name], prop)
	}
}

func writeParamLine(buf *bytes.Buffer, path, typ string, required bool, prop map[string]any) {
	fmt.Fprintf(buf, `<param name="%s" type="%s"`, path, typ)
	if required {
		buf.WriteString(` required="true"`)
	}
	if desc, _ := prop["description"].(string); desc != "" {
		fmt.Fprintf(buf, ">%s</param>\n", desc)
		return
	}
	buf.WriteString("/>\n")
}

// enumLabel renders enum values as "enum(a|b|c)", or "" when the
// property carries no enum.
func enumLabel(prop map[string]any) string {
	values, ok := prop["enum"].([]any)
	if !ok || len(values) == 0 {
		return ""
	}
	label := "enum("
	for i, v := range values {
		if i > 0 {
			label += "|"
		}
		label += fmt.Sprint(v)
	}
	return label + ")"
}

func requiredSet(schema map[string]any) map[string]bool {
	set := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range req {
			set[s] = true
		}
	}
	return set
}

// hasTool reports whether the request declares a tool named name.
func hasTool(tools []openai.ChatCompletionToolUnionParam, name string) bool {
	return slices.ContainsFunc(tools, func(t openai.ChatCompletionToolUnionParam) bool {
		f := t.GetFunction()
		return f != nil && f.Name == name
	})
}
