package chainbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Call-block delimiters in backend-generated text.
const (
	callOpenTag  = "<call>"
	callCloseTag = "</call>"

	nameOpenTag  = "<name>"
	nameCloseTag = "</name>"
	argsOpenTag  = "<args>"
	argsCloseTag = "</args>"
)

// Tool name validation constants.
const (
	MaxToolNameLength = 64
	MaxPrefixLength   = 64
)

// Extraction is the result of scanning response text for an embedded
// tool invocation. When HasCall is false on a complete response the
// text is definitely plain prose; on a partial stream the same result
// means "not yet decided" and callers must keep buffering.
type Extraction struct {
	HasCall    bool
	TextBefore string
	Call       *ToolCall
}

// ExtractCall locates the first well-formed call block in text and
// parses it into a ToolCall with a freshly generated ID (the backend
// does not supply one). Everything before the block is prose for the
// user. Delimiters that are present but unparsable produce an
// ExtractionError alongside the full input as TextBefore, so callers
// can choose to surface raw text instead of crashing.
func ExtractCall(text string) (Extraction, error) {
	start := strings.Index(text, callOpenTag)
	if start == -1 {
		return Extraction{TextBefore: text}, nil
	}

	rel := strings.Index(text[start:], callCloseTag)
	if rel == -1 {
		return Extraction{TextBefore: text}, newBridgeError(ErrCodeExtraction, "call block opened but never closed")
	}

	body := text[start+len(callOpenTag) : start+rel]
	call, err := parseCallBody(body)
	if err != nil {
		return Extraction{TextBefore: text}, &BridgeError{Code: ErrCodeExtraction, Err: err}
	}

	return Extraction{
		HasCall:    true,
		TextBefore: text[:start],
		Call:       call,
	}, nil
}

// ProbeCallStart reports the index at which a call block starts, or may
// be starting, in partially accumulated text. A complete "<call>" match
// anywhere wins; otherwise a trailing partial prefix of the opener
// (e.g. the buffer ending in "<ca") is reported, because the next
// fragment may complete it. Returns -1 when the text definitely
// contains no block start, meaning everything is safe to emit.
func ProbeCallStart(text string) int {
	if i := strings.Index(text, callOpenTag); i >= 0 {
		return i
	}
	limit := len(callOpenTag) - 1
	if len(text) < limit {
		limit = len(text)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(text, callOpenTag[:n]) {
			return len(text) - n
		}
	}
	return -1
}

// HasCompleteCallBlock reports whether text contains both delimiters of
// a call block, i.e. the streaming path may stop buffering and run the
// full extractor.
func HasCompleteCallBlock(text string) bool {
	start := strings.Index(text, callOpenTag)
	return start >= 0 && strings.Contains(text[start:], callCloseTag)
}

// parseCallBody parses the inside of a call block: a mandatory <name>
// element followed by an optional <args> element whose flattened
// children are rebuilt into a nested argument map.
func parseCallBody(body string) (*ToolCall, error) {
	name, err := innerText(body, nameOpenTag, nameCloseTag)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if err := ValidateToolName(name); err != nil {
		return nil, err
	}

	call := &ToolCall{
		ID:   NewCallID(),
		Name: name,
	}

	argsStart := strings.Index(body, argsOpenTag)
	if argsStart == -1 {
		return call, nil
	}
	argsBody, err := innerText(body[argsStart:], argsOpenTag, argsCloseTag)
	if err != nil {
		return nil, err
	}

	args, err := parseArgs(argsBody)
	if err != nil {
		return nil, err
	}
	call.Arguments = args
	return call, nil
}

// innerText returns the text between the first open/close tag pair.
func innerText(s, open, close string) (string, error) {
	start := strings.Index(s, open)
	if start == -1 {
		return "", fmt.Errorf("missing %s element", open)
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, close)
	if end == -1 {
		return "", fmt.Errorf("unterminated %s element", open)
	}
	return rest[:end], nil
}

// parseArgs scans the flattened parameter elements inside <args> and
// reassembles them into a nested map, inverting the schema
// transformer's dotted-path flattening. Numeric path segments rebuild
// array elements.
func parseArgs(body string) (map[string]any, error) {
	args := make(map[string]any)
	pos := 0
	for {
		// Skip to the next element.
		open := strings.IndexByte(body[pos:], '<')
		if open == -1 {
			if strings.TrimSpace(body[pos:]) != "" {
				return nil, fmt.Errorf("stray text %q between argument elements", strings.TrimSpace(body[pos:]))
			}
			break
		}
		pos += open

		end := strings.IndexByte(body[pos:], '>')
		if end == -1 {
			return nil, errors.New("unterminated argument tag")
		}
		tag := body[pos+1 : pos+end]
		pos += end + 1

		// Self-closing element carries an empty value.
		if strings.HasSuffix(tag, "/") {
			path := strings.TrimSpace(strings.TrimSuffix(tag, "/"))
			if path == "" {
				return nil, errors.New("argument element with empty name")
			}
			if err := assignPath(args, path, ""); err != nil {
				return nil, err
			}
			continue
		}

		if tag == "" || strings.HasPrefix(tag, "/") {
			return nil, fmt.Errorf("unexpected tag %q inside args", tag)
		}

		closer := "</" + tag + ">"
		valEnd := strings.Index(body[pos:], closer)
		if valEnd == -1 {
			return nil, fmt.Errorf("unterminated argument element %q", tag)
		}
		value := body[pos : pos+valEnd]
		pos += valEnd + len(closer)

		if err := assignPath(args, tag, parseScalar(value)); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// assignPath writes value into args at the dotted path, creating
// intermediate maps and arrays as needed.
func assignPath(args map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	updated, err := assignSegments(args, segments, value)
	if err != nil {
		return fmt.Errorf("argument %q: %w", path, err)
	}
	if _, ok := updated.(map[string]any); !ok {
		return fmt.Errorf("argument %q: top-level segment cannot be an array index", path)
	}
	return nil
}

func assignSegments(container any, segments []string, value any) (any, error) {
	if len(segments) == 0 {
		return value, nil
	}
	seg := segments[0]

	if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
		arr, ok := container.([]any)
		if container != nil && !ok {
			return nil, fmt.Errorf("segment %q indexes a non-array value", seg)
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		child, err := assignSegments(arr[idx], segments[1:], value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, ok := container.(map[string]any)
	if container == nil {
		m = make(map[string]any)
	} else if !ok {
		return nil, fmt.Errorf("segment %q addresses a non-object value", seg)
	}
	child, err := assignSegments(m[seg], segments[1:], value)
	if err != nil {
		return nil, err
	}
	m[seg] = child
	return m, nil
}

// parseScalar types a leaf value by JSON-literal parsing: numbers,
// booleans, and null come back typed, everything else stays a string.
// The backend markup carries no type annotations, so this heuristic is
// the best available without threading tool schemas into the extractor.
func parseScalar(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	var n json.Number
	if err := json.Unmarshal([]byte(trimmed), &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return raw
}

func isAlphaNumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isToolNameChar(r rune) bool {
	return isAlphaNumeric(r) || r == '_' || r == '-'
}

// ValidateToolName validates a tool name against the wire contract:
// 1-64 characters of [a-zA-Z0-9_-], optionally prefixed by an
// alphanumeric namespace and a single period (server-prefixed tools).
func ValidateToolName(name string) error {
	if name == "" {
		return errors.New("tool name validation failed: name cannot be empty")
	}

	dotCount := 0
	dotIndex := -1
	for i, r := range name {
		if r == '.' {
			dotCount++
			dotIndex = i
		}
	}
	if dotCount > 1 {
		return fmt.Errorf("tool name validation failed: name %q contains %d periods but only one is allowed for namespace prefixes", name, dotCount)
	}

	if dotIndex != -1 {
		if len(name) > MaxToolNameLength {
			return fmt.Errorf("tool name validation failed: prefixed name %q exceeds %d characters", name, MaxToolNameLength)
		}
		prefix, funcName := name[:dotIndex], name[dotIndex+1:]
		if prefix == "" || funcName == "" {
			return fmt.Errorf("tool name validation failed: empty prefix or name part in %q", name)
		}
		if len(prefix) > MaxPrefixLength {
			return fmt.Errorf("tool name validation failed: prefix %q exceeds %d characters", prefix, MaxPrefixLength)
		}
		for _, r := range prefix {
			if !isAlphaNumeric(r) {
				return fmt.Errorf("tool name validation failed: prefix %q must only contain letters and numbers", prefix)
			}
		}
		name = funcName
	}

	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name validation failed: name %q exceeds %d characters", name, MaxToolNameLength)
	}
	for _, r := range name {
		if !isToolNameChar(r) {
			return fmt.Errorf("tool name validation failed: name %q contains invalid characters, must match ^[a-zA-Z0-9_-]{1,64}$", name)
		}
	}
	return nil
}
