package chainbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatToolResult(t *testing.T) {
	testCases := []struct {
		name     string
		result   ToolResult
		expected string
	}{
		{
			name:     "NormalOutput",
			result:   ToolResult{Name: "read", Output: "line one\nline two"},
			expected: "Result from read:\nline one\nline two",
		},
		{
			name:     "EmptyOutputGetsMarker",
			result:   ToolResult{Name: "delete", Output: ""},
			expected: "Result from delete:\n" + EmptyResultMarker,
		},
		{
			name:     "WhitespaceOnlyGetsMarker",
			result:   ToolResult{Name: "touch", Output: "   \n\t  "},
			expected: "Result from touch:\n" + EmptyResultMarker,
		},
		{
			name:     "WhitespacePaddedOutputKept",
			result:   ToolResult{Name: "cat", Output: "  data  "},
			expected: "Result from cat:\n  data  ",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			turn := FormatToolResult(tc.result)
			assert.Equal(t, RoleUser, turn.Role)
			assert.Equal(t, tc.expected, turn.Text)
		})
	}
}
