package chainbridge

import (
	"strings"
	"testing"
)

// FuzzExtractCall throws arbitrary text at the extractor. Whatever the
// input, it must not panic, and any successfully parsed call must carry
// a valid name and a generated ID.
func FuzzExtractCall(f *testing.F) {
	f.Add("plain prose with no markup")
	f.Add("<call><name>read</name><args><path>/tmp/x</path></args></call>")
	f.Add("<call><name>t</name><args><a.b.0>1</a.b.0></args></call>")
	f.Add("<call><name>broken")
	f.Add("<call></call>")
	f.Add("<call><name>t</name><args><x/></args></call>")
	f.Add("text <call> text </call> text")
	f.Add(strings.Repeat("<call>", 100))

	f.Fuzz(func(t *testing.T, input string) {
		extraction, err := ExtractCall(input)
		if err != nil {
			if extraction.TextBefore != input {
				t.Errorf("failed extraction must carry full input as TextBefore")
			}
			return
		}
		if !extraction.HasCall {
			if extraction.TextBefore != input {
				t.Errorf("no-call extraction must pass text through unchanged")
			}
			return
		}
		if err := ValidateToolName(extraction.Call.Name); err != nil {
			t.Errorf("extracted call has invalid name %q: %v", extraction.Call.Name, err)
		}
		if !strings.HasPrefix(extraction.Call.ID, "call_") {
			t.Errorf("extracted call ID %q missing prefix", extraction.Call.ID)
		}
	})
}
