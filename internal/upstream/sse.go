package upstream

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds a single SSE line. Backend deltas are small; a
// line this large means a broken peer.
const maxEventSize = 10 * 1024 * 1024

const doneMarker = "[DONE]"

// sseReader reads "data:" events off an SSE body. Comment lines, blank
// separators, and non-data fields are skipped; the [DONE] sentinel ends
// the stream cleanly.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	current string
	err     error
	done    bool
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 32*1024), maxEventSize)
	return &sseReader{body: body, scanner: scanner}
}

// Next advances to the next data event, returning false at end of
// stream or on error.
func (r *sseReader) Next() bool {
	if r.done {
		return false
	}
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:, id:, retry: fields carry nothing we use.
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == doneMarker {
			r.done = true
			return false
		}
		r.current = data
		return true
	}
	r.err = r.scanner.Err()
	r.done = true
	return false
}

// Data returns the payload of the current event.
func (r *sseReader) Data() string {
	return r.current
}

// Err returns the first transport error, nil on clean end of stream.
func (r *sseReader) Err() error {
	return r.err
}

// Close closes the underlying body.
func (r *sseReader) Close() error {
	return r.body.Close()
}
