package handlers

import (
	"bufio"
	"io"
	"strings"
)

// jsonFrameReader parses the bridge's SSE stream: data: lines accumulate a
// JSON document, a blank line terminates one frame, [DONE] ends the stream.
type jsonFrameReader struct {
	scanner *bufio.Scanner
	buf     strings.Builder
	done    bool
}

func newJSONFrameReader(r io.Reader) *jsonFrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &jsonFrameReader{scanner: scanner}
}

func (f *jsonFrameReader) Next() ([]byte, error) {
	if f.done {
		return nil, io.EOF
	}
	for f.scanner.Scan() {
		line := f.scanner.Text()
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(line[5:])
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				f.done = true
				return nil, io.EOF
			}
			f.buf.WriteString(payload)
			continue
		}
		if strings.TrimSpace(line) == "" && f.buf.Len() > 0 {
			frame := f.buf.String()
			f.buf.Reset()
			return []byte(frame), nil
		}
	}
	f.done = true
	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
