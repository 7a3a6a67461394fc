package upstream

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line; upstream events can carry large
// base64 payloads on one data line.
const maxSSELine = 4 * 1024 * 1024

// FrameReader 解析上游 SSE 事件流
// Accumulates data: lines until a blank line terminates one event, then
// decodes the payload. A literal [DONE] payload ends the stream.
type FrameReader struct {
	scanner *bufio.Scanner
	buf     strings.Builder
	done    bool
}

func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)
	return &FrameReader{scanner: scanner}
}

// Next returns the next decoded event payload. Undecodable frames are
// skipped. Returns io.EOF when the stream ends or [DONE] is seen.
func (f *FrameReader) Next() ([]byte, error) {
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
			raw, ok := DecodePayload(f.buf.String())
			f.buf.Reset()
			if !ok {
				continue
			}
			return raw, nil
		}
	}
	f.done = true
	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// DecodePayload decodes an accumulated event payload: whitespace stripped,
// hex when the string is entirely hex digits, otherwise base64url (then
// plain base64) with pad repair.
func DecodePayload(s string) ([]byte, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return nil, false
	}

	if isHex(cleaned) {
		if raw, err := hex.DecodeString(cleaned); err == nil {
			return raw, true
		}
	}

	padded := cleaned
	if rem := len(padded) % 4; rem != 0 {
		padded += strings.Repeat("=", 4-rem)
	}
	if raw, err := base64.URLEncoding.DecodeString(padded); err == nil {
		return raw, true
	}
	if raw, err := base64.StdEncoding.DecodeString(padded); err == nil {
		return raw, true
	}
	return nil, false
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
