package upstream

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
	"testing"
)

func TestDecodePayloadAutodetect(t *testing.T) {
	raw := []byte{0x0a, 0x04, 0xde, 0xad, 0xbe, 0xef}

	tests := []struct {
		name  string
		input string
		want  []byte
		ok    bool
	}{
		{"hex", hex.EncodeToString(raw), raw, true},
		{"base64url no padding", base64.RawURLEncoding.EncodeToString(raw), raw, true},
		{"base64url padded", base64.URLEncoding.EncodeToString(raw), raw, true},
		{"whitespace interleaved", " " + hex.EncodeToString(raw)[:4] + "\n" + hex.EncodeToString(raw)[4:], raw, true},
		{"empty", "   ", nil, false},
		{"garbage", "!!!", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodePayload(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if tt.ok && !bytes.Equal(got, tt.want) {
				t.Fatalf("decoded %x, want %x", got, tt.want)
			}
		})
	}
}

func TestFrameReaderEventBoundaries(t *testing.T) {
	first := []byte{0x01, 0x02}
	second := []byte{0x03, 0x04, 0x05}
	stream := "data: " + hex.EncodeToString(first[:1]) +
		"\ndata: " + hex.EncodeToString(first[1:]) +
		"\n\n" +
		"data: " + base64.RawURLEncoding.EncodeToString(second) +
		"\n\n" +
		"data: [DONE]\n\n"

	fr := NewFrameReader(strings.NewReader(stream))

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("first frame = %x, want %x", got, first)
	}

	got, err = fr.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("second frame = %x, want %x", got, second)
	}

	if _, err = fr.Next(); err != io.EOF {
		t.Fatalf("expected EOF after [DONE], got %v", err)
	}
	if _, err = fr.Next(); err != io.EOF {
		t.Fatalf("reader must stay terminated, got %v", err)
	}
}

func TestFrameReaderSkipsUndecodableFrames(t *testing.T) {
	good := []byte{0xaa, 0xbb}
	stream := "data: !!!???\n\n" +
		"data: " + hex.EncodeToString(good) + "\n\n"

	fr := NewFrameReader(strings.NewReader(stream))
	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(got, good) {
		t.Fatalf("frame = %x, want %x", got, good)
	}
}

func TestFrameReaderEOFWithoutDone(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("data: deadbeef\n"))
	// No blank line ever arrives, so the partial frame is dropped.
	if _, err := fr.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
