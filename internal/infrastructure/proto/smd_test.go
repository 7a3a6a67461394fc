package proto

import (
	"testing"
)

func TestServerMessageDataRoundTrip(t *testing.T) {
	seconds := int64(1754380800)
	nanos := int32(123456000)

	encoded := EncodeServerMessageData("0198b5cb-62a8-7f32-8fa7-5a0a6e9cfa81", &seconds, &nanos)
	decoded, err := DecodeServerMessageData(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UUID != "0198b5cb-62a8-7f32-8fa7-5a0a6e9cfa81" {
		t.Fatalf("uuid = %q", decoded.UUID)
	}
	if decoded.Seconds == nil || *decoded.Seconds != seconds {
		t.Fatalf("seconds = %v, want %d", decoded.Seconds, seconds)
	}
	if decoded.Nanos == nil || *decoded.Nanos != nanos {
		t.Fatalf("nanos = %v, want %d", decoded.Nanos, nanos)
	}
	if decoded.Type != SMDTypeUUIDAndTimestamp {
		t.Fatalf("type = %q, want %q", decoded.Type, SMDTypeUUIDAndTimestamp)
	}
	if decoded.ISOUTC == "" {
		t.Fatal("expected UTC rendering")
	}
}

func TestServerMessageDataClassification(t *testing.T) {
	seconds := int64(1700000000)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"uuid only", EncodeServerMessageData("abc-123", nil, nil), SMDTypeUUIDOnly},
		{"timestamp only", EncodeServerMessageData("", &seconds, nil), SMDTypeTimestampOnly},
		{"both", EncodeServerMessageData("abc-123", &seconds, nil), SMDTypeUUIDAndTimestamp},
		{"empty", EncodeServerMessageData("", nil, nil), SMDTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeServerMessageData(tt.payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.Type != tt.want {
				t.Fatalf("type = %q, want %q", decoded.Type, tt.want)
			}
		})
	}
}

func TestDecodeServerMessageDataPaddedInput(t *testing.T) {
	encoded := EncodeServerMessageData("pad-me", nil, nil)
	// Re-pad to a multiple of four; decoders must accept both forms.
	padded := encoded
	for len(padded)%4 != 0 {
		padded += "="
	}
	decoded, err := DecodeServerMessageData(padded)
	if err != nil {
		t.Fatalf("decode padded: %v", err)
	}
	if decoded.UUID != "pad-me" {
		t.Fatalf("uuid = %q", decoded.UUID)
	}
}

func TestDecodeServerMessageDataInvalid(t *testing.T) {
	if _, err := DecodeServerMessageData("!!!not-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}
