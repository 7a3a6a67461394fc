package proto

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServerMessageData is the decoded form of the opaque Base64URL payload the
// upstream attaches to certain server-originated tool calls:
// field 1 = UUID string, field 3 = Timestamp{1: seconds, 2: nanos}.
type ServerMessageData struct {
	UUID    string `json:"uuid,omitempty"`
	Seconds *int64 `json:"seconds,omitempty"`
	Nanos   *int32 `json:"nanos,omitempty"`
	ISOUTC  string `json:"iso_utc,omitempty"`
	ISONY   string `json:"iso_ny,omitempty"`
	Type    string `json:"type"`
}

const (
	SMDTypeUUIDOnly         = "UUID_ONLY"
	SMDTypeTimestampOnly    = "TIMESTAMP_ONLY"
	SMDTypeUUIDAndTimestamp = "UUID_AND_TIMESTAMP"
	SMDTypeUnknown          = "UNKNOWN"
)

// EncodeServerMessageData builds the Base64URL-without-padding wire form.
// Nil time components are omitted entirely.
func EncodeServerMessageData(uuid string, seconds *int64, nanos *int32) string {
	var buf []byte
	if uuid != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, uuid)
	}
	if seconds != nil || nanos != nil {
		var ts []byte
		if seconds != nil {
			ts = protowire.AppendTag(ts, 1, protowire.VarintType)
			ts = protowire.AppendVarint(ts, uint64(*seconds))
		}
		if nanos != nil {
			ts = protowire.AppendTag(ts, 2, protowire.VarintType)
			ts = protowire.AppendVarint(ts, uint64(*nanos))
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ts)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeServerMessageData parses a Base64URL payload, tolerating padded
// input and unknown fields, and classifies the presence of its components.
func DecodeServerMessageData(b64url string) (*ServerMessageData, error) {
	raw, err := b64urlDecodePadded(b64url)
	if err != nil {
		return nil, fmt.Errorf("base64url decode failed: %w", err)
	}

	out := &ServerMessageData{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %v", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch typ {
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("invalid length-delimited field %d", num)
			}
			raw = raw[n:]
			switch num {
			case 1:
				out.UUID = string(data)
			case 3:
				seconds, nanos := decodeTimestamp(data)
				if seconds != nil {
					out.Seconds = seconds
				}
				if nanos != nil {
					out.Nanos = nanos
				}
			}
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, fmt.Errorf("invalid varint field %d", num)
			}
			raw = raw[n:]
		case protowire.Fixed64Type:
			if len(raw) < 8 {
				return nil, fmt.Errorf("truncated fixed64 field %d", num)
			}
			raw = raw[8:]
		case protowire.Fixed32Type:
			if len(raw) < 4 {
				return nil, fmt.Errorf("truncated fixed32 field %d", num)
			}
			raw = raw[4:]
		default:
			// Unknown wire type; nothing sane to skip.
			raw = nil
		}
	}

	if out.Seconds != nil {
		micros := int64(0)
		if out.Nanos != nil {
			micros = int64(*out.Nanos) / 1000
		}
		t := time.Unix(*out.Seconds, micros*1000).UTC()
		out.ISOUTC = t.Format("2006-01-02T15:04:05.999999Z07:00")
		if loc, err := time.LoadLocation("America/New_York"); err == nil {
			out.ISONY = t.In(loc).Format("2006-01-02T15:04:05.999999-07:00")
		}
	}

	hasTime := out.Seconds != nil || out.Nanos != nil
	switch {
	case out.UUID != "" && hasTime:
		out.Type = SMDTypeUUIDAndTimestamp
	case out.UUID != "":
		out.Type = SMDTypeUUIDOnly
	case hasTime:
		out.Type = SMDTypeTimestampOnly
	default:
		out.Type = SMDTypeUnknown
	}
	return out, nil
}

func decodeTimestamp(buf []byte) (*int64, *int32) {
	var seconds *int64
	var nanos *int32
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			break
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return seconds, nanos
			}
			buf = buf[n:]
			switch num {
			case 1:
				s := int64(v)
				seconds = &s
			case 2:
				nn := int32(v)
				nanos = &nn
			}
		case protowire.BytesType:
			_, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return seconds, nanos
			}
			buf = buf[n:]
		case protowire.Fixed64Type:
			if len(buf) < 8 {
				return seconds, nanos
			}
			buf = buf[8:]
		case protowire.Fixed32Type:
			if len(buf) < 4 {
				return seconds, nanos
			}
			buf = buf[4:]
		default:
			return seconds, nanos
		}
	}
	return seconds, nanos
}

func b64urlDecodePadded(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
