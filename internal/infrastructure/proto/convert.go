package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	gproto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/warpgate/warpgate/pkg/errors"
)

// presenceOnlyFields are message fields whose mere presence carries the
// signal; an empty or scalar value still marks them present.
var presenceOnlyFields = map[string]bool{
	"in_progress":         true,
	"resume_conversation": true,
}

// DictToProtoBytes encodes a JSON-shaped map as serialized protobuf of the
// named message type. Unknown keys are logged and skipped; structured
// server_message_data objects are re-encoded to their wire form first.
func (rt *Runtime) DictToProtoBytes(data map[string]any, messageType string) ([]byte, error) {
	md, err := rt.FindMessage(messageType)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	safe, _ := encodeSMDInPlace(data).(map[string]any)
	if safe == nil {
		safe = data
	}
	rt.populate(msg, safe, "$")
	out, err := gproto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDecode, "protobuf encode failed", err)
	}
	return out, nil
}

// ProtoToDict decodes serialized protobuf into a JSON-shaped map using
// original proto field names. Opaque server_message_data strings are decoded
// into structured objects on the way out.
func (rt *Runtime) ProtoToDict(raw []byte, messageType string) (map[string]any, error) {
	md, err := rt.FindMessage(messageType)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := gproto.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(errors.CodeDecode, "protobuf decode failed", err)
	}
	jsonBytes, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDecode, "protojson marshal failed", err)
	}
	var out map[string]any
	if err := json.Unmarshal(jsonBytes, &out); err != nil {
		return nil, errors.Wrap(errors.CodeDecode, "json unmarshal failed", err)
	}
	decoded, _ := rt.decodeSMDInPlace(out).(map[string]any)
	if decoded == nil {
		decoded = out
	}
	return decoded, nil
}

// populate fills a dynamic message from a map, tolerating unknown keys and
// type mismatches so a single bad field never aborts the whole request.
func (rt *Runtime) populate(msg protoreflect.Message, data map[string]any, path string) {
	md := msg.Descriptor()
	fields := md.Fields()
	for key, value := range data {
		current := path + "." + key
		fd := fields.ByName(protoreflect.Name(key))
		if fd == nil {
			fd = fields.ByJSONName(key)
		}
		if fd == nil {
			rt.logger.Warn("ignoring unknown field", zap.String("path", current))
			continue
		}

		switch {
		case fd.IsMap():
			mv, ok := value.(map[string]any)
			if !ok {
				rt.logger.Warn("map field expects object", zap.String("path", current))
				continue
			}
			rt.populateMap(msg, fd, mv, current)

		case fd.IsList():
			items, ok := value.([]any)
			if !ok {
				rt.logger.Warn("repeated field expects array", zap.String("path", current))
				continue
			}
			rt.populateList(msg, fd, items, current)

		case fd.Kind() == protoreflect.MessageKind:
			if fd.Message().FullName() == "google.protobuf.Struct" {
				if sv, ok := value.(map[string]any); ok {
					fillStruct(msg.Mutable(fd).Message(), sv)
				} else {
					rt.logger.Warn("struct field expects object", zap.String("path", current))
				}
				continue
			}
			if sub, ok := value.(map[string]any); ok {
				rt.populate(msg.Mutable(fd).Message(), sub, current)
				continue
			}
			// Presence-only markers arrive as scalars; touching the field
			// is enough to serialize it.
			if presenceOnlyFields[key] {
				msg.Mutable(fd)
				continue
			}
			rt.logger.Warn("message field expects object", zap.String("path", current))

		default:
			v, err := scalarValue(fd, value)
			if err != nil {
				rt.logger.Warn("setting field failed", zap.String("path", current), zap.Error(err))
				continue
			}
			msg.Set(fd, v)
		}
	}
}

func (rt *Runtime) populateMap(msg protoreflect.Message, fd protoreflect.FieldDescriptor, data map[string]any, path string) {
	mp := msg.Mutable(fd).Map()
	keyFd, valFd := fd.MapKey(), fd.MapValue()
	for mk, mv := range data {
		keyVal, err := scalarValue(keyFd, mk)
		if err != nil {
			rt.logger.Warn("bad map key", zap.String("path", path+"."+mk), zap.Error(err))
			continue
		}
		mapKey := keyVal.MapKey()
		switch {
		case valFd.Kind() == protoreflect.MessageKind && valFd.Message().FullName() == "google.protobuf.Value":
			entry := mp.NewValue()
			fillValue(entry.Message(), mv)
			mp.Set(mapKey, entry)
		case valFd.Kind() == protoreflect.MessageKind:
			sub, ok := mv.(map[string]any)
			if !ok {
				rt.logger.Warn("map value expects object", zap.String("path", path+"."+mk))
				continue
			}
			entry := mp.NewValue()
			rt.populate(entry.Message(), sub, path+"."+mk)
			mp.Set(mapKey, entry)
		default:
			entry, err := scalarValue(valFd, mv)
			if err != nil {
				rt.logger.Warn("bad map value", zap.String("path", path+"."+mk), zap.Error(err))
				continue
			}
			mp.Set(mapKey, entry)
		}
	}
}

func (rt *Runtime) populateList(msg protoreflect.Message, fd protoreflect.FieldDescriptor, items []any, path string) {
	list := msg.Mutable(fd).List()
	for i, item := range items {
		switch {
		case fd.Kind() == protoreflect.MessageKind:
			sub, ok := item.(map[string]any)
			if !ok {
				rt.logger.Warn("repeated message expects objects",
					zap.String("path", fmt.Sprintf("%s[%d]", path, i)))
				continue
			}
			elem := list.NewElement()
			if fd.Message().FullName() == "google.protobuf.Value" {
				fillValue(elem.Message(), sub)
			} else {
				rt.populate(elem.Message(), sub, fmt.Sprintf("%s[%d]", path, i))
			}
			list.Append(elem)
		default:
			v, err := scalarValue(fd, item)
			if err != nil {
				rt.logger.Warn("bad repeated element",
					zap.String("path", fmt.Sprintf("%s[%d]", path, i)), zap.Error(err))
				continue
			}
			list.Append(v)
		}
	}
}

// scalarValue converts a JSON-shaped value to the field's scalar kind.
// Enums accept both value names and numbers.
func scalarValue(fd protoreflect.FieldDescriptor, v any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		b, ok := v.(bool)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected bool, got %T", v)
		}
		return protoreflect.ValueOfBool(b), nil

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := asInt64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := asInt64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt64(n), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := asInt64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := asInt64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint64(uint64(n)), nil

	case protoreflect.FloatKind:
		f, err := asFloat64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil

	case protoreflect.DoubleKind:
		f, err := asFloat64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat64(f), nil

	case protoreflect.StringKind:
		s, ok := v.(string)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected string, got %T", v)
		}
		return protoreflect.ValueOfString(s), nil

	case protoreflect.BytesKind:
		s, ok := v.(string)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected base64 string, got %T", v)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return protoreflect.Value{}, fmt.Errorf("invalid base64: %w", err)
		}
		return protoreflect.ValueOfBytes(raw), nil

	case protoreflect.EnumKind:
		return enumValue(fd, v)
	}
	return protoreflect.Value{}, fmt.Errorf("unsupported kind %s", fd.Kind())
}

func enumValue(fd protoreflect.FieldDescriptor, v any) (protoreflect.Value, error) {
	switch ev := v.(type) {
	case string:
		if val := fd.Enum().Values().ByName(protoreflect.Name(ev)); val != nil {
			return protoreflect.ValueOfEnum(val.Number()), nil
		}
		return protoreflect.Value{}, fmt.Errorf("unknown enum value %q", ev)
	default:
		n, err := asInt64(v)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// fillStruct fills a dynamic google.protobuf.Struct from a map.
func fillStruct(structMsg protoreflect.Message, data map[string]any) {
	fieldsFd := structMsg.Descriptor().Fields().ByName("fields")
	mp := structMsg.Mutable(fieldsFd).Map()
	for k, v := range data {
		entry := mp.NewValue()
		fillValue(entry.Message(), v)
		mp.Set(protoreflect.ValueOfString(k).MapKey(), entry)
	}
}

// fillValue fills a dynamic google.protobuf.Value from an arbitrary
// JSON-shaped value. Unhandled types are stringified.
func fillValue(valueMsg protoreflect.Message, v any) {
	fields := valueMsg.Descriptor().Fields()
	switch tv := v.(type) {
	case nil:
		valueMsg.Set(fields.ByName("null_value"), protoreflect.ValueOfEnum(0))
	case bool:
		valueMsg.Set(fields.ByName("bool_value"), protoreflect.ValueOfBool(tv))
	case int:
		valueMsg.Set(fields.ByName("number_value"), protoreflect.ValueOfFloat64(float64(tv)))
	case int64:
		valueMsg.Set(fields.ByName("number_value"), protoreflect.ValueOfFloat64(float64(tv)))
	case float64:
		valueMsg.Set(fields.ByName("number_value"), protoreflect.ValueOfFloat64(tv))
	case string:
		valueMsg.Set(fields.ByName("string_value"), protoreflect.ValueOfString(tv))
	case map[string]any:
		fillStruct(valueMsg.Mutable(fields.ByName("struct_value")).Message(), tv)
	case []any:
		listMsg := valueMsg.Mutable(fields.ByName("list_value")).Message()
		valuesFd := listMsg.Descriptor().Fields().ByName("values")
		list := listMsg.Mutable(valuesFd).List()
		for _, item := range tv {
			elem := list.NewElement()
			fillValue(elem.Message(), item)
			list.Append(elem)
		}
	default:
		valueMsg.Set(fields.ByName("string_value"), protoreflect.ValueOfString(fmt.Sprint(v)))
	}
}

// encodeSMDInPlace replaces structured server_message_data objects with
// their Base64URL wire form throughout a nested value.
func encodeSMDInPlace(obj any) any {
	switch tv := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, v := range tv {
			if (k == "server_message_data" || k == "serverMessageData") && v != nil {
				if sub, ok := v.(map[string]any); ok {
					out[k] = encodeSMDFromMap(sub)
					continue
				}
			}
			out[k] = encodeSMDInPlace(v)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, v := range tv {
			out[i] = encodeSMDInPlace(v)
		}
		return out
	default:
		return obj
	}
}

func encodeSMDFromMap(m map[string]any) string {
	uuidStr, _ := m["uuid"].(string)
	var seconds *int64
	var nanos *int32
	if v, err := asInt64(m["seconds"]); err == nil && m["seconds"] != nil {
		seconds = &v
	}
	if v, err := asInt64(m["nanos"]); err == nil && m["nanos"] != nil {
		n := int32(v)
		nanos = &n
	}
	return EncodeServerMessageData(uuidStr, seconds, nanos)
}

// decodeSMDInPlace replaces opaque server_message_data strings with their
// structured decoding throughout a nested value. Undecodable payloads are
// left alone.
func (rt *Runtime) decodeSMDInPlace(obj any) any {
	switch tv := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, v := range tv {
			if k == "server_message_data" || k == "serverMessageData" {
				if s, ok := v.(string); ok {
					if dec, err := DecodeServerMessageData(s); err == nil {
						out[k] = smdToMap(dec)
						continue
					}
				}
			}
			out[k] = rt.decodeSMDInPlace(v)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, v := range tv {
			out[i] = rt.decodeSMDInPlace(v)
		}
		return out
	default:
		return obj
	}
}

func smdToMap(d *ServerMessageData) map[string]any {
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"type": d.Type}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": d.Type}
	}
	return out
}
