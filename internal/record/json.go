package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// refKey is the JSON object key used to render a Reference.
const refKey = "$ref"

// FromAny converts a decoded JSON tree (as produced by encoding/json, with or
// without UseNumber) or plain Go values into a Value.
func FromAny(v any) (Value, error) {
	switch tv := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return tv, nil
	case bool:
		return Bool(tv), nil
	case string:
		return String(tv), nil
	case int:
		return Int(tv), nil
	case int32:
		return Int(tv), nil
	case int64:
		return Int(tv), nil
	case float32:
		return numberFromFloat(float64(tv)), nil
	case float64:
		return numberFromFloat(tv), nil
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", tv, err)
		}
		return Float(f), nil
	case []any:
		out := make(List, len(tv))
		for i, item := range tv {
			cv, err := FromAny(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = cv
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(tv))
		for k, item := range tv {
			cv, err := FromAny(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = cv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}

// numberFromFloat keeps integral floats integral so that a tree decoded
// without UseNumber compares equal to the same tree decoded with it.
func numberFromFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// ToAny converts v into plain Go values suitable for encoding/json. A
// Reference is rendered as {"$ref": key}.
func ToAny(v Value) any {
	switch tv := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(tv)
	case Int:
		return int64(tv)
	case Float:
		return float64(tv)
	case String:
		return string(tv)
	case Reference:
		return map[string]any{refKey: string(tv)}
	case List:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = ToAny(item)
		}
		return out
	case Object:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = ToAny(item)
		}
		return out
	default:
		panic(fmt.Sprintf("record: unknown value variant %T", v))
	}
}

// DecodeObject decodes a JSON object, keeping integers integral.
func DecodeObject(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", raw)
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

// MarshalJSON renders the record as {"key": ..., "fields": {...}}.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key    string `json:"key"`
		Fields any    `json:"fields"`
	}{r.Key, ToAny(r.Fields)})
}

// Canonical writes v as JSON with object keys sorted. It is stable for equal
// trees and is used to build field keys out of argument values.
func Canonical(v any) string {
	var b bytes.Buffer
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *bytes.Buffer, v any) {
	switch tv := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(tv))
	case int:
		b.WriteString(strconv.Itoa(tv))
	case int32:
		b.WriteString(strconv.FormatInt(int64(tv), 10))
	case int64:
		b.WriteString(strconv.FormatInt(tv, 10))
	case float64:
		b.WriteString(formatFloat(tv))
	case float32:
		b.WriteString(formatFloat(float64(tv)))
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			b.WriteString(strconv.FormatInt(i, 10))
		} else if f, err := tv.Float64(); err == nil {
			b.WriteString(formatFloat(f))
		} else {
			b.WriteString(tv.String())
		}
	case string:
		enc, _ := json.Marshal(tv)
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, item := range tv {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, tv[k])
		}
		b.WriteByte('}')
	case Value:
		writeCanonical(b, ToAny(tv))
	default:
		enc, err := json.Marshal(tv)
		if err != nil {
			fmt.Fprintf(b, "%q", fmt.Sprint(tv))
			return
		}
		b.Write(enc)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
