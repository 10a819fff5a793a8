package value

import (
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedPayload reports bytes that do not decode to a Value. Callers
// drop the carrying message; the connection survives.
var ErrMalformedPayload = errors.New("value: malformed payload")

// ErrUnencodable reports a Value the decoder on the other side would refuse.
var ErrUnencodable = errors.New("value: unencodable")

// Limits shared by Encode and Decode. Every value Encode accepts decodes.
const (
	// MaxDepth is the deepest container nesting; scalars have depth 0.
	MaxDepth = 16
	// MaxElements bounds list items and map entries per container.
	MaxElements = 1 << 16
)

// Each container level costs two CBOR levels ([kind, items]) plus one for
// the outer envelope.
const maxWireLevels = 2*MaxDepth + 1

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so equal values
// always produce identical bytes.
var encMode cbor.EncMode

// decMode rejects duplicate map keys and keeps nested maps string-keyed.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("value: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  maxWireLevels,
		MaxArrayElements: MaxElements,
		MaxMapPairs:      MaxElements,
		UTF8:             cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("value: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireValue is the self-describing envelope: the kind tag precedes the payload.
type wireValue struct {
	_       struct{} `cbor:",toarray"`
	Kind    uint8
	Payload cbor.RawMessage
}

var cborNull = cbor.RawMessage{0xf6}

// Encode serializes v as a CBOR array [kind, payload]. Values Decode would
// reject (too deep, too wide, invalid UTF-8) fail with ErrUnencodable.
func Encode(v Value) ([]byte, error) {
	if err := Check(v); err != nil {
		return nil, err
	}
	return encMode.Marshal(toWire(v))
}

// Check reports whether v is within the limits Decode enforces.
func Check(v Value) error {
	return check(v, 0)
}

func check(v Value, depth int) error {
	switch v.kind {
	case KindString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrUnencodable)
		}
	case KindList, KindMap:
		if depth >= MaxDepth {
			return fmt.Errorf("%w: nesting deeper than %d", ErrUnencodable, MaxDepth)
		}
		if n := len(v.list) + len(v.m); n > MaxElements {
			return fmt.Errorf("%w: %d elements exceeds %d", ErrUnencodable, n, MaxElements)
		}
		for i, item := range v.list {
			if err := check(item, depth+1); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		for k, item := range v.m {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w: map key %q is not valid UTF-8", ErrUnencodable, k)
			}
			if err := check(item, depth+1); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
	}
	return nil
}

// MustEncode is Encode for values built in code; it panics on failure.
func MustEncode(v Value) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func toWire(v Value) []any {
	switch v.kind {
	case KindBool:
		return []any{uint8(KindBool), v.b}
	case KindInt:
		return []any{uint8(KindInt), v.i}
	case KindFloat:
		return []any{uint8(KindFloat), v.f}
	case KindString:
		return []any{uint8(KindString), v.s}
	case KindList:
		items := make([]any, len(v.list))
		for i, item := range v.list {
			items[i] = toWire(item)
		}
		return []any{uint8(KindList), items}
	case KindMap:
		entries := make(map[string]any, len(v.m))
		for k, item := range v.m {
			entries[k] = toWire(item)
		}
		return []any{uint8(KindMap), entries}
	default:
		return []any{uint8(KindInvalid), nil}
	}
}

// Decode parses bytes produced by Encode. Any deviation, including
// trailing bytes, is reported as ErrMalformedPayload.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	return decodeRaw(data)
}

func decodeRaw(data []byte) (Value, error) {
	var w wireValue
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	payload := []byte(w.Payload)
	if len(payload) == 0 {
		payload = cborNull
	}

	switch Kind(w.Kind) {
	case KindInvalid:
		if !isNull(payload) {
			return Value{}, fmt.Errorf("%w: invalid kind carries payload", ErrMalformedPayload)
		}
		return Value{}, nil
	case KindBool:
		var b bool
		if err := decodePayload(payload, &b, KindBool); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindInt:
		var i int64
		if err := decodePayload(payload, &i, KindInt); err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case KindFloat:
		var f float64
		if err := decodePayload(payload, &f, KindFloat); err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case KindString:
		var s string
		if err := decodePayload(payload, &s, KindString); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case KindList:
		var raw []cbor.RawMessage
		if err := decodePayload(payload, &raw, KindList); err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, len(raw))
		for i, item := range raw {
			v, err := decodeRaw(item)
			if err != nil {
				return Value{}, fmt.Errorf("list[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return Value{kind: KindList, list: items}, nil
	case KindMap:
		var raw map[string]cbor.RawMessage
		if err := decodePayload(payload, &raw, KindMap); err != nil {
			return Value{}, err
		}
		entries := make(map[string]Value, len(raw))
		for k, item := range raw {
			v, err := decodeRaw(item)
			if err != nil {
				return Value{}, fmt.Errorf("map[%q]: %w", k, err)
			}
			entries[k] = v
		}
		return Value{kind: KindMap, m: entries}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedPayload, w.Kind)
	}
}

func decodePayload(payload []byte, out any, kind Kind) error {
	if isNull(payload) {
		return fmt.Errorf("%w: %s kind without payload", ErrMalformedPayload, kind)
	}
	if err := decMode.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedPayload, kind, err)
	}
	return nil
}

func isNull(payload []byte) bool {
	return len(payload) == 1 && (payload[0] == 0xf6 || payload[0] == 0xf7)
}
