// Package tlv encodes message fields as id/type/length/value records.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id(2) + type(1) + length(4).
const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrDuplicateField   = errors.New("tlv: duplicate field")
	ErrFieldWidth       = errors.New("tlv: invalid field width")
)

// Field value types. Every shell message field is one of these.
const (
	TypeU32    uint8 = 3
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI32    uint8 = 8
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// AppendField appends the encoding of f to dst.
func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields splits payload into fields. Unknown ids are kept; a repeated
// id makes the payload ambiguous and is rejected.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	seen := make(map[uint16]struct{})
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(rest[0:2])
		typeID := rest[2]
		l := binary.BigEndian.Uint32(rest[3:7])
		rest = rest[HeaderLen:]
		if uint64(len(rest)) < uint64(l) {
			return nil, fmt.Errorf("%w: field=%d len=%d have=%d", ErrShortFieldValue, id, l, len(rest))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: field=%d", ErrDuplicateField, id)
		}
		seen[id] = struct{}{}
		val := make([]byte, l)
		copy(val, rest[:l])
		rest = rest[l:]
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func I32(id uint16, v int32) Field {
	return Field{ID: id, Type: TypeI32, Value: binary.BigEndian.AppendUint32(nil, uint32(v))}
}

func (f Field) U32() (uint32, error) {
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: field=%d u32 len=%d", ErrFieldWidth, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) I32() (int32, error) {
	v, err := f.U32()
	return int32(v), err
}
