package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/shellsurface/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "title"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"short header", []byte{1, 2, 3}, ErrShortFieldHeader},
		{"short value", []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}, ErrShortFieldValue},
		{"duplicate id", EncodeFields([]Field{U32(4, 1), U32(4, 2)}), ErrDuplicateField},
	}
	for _, tc := range cases {
		if _, err := DecodeFields(tc.payload); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEmptyPayloadHasNoFields(t *testing.T) {
	testlog.Start(t)
	out, err := DecodeFields(nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected no fields, got %v %v", out, err)
	}
}

func TestI32RoundTripNegative(t *testing.T) {
	testlog.Start(t)
	f := I32(3, -120)
	if f.Type != TypeI32 {
		t.Fatalf("unexpected type %d", f.Type)
	}
	got, err := f.I32()
	if err != nil {
		t.Fatalf("decode i32: %v", err)
	}
	if got != -120 {
		t.Fatalf("unexpected value %d", got)
	}
}

func TestU32RejectsWrongWidth(t *testing.T) {
	testlog.Start(t)
	f := Field{ID: 2, Type: TypeU32, Value: []byte{1, 2}}
	if _, err := f.U32(); !errors.Is(err, ErrFieldWidth) {
		t.Fatalf("expected width error, got %v", err)
	}
}
