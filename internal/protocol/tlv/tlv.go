// Package tlv is the field layer under every message payload. A payload is a
// run of fields, each an id (u16), a type tag (u8), a value length (u32) and
// the value, all big endian. Unknown ids survive a decode untouched.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the id, type and length prefix of one field.
const HeaderLen = 2 + 1 + 4

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidWidth     = errors.New("tlv: invalid scalar width")
)

// Wire type tags. The numbering is shared with the host and never reused.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI32    uint8 = 8
	TypeF32    uint8 = 9
	TypeNested uint8 = 10
)

var typeNames = map[uint8]string{
	TypeU8: "u8", TypeU16: "u16", TypeU32: "u32", TypeU64: "u64", TypeBool: "bool",
	TypeString: "string", TypeBytes: "bytes", TypeI32: "i32", TypeF32: "f32", TypeNested: "nested",
}

func typeName(t uint8) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", t)
}

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// AppendField appends the wire form of f to dst.
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

// DecodeFields splits payload into fields. Values are copied, so the result
// does not alias payload.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		n := binary.BigEndian.Uint32(rest[3:HeaderLen])
		body := rest[HeaderLen:]
		if uint64(len(body)) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		fields = append(fields, Field{
			ID:    binary.BigEndian.Uint16(rest[0:2]),
			Type:  rest[2],
			Value: append([]byte(nil), body[:n]...),
		})
		rest = body[n:]
	}
	return fields, nil
}

// GetField returns the first field carrying id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for i := range fields {
		if fields[i].ID == id {
			return fields[i], true
		}
	}
	return Field{}, false
}

// GetAll returns every field carrying id, in wire order. Repeated ids encode lists.
func GetAll(fields []Field, id uint16) []Field {
	var out []Field
	for i := range fields {
		if fields[i].ID == id {
			out = append(out, fields[i])
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type == expected {
		return nil
	}
	return fmt.Errorf("%w: field %d is %s, want %s", ErrTypeMismatch, f.ID, typeName(f.Type), typeName(expected))
}
