package tlv

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PutU32 is the big endian value of a u32 field. I32 fields share the layout.
func PutU32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), v)
}

func PutF32(v float32) []byte {
	return PutU32(math.Float32bits(v))
}

func PutBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// Builder accumulates fields for one payload. Zero value is ready to use.
type Builder struct {
	fields []Field
}

func (b *Builder) U8(id uint16, v uint8) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeU8, Value: []byte{v}})
	return b
}

func (b *Builder) U32(id uint16, v uint32) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeU32, Value: PutU32(v)})
	return b
}

func (b *Builder) I32(id uint16, v int32) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeI32, Value: PutU32(uint32(v))})
	return b
}

func (b *Builder) F32(id uint16, v float32) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeF32, Value: PutF32(v)})
	return b
}

func (b *Builder) Bool(id uint16, v bool) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeBool, Value: PutBool(v)})
	return b
}

func (b *Builder) String(id uint16, v string) *Builder {
	b.fields = append(b.fields, Field{ID: id, Type: TypeString, Value: []byte(v)})
	return b
}

func (b *Builder) Bytes(id uint16, v []byte) *Builder {
	val := make([]byte, len(v))
	copy(val, v)
	b.fields = append(b.fields, Field{ID: id, Type: TypeBytes, Value: val})
	return b
}

// Nested encodes a sub-message built by fn as a single field.
func (b *Builder) Nested(id uint16, fn func(*Builder)) *Builder {
	var inner Builder
	fn(&inner)
	b.fields = append(b.fields, Field{ID: id, Type: TypeNested, Value: inner.Encode()})
	return b
}

func (b *Builder) Fields() []Field {
	return b.fields
}

func (b *Builder) Encode() []byte {
	return EncodeFields(b.fields)
}

// View is a typed read accessor over decoded fields.
// Missing fields read as zero values; present fields with the wrong type are errors.
type View struct {
	fields []Field
}

func NewView(fields []Field) View {
	return View{fields: fields}
}

func ParseView(payload []byte) (View, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return View{}, err
	}
	return View{fields: fields}, nil
}

func (v View) Fields() []Field {
	return v.fields
}

func (v View) Has(id uint16) bool {
	_, ok := GetField(v.fields, id)
	return ok
}

func (v View) U8(id uint16) (uint8, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return 0, nil
	}
	if err := scalar(f, TypeU8, 1); err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func (v View) U32(id uint16) (uint32, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return 0, nil
	}
	if err := scalar(f, TypeU32, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (v View) I32(id uint16) (int32, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return 0, nil
	}
	if err := scalar(f, TypeI32, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(f.Value)), nil
}

func (v View) F32(id uint16) (float32, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return 0, nil
	}
	return f32(f)
}

func (v View) Bool(id uint16) (bool, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return false, nil
	}
	if err := scalar(f, TypeBool, 1); err != nil {
		return false, err
	}
	return f.Value[0] != 0, nil
}

func (v View) String(id uint16) (string, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return "", nil
	}
	if err := MustType(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// Bytes returns nil for a missing or empty field.
func (v View) Bytes(id uint16) ([]byte, error) {
	f, ok := GetField(v.fields, id)
	if !ok || len(f.Value) == 0 {
		if ok {
			return nil, MustType(f, TypeBytes)
		}
		return nil, nil
	}
	if err := MustType(f, TypeBytes); err != nil {
		return nil, err
	}
	return f.Value, nil
}

// Nested returns the sub-view for id and whether it was present.
func (v View) Nested(id uint16) (View, bool, error) {
	f, ok := GetField(v.fields, id)
	if !ok {
		return View{}, false, nil
	}
	sub, err := nestedView(f)
	if err != nil {
		return View{}, true, err
	}
	return sub, true, nil
}

// EachNested calls fn for every nested field carrying id, in wire order.
func (v View) EachNested(id uint16, fn func(View) error) error {
	for _, f := range GetAll(v.fields, id) {
		sub, err := nestedView(f)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}

// Strings returns every string field carrying id, in wire order.
func (v View) Strings(id uint16) ([]string, error) {
	var out []string
	for _, f := range GetAll(v.fields, id) {
		if err := MustType(f, TypeString); err != nil {
			return nil, err
		}
		out = append(out, string(f.Value))
	}
	return out, nil
}

func nestedView(f Field) (View, error) {
	if err := MustType(f, TypeNested); err != nil {
		return View{}, err
	}
	return ParseView(f.Value)
}

func scalar(f Field, typ uint8, width int) error {
	if err := MustType(f, typ); err != nil {
		return err
	}
	if len(f.Value) != width {
		return fmt.Errorf("%w: field %d has %d bytes want %d", ErrInvalidWidth, f.ID, len(f.Value), width)
	}
	return nil
}

func f32(f Field) (float32, error) {
	if err := scalar(f, TypeF32, 4); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(f.Value)), nil
}
