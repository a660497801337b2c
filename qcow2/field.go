package qcow2

import "encoding/binary"

// Fmt describes how a field value packs into bytes. Integer formats are
// big-endian; FmtBytes writes the raw slice verbatim, including any
// trailing zero padding baked in at construction time.
type Fmt int

const (
	FmtU8 Fmt = iota
	FmtU32
	FmtU64
	FmtBytes
)

// Field is the atomic unit of both packing and fuzzing: one named byte
// range of the image. The offset and format never change after
// construction; only Val is replaced when the field is fuzzed.
type Field struct {
	Fmt    Fmt
	Offset uint64
	Val    uint64 // integer formats
	Raw    []byte // FmtBytes only
	Name   string
}

// Size returns the number of bytes the field occupies on disk.
func (f *Field) Size() uint64 {
	switch f.Fmt {
	case FmtU8:
		return 1
	case FmtU32:
		return 4
	case FmtU64:
		return 8
	default:
		return uint64(len(f.Raw))
	}
}

// Pack serializes the field value to its on-disk byte representation.
func (f *Field) Pack() []byte {
	switch f.Fmt {
	case FmtU8:
		return []byte{byte(f.Val)}
	case FmtU32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(f.Val))
		return buf
	case FmtU64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, f.Val)
		return buf
	default:
		return f.Raw
	}
}

func u8Field(offset, val uint64, name string) *Field {
	return &Field{Fmt: FmtU8, Offset: offset, Val: val, Name: name}
}

func u32Field(offset, val uint64, name string) *Field {
	return &Field{Fmt: FmtU32, Offset: offset, Val: val, Name: name}
}

func u64Field(offset, val uint64, name string) *Field {
	return &Field{Fmt: FmtU64, Offset: offset, Val: val, Name: name}
}

// bytesField builds a fixed-length byte string field. The data is padded
// with trailing zeros up to size; a size of zero keeps the data as is.
func bytesField(offset uint64, data []byte, size int, name string) *Field {
	raw := data
	if size > len(data) {
		raw = make([]byte, size)
		copy(raw, data)
	}
	return &Field{Fmt: FmtBytes, Offset: offset, Raw: raw, Name: name}
}

// FieldsList is an ordered, name-indexed set of fields describing one
// logical sub-structure of the image (header, a table, an extension).
type FieldsList struct {
	fields []*Field
}

// NewFieldsList builds a list from the given fields, preserving order.
func NewFieldsList(fields ...*Field) FieldsList {
	return FieldsList{fields: fields}
}

// Append adds fields to the end of the list.
func (l *FieldsList) Append(fields ...*Field) {
	l.fields = append(l.fields, fields...)
}

// Fields returns the underlying slice in insertion order.
func (l FieldsList) Fields() []*Field {
	return l.fields
}

// Len returns the number of fields in the list.
func (l FieldsList) Len() int {
	return len(l.fields)
}

// ByName returns every field with the given name. Repeated entries such
// as table entries legitimately share a name.
func (l FieldsList) ByName(name string) []*Field {
	var out []*Field
	for _, f := range l.fields {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// First returns the first field with the given name, or nil.
func (l FieldsList) First(name string) *Field {
	for _, f := range l.fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Join concatenates lists into a new one, preserving order.
func (l FieldsList) Join(others ...FieldsList) FieldsList {
	joined := make([]*Field, 0, len(l.fields))
	joined = append(joined, l.fields...)
	for _, o := range others {
		joined = append(joined, o.fields...)
	}
	return FieldsList{fields: joined}
}
