// Package proto implements the wire frame and the byte-tagged document
// codec spec.md §6 treats as an external collaborator contract: each
// message payload is a flat document of named integer/string/list/blob
// fields, encoded self-describingly so that an unknown field can be
// skipped rather than failing the whole decode.
//
// Grounded on original_source/mdv_platform/mdv_binn.c and
// mdv_types/mdv_serialization.c, which serialize every wire message as
// a sequence of named, typed fields into a single binn document. This
// package is a from-scratch Go rendition of that same tagged-field
// idea; it does not use the binn C library.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the type of a Document field.
type Kind byte

const (
	KindInt Kind = iota + 1
	KindStr
	KindBlob
	KindList
)

// Document is an ordered, named bag of fields — the in-memory form of
// one message payload.
type Document struct {
	order  []string
	fields map[string]field
}

type field struct {
	kind Kind
	i    uint64
	s    string
	b    []byte
	list []*Document
}

// NewDocument returns an empty document ready for field assignment.
func NewDocument() *Document {
	return &Document{fields: make(map[string]field)}
}

func (d *Document) set(name string, f field) {
	if _, exists := d.fields[name]; !exists {
		d.order = append(d.order, name)
	}
	d.fields[name] = f
}

// SetInt stores an unsigned 64-bit field, used for the wire's u32/u64
// integer fields (widened to u64 on the wire, narrowed by the caller).
func (d *Document) SetInt(name string, v uint64) { d.set(name, field{kind: KindInt, i: v}) }

// SetStr stores a UTF-8 string field.
func (d *Document) SetStr(name string, v string) { d.set(name, field{kind: KindStr, s: v}) }

// SetBlob stores an opaque byte-slice field.
func (d *Document) SetBlob(name string, v []byte) { d.set(name, field{kind: KindBlob, b: v}) }

// SetList stores a repeated sub-document field.
func (d *Document) SetList(name string, v []*Document) { d.set(name, field{kind: KindList, list: v}) }

// GetInt returns the named integer field, or ok=false if absent or of
// a different kind.
func (d *Document) GetInt(name string) (uint64, bool) {
	f, ok := d.fields[name]
	if !ok || f.kind != KindInt {
		return 0, false
	}
	return f.i, true
}

// GetStr returns the named string field.
func (d *Document) GetStr(name string) (string, bool) {
	f, ok := d.fields[name]
	if !ok || f.kind != KindStr {
		return "", false
	}
	return f.s, true
}

// GetBlob returns the named blob field.
func (d *Document) GetBlob(name string) ([]byte, bool) {
	f, ok := d.fields[name]
	if !ok || f.kind != KindBlob {
		return nil, false
	}
	return f.b, true
}

// GetList returns the named list-of-documents field.
func (d *Document) GetList(name string) ([]*Document, bool) {
	f, ok := d.fields[name]
	if !ok || f.kind != KindList {
		return nil, false
	}
	return f.list, true
}

// Marshal renders the document into its self-describing byte form.
// Layout: u16 field count, then per field: kind byte, u8 name length,
// name bytes, then a kind-specific value encoding (u64 LE for KindInt;
// u32-length-prefixed bytes for KindStr/KindBlob; u32 count followed by
// length-prefixed sub-documents for KindList).
func (d *Document) Marshal() ([]byte, error) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(d.order)))

	for _, name := range d.order {
		if len(name) > 255 {
			return nil, fmt.Errorf("proto: field name %q too long", name)
		}
		f := d.fields[name]
		buf = append(buf, byte(f.kind), byte(len(name)))
		buf = append(buf, name...)

		switch f.kind {
		case KindInt:
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], f.i)
			buf = append(buf, v[:]...)
		case KindStr:
			buf = appendLenPrefixed(buf, []byte(f.s))
		case KindBlob:
			buf = appendLenPrefixed(buf, f.b)
		case KindList:
			var count [4]byte
			binary.LittleEndian.PutUint32(count[:], uint32(len(f.list)))
			buf = append(buf, count[:]...)
			for _, sub := range f.list {
				encoded, err := sub.Marshal()
				if err != nil {
					return nil, err
				}
				buf = appendLenPrefixed(buf, encoded)
			}
		default:
			return nil, fmt.Errorf("proto: unknown field kind %d for %q", f.kind, name)
		}
	}
	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

// Unmarshal decodes a document previously produced by Marshal. Unknown
// fields cannot occur in this closed codec (every field is read back by
// kind), but a truncated buffer is reported as an error rather than a
// panic.
func Unmarshal(data []byte) (*Document, error) {
	d := NewDocument()
	r := &reader{buf: data}

	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < count; i++ {
		kindByte, err := r.byte1()
		if err != nil {
			return nil, err
		}
		nameLen, err := r.byte1()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}

		switch Kind(kindByte) {
		case KindInt:
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			d.SetInt(string(name), v)
		case KindStr:
			v, err := r.lenPrefixed()
			if err != nil {
				return nil, err
			}
			d.SetStr(string(name), string(v))
		case KindBlob:
			v, err := r.lenPrefixed()
			if err != nil {
				return nil, err
			}
			d.SetBlob(string(name), v)
		case KindList:
			listCount, err := r.u32()
			if err != nil {
				return nil, err
			}
			list := make([]*Document, 0, listCount)
			for j := uint32(0); j < listCount; j++ {
				encoded, err := r.lenPrefixed()
				if err != nil {
					return nil, err
				}
				sub, err := Unmarshal(encoded)
				if err != nil {
					return nil, err
				}
				list = append(list, sub)
			}
			d.SetList(string(name), list)
		default:
			return nil, fmt.Errorf("proto: unknown field kind %d", kindByte)
		}
	}
	return d, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("proto: truncated document")
	}
	return nil
}

func (r *reader) byte1() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) lenPrefixed() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}
