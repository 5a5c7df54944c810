package proto

import (
	"bytes"
	"testing"
)

func TestDocumentIntRoundTrip(t *testing.T) {
	d := NewDocument()
	d.SetInt("x", 1234567890123)

	encoded, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := decoded.GetInt("x")
	if !ok || v != 1234567890123 {
		t.Fatalf("got (%d, %v) want (1234567890123, true)", v, ok)
	}
}

func TestDocumentStrBlobListRoundTrip(t *testing.T) {
	sub := NewDocument()
	sub.SetStr("name", "child")

	d := NewDocument()
	d.SetStr("s", "hello")
	d.SetBlob("b", []byte{1, 2, 3, 4})
	d.SetList("l", []*Document{sub, sub})

	encoded, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if s, ok := decoded.GetStr("s"); !ok || s != "hello" {
		t.Fatalf("str field: got (%q, %v)", s, ok)
	}
	if b, ok := decoded.GetBlob("b"); !ok || !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Fatalf("blob field: got (%v, %v)", b, ok)
	}
	list, ok := decoded.GetList("l")
	if !ok || len(list) != 2 {
		t.Fatalf("list field: got (%v, %v)", list, ok)
	}
	if name, ok := list[0].GetStr("name"); !ok || name != "child" {
		t.Fatalf("sub-document field: got (%q, %v)", name, ok)
	}
}

func TestDocumentGetWrongKindFails(t *testing.T) {
	d := NewDocument()
	d.SetInt("x", 1)

	if _, ok := d.GetStr("x"); ok {
		t.Fatal("GetStr on an int field must fail")
	}
}

func TestDocumentGetMissingFieldFails(t *testing.T) {
	d := NewDocument()
	if _, ok := d.GetInt("missing"); ok {
		t.Fatal("GetInt on a missing field must fail")
	}
}

func TestDocumentSetOverwritesField(t *testing.T) {
	d := NewDocument()
	d.SetInt("x", 1)
	d.SetInt("x", 2)

	encoded, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := decoded.GetInt("x"); v != 2 {
		t.Fatalf("expected overwritten value 2, got %d", v)
	}
}

func TestUnmarshalTruncatedFails(t *testing.T) {
	d := NewDocument()
	d.SetStr("x", "hello")
	encoded, err := d.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := Unmarshal(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected error decoding a truncated document")
	}
}

func TestFieldNameTooLongFails(t *testing.T) {
	d := NewDocument()
	d.SetInt(string(make([]byte, 256)), 1)

	if _, err := d.Marshal(); err == nil {
		t.Fatal("expected error for a field name longer than 255 bytes")
	}
}
