package proto

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{ID: 7, Sequence: 99, Payload: []byte("hello world")}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != f.ID || got.Sequence != f.Sequence || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
}

func TestWriteReadEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{ID: 1, Sequence: 0, Payload: nil}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [headerSize]byte
	header[6] = 0xff
	header[7] = 0xff
	header[8] = 0xff
	header[9] = 0xff
	buf.Write(header[:])

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame size field")
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{ID: 1, Payload: []byte("abcdef")})
	truncated := buf.Bytes()[:headerSize+3]

	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestTwoFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{ID: 1, Payload: []byte("a")})
	_ = WriteFrame(&buf, Frame{ID: 2, Payload: []byte("b")})

	first, err := ReadFrame(&buf)
	if err != nil || first.ID != 1 {
		t.Fatalf("first frame: %+v, %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || second.ID != 2 {
		t.Fatalf("second frame: %+v, %v", second, err)
	}
}
