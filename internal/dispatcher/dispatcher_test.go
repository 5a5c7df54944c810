package dispatcher

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/medved-io/medved/internal/errkind"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/proto"
)

func TestPostWritesFrame(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	if err := d.Post(5, []byte("payload")); err != nil {
		t.Fatalf("post: %v", err)
	}

	f, err := proto.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read back frame: %v", err)
	}
	if f.ID != 5 || f.Sequence != 0 || string(f.Payload) != "payload" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestHandleFrameRoutesToHandler(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	called := make(chan proto.Frame, 1)
	d.Register(9, func(d *Dispatcher, frame proto.Frame, ctx interface{}) {
		called <- frame
	}, nil)

	d.HandleFrame(proto.Frame{ID: 9, Payload: []byte("hi")})

	select {
	case f := <-called:
		if string(f.Payload) != "hi" {
			t.Fatalf("unexpected payload %q", f.Payload)
		}
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestHandleFrameUnknownIDIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())
	d.HandleFrame(proto.Frame{ID: 404})
}

func TestSendReceivesReply(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	go func() {
		time.Sleep(10 * time.Millisecond)
		sent, err := proto.ReadFrame(&buf)
		if err != nil {
			return
		}
		d.HandleFrame(proto.Frame{ID: sent.ID, Sequence: sent.Sequence, Payload: []byte("reply")})
	}()

	resp, err := d.Send(context.Background(), 1, []byte("req"), time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(resp.Payload) != "reply" {
		t.Fatalf("unexpected reply payload %q", resp.Payload)
	}
}

func TestSendTimesOutWithoutReply(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	_, err := d.Send(context.Background(), 1, nil, 10*time.Millisecond)
	if err != errkind.Timeout {
		t.Fatalf("got %v want errkind.Timeout", err)
	}
}

func TestSendAfterCloseFailsImmediately(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())
	d.Close()

	start := time.Now()
	_, err := d.Send(context.Background(), 1, nil, time.Second)
	elapsed := time.Since(start)

	if err != errkind.Closed {
		t.Fatalf("got %v want errkind.Closed", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("Send after Close must fail immediately, took %s", elapsed)
	}
}

func TestCloseFailsPendingSendsWithClosedNotTimeout(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), 1, nil, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case err := <-errCh:
		if err != errkind.Closed {
			t.Fatalf("got %v want errkind.Closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending send did not unblock after Close")
	}
}

func TestReplyReusesSequence(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, logging.NewDefaultLogger())

	if err := d.Reply(2, 42, []byte("r")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	f, err := proto.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Sequence != 42 {
		t.Fatalf("got sequence %d want 42", f.Sequence)
	}
}
