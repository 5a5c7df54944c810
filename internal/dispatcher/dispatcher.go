// Package dispatcher implements the per-connection message multiplexer
// of spec.md §4.2: handler registration by message id, fire-and-forget
// post, blocking request/response send with timeout, server-side
// reply, and HandleFrame, which routes one already-decoded frame to a
// pending Send or to its registered handler. The read loop that decodes
// frames off the connection belongs to the caller.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medved-io/medved/internal/errkind"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/proto"
)

// Handler processes one inbound frame whose message id it was
// registered for. ctx is the opaque value passed to Register.
type Handler func(d *Dispatcher, frame proto.Frame, ctx interface{})

type registration struct {
	handler Handler
	context interface{}
}

type pendingRequest struct {
	resp chan proto.Frame
	done chan struct{}
}

// Dispatcher multiplexes one connection's frames. Writes are
// serialized through writeMu so outbound messages stay FIFO and
// atomic per spec.md §5.
type Dispatcher struct {
	w   io.Writer
	log logging.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[uint32]registration

	pendingMu sync.Mutex
	pending   map[uint16]*pendingRequest

	sequence uint32 // atomic, truncated to uint16 on use

	closed atomic.Bool

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; nil (the zero value) disables
// recording.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// New builds a Dispatcher writing frames to w.
func New(w io.Writer, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		w:        w,
		log:      log,
		handlers: make(map[uint32]registration),
		pending:  make(map[uint16]*pendingRequest),
	}
}

// Register binds handler to messageID. Calling Register again for the
// same id replaces the prior registration, so repeated calls with the
// same arguments are idempotent in effect.
func (d *Dispatcher) Register(messageID uint32, handler Handler, ctx interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageID] = registration{handler: handler, context: ctx}
}

func (d *Dispatcher) nextSequence() uint16 {
	return uint16(atomic.AddUint32(&d.sequence, 1))
}

func (d *Dispatcher) writeFrame(f proto.Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return proto.WriteFrame(d.w, f)
}

// Post sends a message with no expectation of a reply.
func (d *Dispatcher) Post(messageID uint32, payload []byte) error {
	if d.closed.Load() {
		return errkind.Closed
	}
	return d.writeFrame(proto.Frame{ID: messageID, Sequence: 0, Payload: payload})
}

// Send allocates a fresh sequence number, writes the request, and
// blocks until a matching reply arrives, the timeout elapses, or the
// connection is closed. A closed connection fails immediately with
// errkind.Closed, never errkind.Timeout (spec.md §8 boundary case).
func (d *Dispatcher) Send(ctx context.Context, messageID uint32, payload []byte, timeout time.Duration) (proto.Frame, error) {
	if d.closed.Load() {
		return proto.Frame{}, errkind.Closed
	}

	seq := d.nextSequence()
	pr := &pendingRequest{resp: make(chan proto.Frame, 1), done: make(chan struct{})}

	d.pendingMu.Lock()
	d.pending[seq] = pr
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
	}()

	if err := d.writeFrame(proto.Frame{ID: messageID, Sequence: seq, Payload: payload}); err != nil {
		return proto.Frame{}, fmt.Errorf("dispatcher: send: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.resp:
		return resp, nil
	case <-pr.done:
		return proto.Frame{}, errkind.Closed
	case <-timer.C:
		if d.metrics != nil {
			d.metrics.DispatcherTimeouts.Inc()
		}
		return proto.Frame{}, errkind.Timeout
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

// Reply answers an incoming request, reusing its sequence number.
func (d *Dispatcher) Reply(messageID uint32, sequence uint16, payload []byte) error {
	if d.closed.Load() {
		return errkind.Closed
	}
	return d.writeFrame(proto.Frame{ID: messageID, Sequence: sequence, Payload: payload})
}

// HandleFrame dispatches one already-decoded frame: if its sequence
// matches an outstanding Send, it is delivered as that call's
// response; otherwise it is routed to the handler registered for its
// message id. Read loops (one goroutine per connection in the
// connection manager) call this once per frame.
func (d *Dispatcher) HandleFrame(frame proto.Frame) {
	if frame.Sequence != 0 {
		d.pendingMu.Lock()
		pr, ok := d.pending[frame.Sequence]
		d.pendingMu.Unlock()
		if ok {
			pr.resp <- frame
			return
		}
	}

	d.mu.RLock()
	reg, ok := d.handlers[frame.ID]
	d.mu.RUnlock()
	if !ok {
		d.log.Warnf("dispatcher: no handler for message id %d", frame.ID)
		return
	}
	reg.handler(d, frame, reg.context)
}

// Close marks the dispatcher closed and fails every outstanding Send
// with errkind.Closed, per spec.md §4.2 "On connection close all
// pending sends fail with CLOSED".
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for seq, pr := range d.pending {
		close(pr.done)
		delete(d.pending, seq)
	}
}
