// Package session implements the peer session state machine of
// spec.md §4.3: handshake, role (inbound/outbound), lifecycle, and
// integration with topology, gossip, and data synchronization.
package session

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/medved-io/medved/internal/dispatcher"
	"github.com/medved-io/medved/internal/errkind"
	"github.com/medved-io/medved/internal/gossip"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/proto"
	"github.com/medved-io/medved/internal/refcount"
	"github.com/medved-io/medved/internal/topology"
	"github.com/medved-io/medved/internal/trlog"
	"github.com/medved-io/medved/internal/uuid"
)

// State is one of the peer session state machine's four states
// (spec.md §4.3).
type State int32

const (
	StateInit State = iota
	StateHandshake
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshake:
		return "HANDSHAKE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Synchronizer is the subset of datasync.Synchronizer a session needs
// to trigger on establishment.
type Synchronizer interface {
	Wake()
}

// Committer is the subset of committer.Committer a session needs after
// TR-log data arrives.
type Committer interface {
	Wake()
}

// NodePersister stores (uuid, address) pairs durably so that addresses
// survive restart (spec.md §4.6, SPEC_FULL.md §4.12).
type NodePersister interface {
	PersistNodes(ctx context.Context, nodes []topology.Node) error
}

// Deps bundles every collaborator a Session dispatches into. Passed by
// the connection manager at construction time.
type Deps struct {
	SelfUUID    uuid.UUID
	SelfAddr    string
	Version     uint32
	Tracker     *topology.Tracker
	Gossip      *gossip.Engine
	Sync        Synchronizer
	Committer   Committer
	TRLogs      *trlog.Registry
	Persist     NodePersister
	Log         logging.Logger
	RequestTTL  time.Duration
	Metrics     *metrics.Metrics
}

// Session is one peer connection's state machine and message
// dispatcher.
type Session struct {
	deps Deps

	conn io.Closer
	disp *dispatcher.Dispatcher

	state    atomic.Int32
	accepted bool // true if we accepted an inbound dial

	remote      uuid.UUID
	remoteAddr  string
	haveRemote  atomic.Bool

	ref refcount.Counter

	onClosed func(*Session)
}

var _ gossip.Peer = (*Session)(nil)

// New constructs a session for one connection. outbound sessions send
// p2p_hello immediately, per spec.md §4.3 "INIT -> HANDSHAKE: on
// construction. Outbound side emits p2p_hello immediately."
func New(conn io.Closer, w io.Writer, accepted bool, deps Deps, onClosed func(*Session)) *Session {
	s := &Session{
		deps:     deps,
		conn:     conn,
		accepted: accepted,
		onClosed: onClosed,
	}
	s.ref.Init()
	s.state.Store(int32(StateInit))
	s.disp = dispatcher.New(w, deps.Log)
	s.registerHandlers()
	s.state.Store(int32(StateHandshake))

	if !accepted {
		s.sendHello()
	}
	return s
}

// Dispatcher exposes the underlying per-connection multiplexer, used
// by the connection manager's read loop to feed decoded frames in.
func (s *Session) Dispatcher() *dispatcher.Dispatcher { return s.disp }

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// UUID returns the remote peer's UUID, valid once handshake completes.
// Implements gossip.Peer.
func (s *Session) UUID() uuid.UUID { return s.remote }

// Accepted reports whether this session is inbound (we accepted their
// dial) as opposed to outbound.
func (s *Session) Accepted() bool { return s.accepted }

// Retain increments the session's reference count for the duration of
// an outbound call, returning false if the session has already been
// freed (spec.md §4.3 "Reference counting").
func (s *Session) Retain() bool { return s.ref.Retain() }

// Release drops a reference acquired via Retain.
func (s *Session) Release() { s.ref.Release() }

func (s *Session) registerHandlers() {
	s.disp.Register(proto.MsgHello, s.handleHello, nil)
	s.disp.Register(proto.MsgLinkState, s.handleLinkState, nil)
	s.disp.Register(proto.MsgToposync, s.handleToposync, nil)
	s.disp.Register(proto.MsgTopodiff, s.handleTopodiff, nil)
	s.disp.Register(proto.MsgCfslogState, s.handleCfslogState, nil)
	s.disp.Register(proto.MsgCfslogData, s.handleCfslogData, nil)
}

func (s *Session) sendHello() {
	hi, lo := s.deps.SelfUUID.Halves()
	hello := proto.Hello{Version: s.deps.Version, UUIDHi: hi, UUIDLo: lo, ListenAddr: s.deps.SelfAddr}
	payload, err := hello.Encode().Marshal()
	if err != nil {
		s.deps.Log.Errorf("session: encode hello: %v", err)
		return
	}
	if !s.Retain() {
		return
	}
	defer s.Release()
	if err := s.disp.Post(proto.MsgHello, payload); err != nil {
		s.deps.Log.Warnf("session: send hello: %v", err)
	}
}

// handleHello implements spec.md §4.3's HANDSHAKE -> ESTABLISHED
// transition.
func (s *Session) handleHello(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	if s.State() != StateHandshake {
		return
	}
	doc, err := proto.Unmarshal(frame.Payload)
	if err != nil {
		s.deps.Log.Warnf("session: malformed hello: %v", err)
		return
	}
	hello, ok := proto.DecodeHello(doc)
	if !ok {
		s.deps.Log.Warnf("session: incomplete hello")
		return
	}

	if hello.Version != s.deps.Version {
		s.deps.Log.Warnf("session: version mismatch: remote=%d local=%d", hello.Version, s.deps.Version)
		s.fail(errkind.InvalidVersion)
		return
	}

	s.remote = uuid.FromHalves(hello.UUIDHi, hello.UUIDLo)
	s.remoteAddr = hello.ListenAddr
	s.haveRemote.Store(true)

	if s.accepted {
		// Inbound side replies with its own hello before transitioning.
		s.sendHello()
	}

	s.establish()
}

// establish performs the ESTABLISHED-entry side effects named in
// spec.md §4.3: tracker notification, route recompute (done by the
// synchronizer on the wake that follows), synchronizer wake, and
// (outbound only) toposync initiation.
func (s *Session) establish() {
	s.state.Store(int32(StateEstablished))

	s.deps.Tracker.PeerConnected(topology.Node{
		UUID:       s.remote,
		ListenAddr: s.remoteAddr,
		Accepted:   s.accepted,
		Connected:  true,
	})

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEstablished(s.role())
	}

	s.deps.Sync.Wake()

	if !s.accepted {
		s.sendToposync()
	}
}

func (s *Session) role() string {
	if s.accepted {
		return "inbound"
	}
	return "outbound"
}

// TriggerToposync sends p2p_toposync to the remote peer if the session
// is established. Used by the gossip engine's merge notifier to
// trigger a full topology exchange on segment merge (spec.md §4.5).
func (s *Session) TriggerToposync() {
	if s.State() != StateEstablished {
		return
	}
	s.sendToposync()
}

func (s *Session) sendToposync() {
	if !s.Retain() {
		return
	}
	defer s.Release()

	payload, err := encodeTopology(s.deps.Tracker.Topology()).Marshal()
	if err != nil {
		s.deps.Log.Errorf("session: encode toposync: %v", err)
		return
	}
	if err := s.disp.Post(proto.MsgToposync, payload); err != nil {
		s.deps.Log.Warnf("session: send toposync: %v", err)
	}
}

// handleToposync implements spec.md §4.6: compute the delta, reply
// with local-minus-received so the requester learns links it lacks,
// apply received-minus-local locally, and persist newly learned nodes.
func (s *Session) handleToposync(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	doc, err := proto.Unmarshal(frame.Payload)
	if err != nil {
		s.deps.Log.Warnf("session: malformed toposync: %v", err)
		return
	}
	wire, ok := proto.DecodeTopology(doc)
	if !ok {
		s.deps.Log.Warnf("session: incomplete toposync")
		return
	}
	received := decodeTopology(wire)
	local := s.deps.Tracker.Topology()

	localMinusReceived, receivedMinusLocal := topology.Diff(local, received)

	s.applyLearnedLinks(receivedMinusLocal, received)

	replyPayload, err := encodeLinks(localMinusReceived).Marshal()
	if err != nil {
		s.deps.Log.Errorf("session: encode topodiff: %v", err)
		return
	}
	if err := s.disp.Reply(proto.MsgTopodiff, frame.Sequence, replyPayload); err != nil {
		s.deps.Log.Warnf("session: reply topodiff: %v", err)
	}

	if len(receivedMinusLocal) > 0 && s.deps.Persist != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTTL())
			defer cancel()
			nodes := nodesForLinks(receivedMinusLocal, received)
			if err := s.deps.Persist.PersistNodes(ctx, nodes); err != nil {
				s.deps.Log.Warnf("session: persist nodes: %v", err)
			}
		}()
	}
}

// handleTopodiff applies the links the requester's peer reported that
// we lacked.
func (s *Session) handleTopodiff(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	doc, err := proto.Unmarshal(frame.Payload)
	if err != nil {
		s.deps.Log.Warnf("session: malformed topodiff: %v", err)
		return
	}
	wire, ok := proto.DecodeTopology(doc)
	if !ok {
		return
	}
	received := decodeTopology(wire)
	s.applyLearnedLinks(received.Links, received)
}

func (s *Session) applyLearnedLinks(links []topology.Link, reference *topology.Topology) {
	nodesByUUID := make(map[uuid.UUID]topology.Node, len(reference.Nodes))
	for _, n := range reference.Nodes {
		nodesByUUID[n.UUID] = n
	}
	for _, l := range links {
		if n, ok := nodesByUUID[l.A]; ok {
			s.deps.Tracker.Append(n, false)
		}
		if n, ok := nodesByUUID[l.B]; ok {
			s.deps.Tracker.Append(n, false)
		}
		s.deps.Tracker.LinkState(l.A, l.B, l.Up, l.Weight)
	}
}

func nodesForLinks(links []topology.Link, reference *topology.Topology) []topology.Node {
	nodesByUUID := make(map[uuid.UUID]topology.Node, len(reference.Nodes))
	for _, n := range reference.Nodes {
		nodesByUUID[n.UUID] = n
	}
	seen := make(map[uuid.UUID]bool)
	var out []topology.Node
	for _, l := range links {
		for _, u := range [2]uuid.UUID{l.A, l.B} {
			if seen[u] {
				continue
			}
			seen[u] = true
			if n, ok := nodesByUUID[u]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// PostLinkState implements gossip.Peer: forwards a link-state message
// over this session without waiting for a reply.
func (s *Session) PostLinkState(ls gossip.LinkState) error {
	if !s.Retain() {
		return errkind.Closed
	}
	defer s.Release()

	shi, slo := ls.Source.Halves()
	phi, plo := ls.PeerUUID.Halves()
	msg := proto.LinkState{
		SourceHi: shi, SourceLo: slo, SourceAddr: ls.SourceAddr,
		PeerHi: phi, PeerLo: plo, PeerAddr: ls.PeerAddr,
		Connected: ls.Connected, Sequence: ls.Sequence,
	}
	payload, err := msg.Encode().Marshal()
	if err != nil {
		return fmt.Errorf("session: encode linkstate: %w", err)
	}
	return s.disp.Post(proto.MsgLinkState, payload)
}

func (s *Session) handleLinkState(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	doc, err := proto.Unmarshal(frame.Payload)
	if err != nil {
		s.deps.Log.Warnf("session: malformed linkstate: %v", err)
		return
	}
	wire, ok := proto.DecodeLinkState(doc)
	if !ok {
		s.deps.Log.Warnf("session: incomplete linkstate")
		return
	}
	msg := gossip.LinkState{
		Source:     uuid.FromHalves(wire.SourceHi, wire.SourceLo),
		SourceAddr: wire.SourceAddr,
		PeerUUID:   uuid.FromHalves(wire.PeerHi, wire.PeerLo),
		PeerAddr:   wire.PeerAddr,
		Connected:  wire.Connected,
		Sequence:   wire.Sequence,
	}
	s.deps.Gossip.Receive(msg, s.remote)
}

// RequestCfslog is the per-session half of datasync.PeerTransport
// (transport.Manager picks the session for a peer and delegates here):
// send p2p_cfslog_state, decode the p2p_cfslog_data reply.
func (s *Session) RequestCfslog(ctx context.Context, origin uuid.UUID, knownTop uint64) ([]trlog.Entry, bool, error) {
	if !s.Retain() {
		return nil, false, errkind.Closed
	}
	defer s.Release()

	ohi, olo := origin.Halves()
	req := proto.CfslogState{OriginHi: ohi, OriginLo: olo, KnownTop: knownTop}
	payload, err := req.Encode().Marshal()
	if err != nil {
		return nil, false, err
	}

	resp, err := s.disp.Send(ctx, proto.MsgCfslogState, payload, s.requestTTL())
	if err != nil {
		return nil, false, err
	}

	doc, err := proto.Unmarshal(resp.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("session: malformed cfslog_data: %w", err)
	}
	data, ok := proto.DecodeCfslogData(doc)
	if !ok {
		return nil, false, errkind.InvalidMessage
	}

	entries := make([]trlog.Entry, len(data.Entries))
	for i, e := range data.Entries {
		entries[i] = trlog.Entry{ID: e.ID, Payload: e.Payload}
	}
	fullBatch := uint32(len(entries)) >= maxSyncBatch
	return entries, fullBatch, nil
}

// maxSyncBatch bounds one p2p_cfslog_data reply; a reply at the cap is
// treated as "more data is expected" per spec.md §4.8 step 4.
const maxSyncBatch = 256

// handleCfslogState answers a remote pull request by reading our own
// copy of the requested origin's log from knownTop+1 and replying with
// p2p_cfslog_data (server side of spec.md §4.8).
func (s *Session) handleCfslogState(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	doc, err := proto.Unmarshal(frame.Payload)
	if err != nil {
		s.deps.Log.Warnf("session: malformed cfslog_state: %v", err)
		return
	}
	req, ok := proto.DecodeCfslogState(doc)
	if !ok {
		return
	}
	origin := uuid.FromHalves(req.OriginHi, req.OriginLo)

	tl, err := s.deps.TRLogs.Get(origin)
	if err != nil {
		s.deps.Log.Errorf("session: open log for origin %s: %v", origin, err)
		return
	}

	entries, err := tl.Read(req.KnownTop+1, maxSyncBatch)
	if err != nil {
		s.deps.Log.Errorf("session: read log for origin %s: %v", origin, err)
		return
	}

	wireEntries := make([]proto.CfslogEntry, len(entries))
	for i, e := range entries {
		wireEntries[i] = proto.CfslogEntry{ID: e.ID, Payload: e.Payload}
	}
	resp := proto.CfslogData{OriginHi: req.OriginHi, OriginLo: req.OriginLo, Entries: wireEntries}
	payload, err := resp.Encode().Marshal()
	if err != nil {
		s.deps.Log.Errorf("session: encode cfslog_data: %v", err)
		return
	}
	if err := s.disp.Reply(proto.MsgCfslogData, frame.Sequence, payload); err != nil {
		s.deps.Log.Warnf("session: reply cfslog_data: %v", err)
	}
}

// handleCfslogData is unused on the client side in practice (RequestCfslog
// consumes the reply directly via Send), but is registered so an
// out-of-band push would still be routed somewhere sane instead of
// logging "no handler".
func (s *Session) handleCfslogData(d *dispatcher.Dispatcher, frame proto.Frame, _ interface{}) {
	s.deps.Committer.Wake()
}

func (s *Session) requestTTL() time.Duration {
	if s.deps.RequestTTL > 0 {
		return s.deps.RequestTTL
	}
	return 5 * time.Second
}

// fail transitions straight to CLOSED, e.g. on version mismatch.
func (s *Session) fail(reason error) {
	s.deps.Log.Warnf("session: failing: %v", reason)
	s.Close()
}

// Close transitions the session to CLOSED, notifies the tracker,
// gossips the link down, and closes the underlying connection
// (spec.md §4.3 "ESTABLISHED -> CLOSED").
func (s *Session) Close() {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}

	s.disp.Close()
	_ = s.conn.Close()
	s.ref.Release()

	if prev == StateEstablished && s.haveRemote.Load() {
		s.deps.Tracker.PeerDisconnected(s.remote)
		seq := s.deps.Gossip.NextSequence()
		s.deps.Gossip.Broadcast(gossip.LinkState{
			Source:     s.deps.SelfUUID,
			SourceAddr: s.deps.SelfAddr,
			PeerUUID:   s.remote,
			PeerAddr:   s.remoteAddr,
			Connected:  false,
			Sequence:   seq,
		}, s.remote)
		if s.deps.Metrics != nil {
			s.deps.Metrics.SessionClosed(s.role())
		}
	}

	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func encodeTopology(t *topology.Topology) *proto.Document {
	return toWire(t).Encode()
}

func encodeLinks(links []topology.Link) *proto.Document {
	nodeSet := make(map[uuid.UUID]bool)
	for _, l := range links {
		nodeSet[l.A] = true
		nodeSet[l.B] = true
	}
	var nodes []topology.Node
	for u := range nodeSet {
		nodes = append(nodes, topology.Node{UUID: u})
	}
	return toWire(&topology.Topology{Nodes: nodes, Links: links}).Encode()
}

func toWire(t *topology.Topology) proto.Topology {
	index := make(map[uuid.UUID]uint32, len(t.Nodes))
	wire := proto.Topology{}
	for i, n := range t.Nodes {
		hi, lo := n.UUID.Halves()
		index[n.UUID] = uint32(i)
		wire.Nodes = append(wire.Nodes, proto.TopoNode{Hi: hi, Lo: lo, Addr: n.ListenAddr})
	}
	for _, l := range t.Links {
		a, aok := index[l.A]
		b, bok := index[l.B]
		if !aok || !bok {
			continue
		}
		wire.Links = append(wire.Links, proto.TopoLink{NodeA: a, NodeB: b, Weight: l.Weight})
	}
	return wire
}

func decodeTopology(wire proto.Topology) *topology.Topology {
	t := &topology.Topology{}
	for _, n := range wire.Nodes {
		t.Nodes = append(t.Nodes, topology.Node{UUID: uuid.FromHalves(n.Hi, n.Lo), ListenAddr: n.Addr})
	}
	for _, l := range wire.Links {
		if int(l.NodeA) >= len(t.Nodes) || int(l.NodeB) >= len(t.Nodes) {
			continue
		}
		a := t.Nodes[l.NodeA].UUID
		b := t.Nodes[l.NodeB].UUID
		t.Links = append(t.Links, topology.Link{A: a, B: b, Weight: l.Weight, Up: true})
	}
	return t
}
