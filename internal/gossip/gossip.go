// Package gossip implements the link-state flooding protocol of
// spec.md §4.5: broadcast on local link change, forward on receipt
// with causal/seen-set suppression, and full toposync requests on
// segment merge.
package gossip

import (
	"sync"
	"time"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/topology"
	"github.com/medved-io/medved/internal/uuid"
)

// Peer is the minimal capability gossip needs from a connected
// session: identity, and the ability to forward one link-state
// message.
type Peer interface {
	UUID() uuid.UUID
	PostLinkState(LinkState) error
}

// LinkState is the decoded gossip message (spec.md §4.5).
type LinkState struct {
	Source     uuid.UUID
	SourceAddr string
	PeerUUID   uuid.UUID
	PeerAddr   string
	Connected  bool
	Sequence   uint32
}

// Registry enumerates currently connected peers so the engine can
// flood a message to all of them.
type Registry interface {
	ForEach(fn func(Peer))
}

// MergeNotifier is invoked when gossip observes a UUID it has never
// seen before — a segment merge candidate per spec.md §4.5, which
// should trigger a full toposync request to the peer that introduced
// it.
type MergeNotifier func(introducedBy uuid.UUID)

type seenKey struct {
	source   uuid.UUID
	sequence uint32
}

// Engine implements the flooding protocol over a Registry of
// currently connected peers.
type Engine struct {
	self     uuid.UUID
	tracker  *topology.Tracker
	registry Registry
	window   time.Duration
	log      logging.Logger
	onMerge  MergeNotifier

	mu       sync.Mutex
	seen     map[seenKey]time.Time
	sequence uint32 // our own outgoing sequence counter

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; nil (the zero value) disables
// recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// New creates an Engine for node self, publishing link changes derived
// from tracker, flooding through registry, with seen entries expiring
// after window.
func New(self uuid.UUID, tracker *topology.Tracker, registry Registry, window time.Duration, onMerge MergeNotifier, log logging.Logger) *Engine {
	return &Engine{
		self:     self,
		tracker:  tracker,
		registry: registry,
		window:   window,
		log:      log,
		onMerge:  onMerge,
		seen:     make(map[seenKey]time.Time),
	}
}

// NextSequence allocates this node's next per-source sequence number
// for an authored link-state message (spec.md §4.5 "sequence is a
// per-source monotone counter").
func (e *Engine) NextSequence() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	return e.sequence
}

// markSeen marks (source, sequence) seen and reports whether it was
// already present (and not yet expired).
func (e *Engine) markSeen(msg LinkState) (alreadySeen bool) {
	key := seenKey{msg.Source, msg.Sequence}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for k, t := range e.seen {
		if now.Sub(t) > e.window {
			delete(e.seen, k)
		}
	}

	if t, ok := e.seen[key]; ok && now.Sub(t) <= e.window {
		return true
	}
	e.seen[key] = now
	return false
}

// Broadcast composes and floods a link-state message for a local link
// change, excluding the peer the update concerns (spec.md §4.5
// "Broadcast"). exceptPeer may be uuid.Nil if the change did not
// originate from a specific peer's session closing.
func (e *Engine) Broadcast(msg LinkState, exceptPeer uuid.UUID) {
	e.markSeen(msg)
	e.flood(msg, exceptPeer, msg.Source, msg.PeerUUID)
}

// Receive handles an inbound gossip message from fromPeer (spec.md
// §4.5 "Receive handler").
func (e *Engine) Receive(msg LinkState, fromPeer uuid.UUID) {
	if e.metrics != nil {
		e.metrics.GossipReceived.Inc()
	}
	if e.markSeen(msg) {
		if e.metrics != nil {
			e.metrics.GossipDropped.Inc()
		}
		return
	}

	_, sourceKnown := e.tracker.NodeByUUID(msg.Source)
	_, peerKnown := e.tracker.NodeByUUID(msg.PeerUUID)

	e.tracker.Append(topology.Node{UUID: msg.Source, ListenAddr: msg.SourceAddr}, false)
	e.tracker.Append(topology.Node{UUID: msg.PeerUUID, ListenAddr: msg.PeerAddr}, false)
	e.tracker.LinkState(msg.Source, msg.PeerUUID, msg.Connected, 1)

	if !sourceKnown && e.onMerge != nil {
		e.onMerge(fromPeer)
	} else if !peerKnown && e.onMerge != nil {
		e.onMerge(fromPeer)
	}

	e.flood(msg, fromPeer, msg.Source, msg.PeerUUID)
}

// flood forwards msg to every connected peer except exceptPeer and the
// message's own concerned endpoints (spec.md §4.5 steps 3 and
// "Broadcast" both exclude the concerned endpoints).
func (e *Engine) flood(msg LinkState, exceptPeer, concernedA, concernedB uuid.UUID) {
	e.registry.ForEach(func(p Peer) {
		id := p.UUID()
		if id == exceptPeer || id == concernedA || id == concernedB {
			return
		}
		if err := p.PostLinkState(msg); err != nil {
			e.log.Warnf("gossip: forward to %s failed: %v", id, err)
			return
		}
		if e.metrics != nil {
			e.metrics.GossipForwarded.Inc()
		}
	})
}
