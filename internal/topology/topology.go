// Package topology implements the node registry, link-state set,
// routing support, and topology diff of spec.md §4.4: a single
// exclusive lock guards all mutations, readers take a shared lock, and
// every mutating batch publishes a new immutable topology snapshot.
package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/medved-io/medved/internal/eventbus"
	"github.com/medved-io/medved/internal/storage"
	"github.com/medved-io/medved/internal/uuid"
)

var bucketNodes = []byte("nodes")

// EventChanged is published on the tracker's event bus whenever a
// mutation calls for notification (spec.md §4.4 append's "notify" flag,
// every peer_connected/peer_disconnected call, and every linkstate call
// that changes a link).
const EventChanged eventbus.Tag = "topology-changed"

// Node is a node record (spec.md §3 "Node record"). Node records are
// created on first mention and never destroyed for the process
// lifetime; only the mutable fields below change afterwards.
type Node struct {
	UUID       uuid.UUID
	ListenAddr string
	LocalID    uint32
	Accepted   bool
	Connected  bool
	Active     bool
}

// Link is an unordered pair of node UUIDs with a weight and up/down bit
// (spec.md §3 "Link"). A and B are always stored with A the
// lexicographically smaller UUID, so that two observations of the same
// link compare equal regardless of which endpoint reported it.
type Link struct {
	A, B   uuid.UUID
	Weight uint32
	Up     bool
}

func orderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if b.Less(a) {
		return b, a
	}
	return a, b
}

type linkKey struct{ a, b uuid.UUID }

func keyFor(a, b uuid.UUID) linkKey {
	lo, hi := orderedPair(a, b)
	return linkKey{lo, hi}
}

// Topology is an immutable snapshot value (spec.md §3 "Topology"):
// a point-in-time set of nodes and links. Once published it is never
// mutated; callers compare and diff old and new snapshots freely.
type Topology struct {
	Nodes []Node
	Links []Link
}

// Changed reports a topology-changed event payload.
type Changed struct {
	Topology *Topology
}

// Tracker owns the live, mutable node/link state and publishes
// immutable Topology snapshots on change.
type Tracker struct {
	mu sync.RWMutex

	self uuid.UUID

	nodes       map[uuid.UUID]*Node
	links       map[linkKey]Link
	uuidToLocal map[uuid.UUID]uint32
	localToUUID map[uint32]uuid.UUID
	nextLocal   uint32

	snapshot atomic.Pointer[Topology]
	bus      *eventbus.Bus
}

// New creates a Tracker for a node identified by self, publishing
// events onto bus.
func New(self uuid.UUID, bus *eventbus.Bus) *Tracker {
	t := &Tracker{
		self:        self,
		nodes:       make(map[uuid.UUID]*Node),
		links:       make(map[linkKey]Link),
		uuidToLocal: make(map[uuid.UUID]uint32),
		localToUUID: make(map[uint32]uuid.UUID),
		bus:         bus,
	}
	t.nodes[self] = &Node{UUID: self, Active: true}
	t.assignLocalIDLocked(self)
	t.publishLocked()
	return t
}

func (t *Tracker) assignLocalIDLocked(u uuid.UUID) uint32 {
	if id, ok := t.uuidToLocal[u]; ok {
		return id
	}
	id := t.nextLocal
	t.nextLocal++
	t.uuidToLocal[u] = id
	t.localToUUID[id] = u
	return id
}

// Append upserts a node record, returning true iff the UUID was not
// previously known. If notify is set, a topology-changed event is
// published (spec.md §4.4 "append(node, notify)").
func (t *Tracker) Append(node Node, notify bool) bool {
	t.mu.Lock()
	_, existed := t.nodes[node.UUID]
	if !existed {
		cp := node
		cp.LocalID = t.assignLocalIDLocked(node.UUID)
		cp.Active = true
		t.nodes[node.UUID] = &cp
	} else {
		existing := t.nodes[node.UUID]
		if node.ListenAddr != "" {
			existing.ListenAddr = node.ListenAddr
		}
	}
	t.publishLocked()
	t.mu.Unlock()

	if notify {
		t.bus.Publish(eventbus.Event{Tag: EventChanged, Payload: Changed{Topology: t.Topology()}})
	}
	return !existed
}

// PeerConnected upserts node with connected=1, assigns it a local-id if
// new, and inserts the (self, node) link up with weight 1 (spec.md
// §4.4). A topology-changed event is always published.
func (t *Tracker) PeerConnected(node Node) {
	t.mu.Lock()
	n, ok := t.nodes[node.UUID]
	if !ok {
		cp := node
		cp.LocalID = t.assignLocalIDLocked(node.UUID)
		n = &cp
		t.nodes[node.UUID] = n
	} else {
		if node.ListenAddr != "" {
			n.ListenAddr = node.ListenAddr
		}
		n.Accepted = node.Accepted
	}
	n.Connected = true
	n.Active = true

	k := keyFor(t.self, node.UUID)
	a, b := orderedPair(t.self, node.UUID)
	t.links[k] = Link{A: a, B: b, Weight: 1, Up: true}

	t.publishLocked()
	t.mu.Unlock()

	t.bus.Publish(eventbus.Event{Tag: EventChanged, Payload: Changed{Topology: t.Topology()}})
}

// PeerDisconnected marks the link (self, u) down.
func (t *Tracker) PeerDisconnected(u uuid.UUID) {
	t.mu.Lock()
	if n, ok := t.nodes[u]; ok {
		n.Connected = false
	}
	k := keyFor(t.self, u)
	if link, ok := t.links[k]; ok {
		link.Up = false
		t.links[k] = link
	}
	t.publishLocked()
	t.mu.Unlock()

	t.bus.Publish(eventbus.Event{Tag: EventChanged, Payload: Changed{Topology: t.Topology()}})
}

// LinkState applies an idempotent link update between a and b,
// symmetrized by ordering the pair (spec.md §4.4 "linkstate(a, b,
// up)"). Returns true if this call actually changed the stored state.
func (t *Tracker) LinkState(a, b uuid.UUID, up bool, weight uint32) bool {
	t.mu.Lock()
	k := keyFor(a, b)
	lo, hi := orderedPair(a, b)
	existing, existed := t.links[k]
	changed := !existed || existing.Up != up || existing.Weight != weight
	if changed {
		t.links[k] = Link{A: lo, B: hi, Weight: weight, Up: up}
		t.publishLocked()
	}
	t.mu.Unlock()

	if changed {
		t.bus.Publish(eventbus.Event{Tag: EventChanged, Payload: Changed{Topology: t.Topology()}})
	}
	return changed
}

// Topology returns the current immutable snapshot.
func (t *Tracker) Topology() *Topology {
	return t.snapshot.Load()
}

// NodeByLocalID looks up a node by its process-lifetime dense id.
func (t *Tracker) NodeByLocalID(id uint32) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.localToUUID[id]
	if !ok {
		return Node{}, false
	}
	return *t.nodes[u], true
}

// NodeByUUID looks up a node by its UUID.
func (t *Tracker) NodeByUUID(u uuid.UUID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[u]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Self returns this tracker's own node UUID.
func (t *Tracker) Self() uuid.UUID { return t.self }

// publishLocked rebuilds and swaps in a new immutable snapshot. Must
// be called with mu held for writing.
func (t *Tracker) publishLocked() {
	nodes := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID.Less(nodes[j].UUID) })

	links := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	sortLinks(links)

	t.snapshot.Store(&Topology{Nodes: nodes, Links: links})
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].A != links[j].A {
			return links[i].A.Less(links[j].A)
		}
		return links[i].B.Less(links[j].B)
	})
}

// Diff computes (a-b, b-a): links present only in a, links present
// only in b (spec.md §3 "Topology delta", §4.4 "Diff algorithm").
// Both inputs' Links must be sorted by (A, B); Tracker snapshots
// always satisfy this. The merge-compare is O(|a|+|b|).
func Diff(a, b *Topology) (onlyA, onlyB []Link) {
	i, j := 0, 0
	for i < len(a.Links) && j < len(b.Links) {
		la, lb := a.Links[i], b.Links[j]
		switch compareLinks(la, lb) {
		case -1:
			onlyA = append(onlyA, la)
			i++
		case 1:
			onlyB = append(onlyB, lb)
			j++
		default:
			i++
			j++
		}
	}
	onlyA = append(onlyA, a.Links[i:]...)
	onlyB = append(onlyB, b.Links[j:]...)
	return onlyA, onlyB
}

// NodeStore adapts a *storage.Store to session.NodePersister.
type NodeStore struct {
	Store *storage.Store
}

// PersistNodes implements session.NodePersister.
func (n NodeStore) PersistNodes(ctx context.Context, nodes []Node) error {
	return PersistNodes(ctx, n.Store, nodes)
}

// PersistNodes durably records (uuid, address) pairs in the nodes/
// bucket so addresses survive restart (spec.md §4.6 "node-persistence
// job", SPEC_FULL.md §4.12). Sessions run it on a goroutine of its
// own, not inline on the session's read path.
func PersistNodes(ctx context.Context, store *storage.Store, nodes []Node) error {
	_ = ctx
	err := store.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketNodes)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.ListenAddr == "" {
				continue
			}
			if err := bucket.Put(n.UUID.Bytes(), []byte(n.ListenAddr)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("topology: persist nodes: %w", err)
	}
	return nil
}

// LoadNodes replays every persisted (uuid, address) pair into the
// tracker on startup, so known addresses survive a restart even though
// connectivity does not (SPEC_FULL.md §4.12).
func LoadNodes(store *storage.Store, tracker *Tracker) error {
	var loaded []Node
	err := store.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNodes)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 16 {
				return nil
			}
			var u uuid.UUID
			copy(u[:], k)
			loaded = append(loaded, Node{UUID: u, ListenAddr: string(v)})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("topology: load nodes: %w", err)
	}
	for _, n := range loaded {
		tracker.Append(n, false)
	}
	return nil
}

// compareLinks orders links by (A, B) only: two links between the same
// pair of nodes with different weight/up state are considered equal
// for diff purposes, matching the original's "Links should be sorted
// in ascending order" contract which keys purely on endpoint identity.
func compareLinks(a, b Link) int {
	if a.A != b.A {
		if a.A.Less(b.A) {
			return -1
		}
		return 1
	}
	if a.B != b.B {
		if a.B.Less(b.B) {
			return -1
		}
		return 1
	}
	return 0
}
