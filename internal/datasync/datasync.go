// Package datasync implements the pull-style data synchronizer of
// spec.md §4.8: a routing table over reachable remote origins, a
// dedicated wake-driven thread, and per-route sync jobs that pull
// TR-log tails through a peer session.
package datasync

import (
	"container/heap"
	"context"
	"sync"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/scheduler"
	"github.com/medved-io/medved/internal/topology"
	"github.com/medved-io/medved/internal/trlog"
	"github.com/medved-io/medved/internal/uuid"
)

// PeerTransport is the capability the synchronizer needs to pull one
// batch of TR-log entries from a route's next-hop peer.
type PeerTransport interface {
	// RequestCfslog sends p2p_cfslog_state to peer and returns the
	// p2p_cfslog_data reply (spec.md §4.8 steps 2-3).
	RequestCfslog(ctx context.Context, peer uuid.UUID, origin uuid.UUID, knownTop uint64) (entries []trlog.Entry, fullBatch bool, err error)
}

// Route is one entry of the routing table: to reach origin, send to
// nextHop.
type Route struct {
	Origin  uuid.UUID
	NextHop uuid.UUID
}

// Synchronizer owns the routing table and drives sync jobs through the
// job scheduler.
type Synchronizer struct {
	self      uuid.UUID
	tracker   *topology.Tracker
	registry  *trlog.Registry
	scheduler *scheduler.Scheduler
	transport PeerTransport
	batchSize int
	log       logging.Logger

	wake chan struct{}
	done chan struct{}

	mu     sync.Mutex
	routes []Route

	activeMu sync.Mutex
	active   map[uuid.UUID]bool // keyed by origin: at most one active job per (origin, peer) pair

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; nil (the zero value) disables
// recording.
func (s *Synchronizer) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// New creates a Synchronizer.
func New(self uuid.UUID, tracker *topology.Tracker, registry *trlog.Registry, sched *scheduler.Scheduler, transport PeerTransport, batchSize int, log logging.Logger) *Synchronizer {
	return &Synchronizer{
		self:      self,
		tracker:   tracker,
		registry:  registry,
		scheduler: sched,
		transport: transport,
		batchSize: batchSize,
		log:       log,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		active:    make(map[uuid.UUID]bool),
	}
}

// Wake signals the synchronizer to recompute routes and re-enqueue
// sync jobs. Coalescing: multiple wakes before the thread observes
// them collapse into one pass.
func (s *Synchronizer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the dedicated synchronizer thread (spec.md §4.8 "A dedicated
// thread waits on an event descriptor").
func (s *Synchronizer) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.recomputeAndDispatch()
		}
	}
}

// RoutingTable recomputes next-hop routes from the current topology
// snapshot using shortest-weighted-path over up links (spec.md §4.4
// glossary "Routing table").
func (s *Synchronizer) RoutingTable() []Route {
	snap := s.tracker.Topology()
	return shortestPaths(s.self, snap)
}

func (s *Synchronizer) recomputeAndDispatch() {
	routes := s.RoutingTable()

	s.mu.Lock()
	s.routes = routes
	s.mu.Unlock()

	for _, route := range routes {
		s.enqueueSyncJob(route)
	}
}

// enqueueSyncJob pushes one sync job for route onto the scheduler,
// respecting the at-most-one-active-job-per-(origin,peer) backpressure
// rule (spec.md §4.8 "Backpressure").
func (s *Synchronizer) enqueueSyncJob(route Route) {
	s.activeMu.Lock()
	if s.active[route.Origin] {
		s.activeMu.Unlock()
		return
	}
	s.active[route.Origin] = true
	s.activeMu.Unlock()

	job := scheduler.Job{
		Run: func() { s.runSyncJob(route) },
		Finalize: func() {
			s.activeMu.Lock()
			delete(s.active, route.Origin)
			s.activeMu.Unlock()
			if s.metrics != nil {
				s.metrics.SyncJobsCompleted.Inc()
			}
		},
	}
	if s.metrics != nil {
		s.metrics.SyncJobsEnqueued.Inc()
	}
	if !s.scheduler.Push(route.Origin.String(), job) {
		s.log.Warnf("datasync: job queue full for origin %s, will retry on next wake", route.Origin)
		s.activeMu.Lock()
		delete(s.active, route.Origin)
		s.activeMu.Unlock()
	}
}

// runSyncJob is the sync job body (spec.md §4.8 numbered steps).
func (s *Synchronizer) runSyncJob(route Route) {
	tl, err := s.registry.Get(route.Origin)
	if err != nil {
		s.log.Errorf("datasync: open log for origin %s: %v", route.Origin, err)
		return
	}

	knownTop := tl.Top()

	ctx := context.Background()
	entries, fullBatch, err := s.transport.RequestCfslog(ctx, route.NextHop, route.Origin, knownTop)
	if err != nil {
		s.log.Warnf("datasync: request to %s for origin %s failed: %v", route.NextHop, route.Origin, err)
		return
	}

	if len(entries) > 0 {
		logEntries := make([]trlog.Entry, len(entries))
		copy(logEntries, entries)
		if err := tl.Append(logEntries); err != nil {
			s.log.Errorf("datasync: append failed for origin %s: %v", route.Origin, err)
			return
		}
		if s.metrics != nil {
			s.metrics.TRLogAppended.Add(float64(len(entries)))
		}
	}

	if fullBatch {
		// More data is expected; pull the next batch right away, still
		// inside this job's active slot for the origin, rather than
		// waiting for the next topology-driven wake.
		s.runSyncJob(route)
	}
}

// Stopped returns a channel closed once Run has returned.
func (s *Synchronizer) Stopped() <-chan struct{} { return s.done }

// --- routing table computation -------------------------------------

type edge struct {
	to     uuid.UUID
	weight uint32
}

// shortestPaths computes, for every node reachable from self over up
// links, the next-hop neighbor of self on a shortest (max-weight)
// path, using Dijkstra's algorithm with weight-as-preference (higher
// is better, so we maximize the minimum edge weight along the path —
// the natural reading of "higher = preferred" for routing).
func shortestPaths(self uuid.UUID, snap *topology.Topology) []Route {
	adjacency := make(map[uuid.UUID][]edge)
	for _, l := range snap.Links {
		if !l.Up {
			continue
		}
		adjacency[l.A] = append(adjacency[l.A], edge{to: l.B, weight: l.Weight})
		adjacency[l.B] = append(adjacency[l.B], edge{to: l.A, weight: l.Weight})
	}

	best := make(map[uuid.UUID]uint32)
	nextHop := make(map[uuid.UUID]uuid.UUID)

	pq := &maxHeap{}
	heap.Init(pq)
	heap.Push(pq, pqItem{node: self, bottleneck: ^uint32(0)})
	best[self] = ^uint32(0)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if cur.bottleneck < best[cur.node] {
			continue
		}
		for _, e := range adjacency[cur.node] {
			candidate := e.weight
			if cur.bottleneck < candidate {
				candidate = cur.bottleneck
			}
			if prev, ok := best[e.to]; !ok || candidate > prev {
				best[e.to] = candidate
				if cur.node == self {
					nextHop[e.to] = e.to
				} else {
					nextHop[e.to] = nextHop[cur.node]
				}
				heap.Push(pq, pqItem{node: e.to, bottleneck: candidate})
			}
		}
	}

	var routes []Route
	for node, hop := range nextHop {
		if node == self {
			continue
		}
		routes = append(routes, Route{Origin: node, NextHop: hop})
	}
	return routes
}

// pqItem is one entry in the routing priority queue: a candidate node
// together with the smallest edge weight (the "bottleneck") along the
// best path found to it so far.
type pqItem struct {
	node       uuid.UUID
	bottleneck uint32
}

// maxHeap is a tiny container/heap adapter ordering by largest
// bottleneck weight first.
type maxHeap []pqItem

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].bottleneck > h[j].bottleneck }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) {
	*h = append(*h, x.(pqItem))
}
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
