// Package core wires every subsystem together into the single handle
// spec.md §6 calls for: `core_create(config) -> handle`,
// `core_listen(handle)`, `core_connect(handle)`, `core_free(handle)`.
package core

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/medved-io/medved/internal/committer"
	"github.com/medved-io/medved/internal/config"
	"github.com/medved-io/medved/internal/datasync"
	"github.com/medved-io/medved/internal/eventbus"
	"github.com/medved-io/medved/internal/gossip"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/scheduler"
	"github.com/medved-io/medved/internal/session"
	"github.com/medved-io/medved/internal/storage"
	"github.com/medved-io/medved/internal/topology"
	"github.com/medved-io/medved/internal/transport"
	"github.com/medved-io/medved/internal/trlog"
	"github.com/medved-io/medved/internal/uuid"
)

var bucketMetainf = []byte("metainf")
var keySelfUUID = []byte("self")

// TableApplyFunc interprets one committed TR-log payload against local
// table state; see committer.TableApplyFunc.
type TableApplyFunc = committer.TableApplyFunc

// Core is the top-level handle wiring the connection manager, peer
// sessions, topology tracker, gossip engine, TR-log registry, data
// synchronizer, committer, job scheduler, and event bus together
// (spec.md §2).
type Core struct {
	cfg  config.Config
	self uuid.UUID
	log  logging.Logger

	metainfStore *storage.Store
	nodesStore   *storage.Store

	bus       *eventbus.Bus
	tracker   *topology.Tracker
	sched     *scheduler.Scheduler
	trlogs    *trlog.Registry
	gossipEng *gossip.Engine
	sync      *datasync.Synchronizer
	commit    *committer.Committer
	transport *transport.Manager
	metrics   *metrics.Metrics

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Core from cfg, generating or reloading the node's
// identity and persisted peer addresses. apply interprets committed
// TR-log entries against local table state. reg registers the
// Prometheus collectors; pass prometheus.NewRegistry() for test
// isolation.
func New(cfg config.Config, apply TableApplyFunc, reg prometheus.Registerer) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	metainfStore, err := storage.Open(filepath.Join(cfg.StorageRoot, "metainf", "metainf.db"))
	if err != nil {
		return nil, err
	}

	self, err := loadOrCreateSelf(metainfStore)
	if err != nil {
		_ = metainfStore.Close()
		return nil, err
	}

	nodesStore, err := storage.Open(filepath.Join(cfg.StorageRoot, "nodes", "nodes.db"))
	if err != nil {
		_ = metainfStore.Close()
		return nil, err
	}

	bus := eventbus.New()
	tracker := topology.New(self, bus)
	if err := topology.LoadNodes(nodesStore, tracker); err != nil {
		log.Warnf("core: load persisted nodes: %v", err)
	}

	sched := scheduler.New(cfg.JobWorkers, cfg.JobQueues, log)
	trlogs := trlog.NewRegistry(cfg.StorageRoot, log)
	m := metrics.New(reg)

	commit := committer.New(trlogs, int(cfg.TRLogBatchSize), apply, log)
	commit.SetMetrics(m)

	c := &Core{
		cfg:          cfg,
		self:         self,
		log:          log,
		metainfStore: metainfStore,
		nodesStore:   nodesStore,
		bus:          bus,
		tracker:      tracker,
		sched:        sched,
		trlogs:       trlogs,
		commit:       commit,
		metrics:      m,
	}

	mgr := transport.New(cfg, self, c.sessionFactory)
	c.transport = mgr

	c.gossipEng = gossip.New(self, tracker, mgr, cfg.GossipSeenWindow, c.onMerge, log)
	c.gossipEng.SetMetrics(m)

	c.sync = datasync.New(self, tracker, trlogs, sched, mgr, int(cfg.TRLogBatchSize), log)
	c.sync.SetMetrics(m)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group, c.ctx = errgroup.WithContext(c.ctx)
	c.group.Go(func() error {
		c.sync.Run(c.ctx)
		return nil
	})
	c.group.Go(func() error {
		c.commit.Run(c.ctx)
		return nil
	})

	return c, nil
}

func loadOrCreateSelf(store *storage.Store) (uuid.UUID, error) {
	var self uuid.UUID
	var found bool

	err := store.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetainf)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(keySelfUUID); v != nil && len(v) == 16 {
			copy(self[:], v)
			found = true
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("core: read self uuid: %w", err)
	}
	if found {
		return self, nil
	}

	self = uuid.New()
	err = store.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketMetainf)
		if err != nil {
			return err
		}
		return bucket.Put(keySelfUUID, self.Bytes())
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("core: persist self uuid: %w", err)
	}
	return self, nil
}

// onMerge is the gossip engine's MergeNotifier: when a previously
// unknown node is observed via a peer, trigger a full toposync to that
// peer so both sides converge quickly (spec.md §4.5, scenario 4
// "Segment merge").
func (c *Core) onMerge(introducedBy uuid.UUID) {
	if s, ok := c.transport.Session(introducedBy); ok {
		s.TriggerToposync()
	}
}

// sessionFactory builds a fully wired session.Session for one accepted
// or dialed connection.
func (c *Core) sessionFactory(conn net.Conn, accepted bool) *session.Session {
	deps := session.Deps{
		SelfUUID:   c.self,
		SelfAddr:   c.cfg.ListenAddress,
		Version:    c.cfg.ProtocolVersion,
		Tracker:    c.tracker,
		Gossip:     c.gossipEng,
		Sync:       c.sync,
		Committer:  c.commit,
		TRLogs:     c.trlogs,
		Persist:    topology.NodeStore{Store: c.nodesStore},
		Log:        c.log,
		RequestTTL: c.cfg.RequestTimeout,
		Metrics:    c.metrics,
	}
	s := session.New(conn, conn, accepted, deps, nil)
	s.Dispatcher().SetMetrics(c.metrics)
	return s
}

// Listen opens the bind address and starts the connection manager's
// accept loop (spec.md §6 "core_listen"). The synchronizer and
// committer run regardless of whether Listen is called, so an
// outbound-only node still replicates and commits.
func (c *Core) Listen() error {
	return c.transport.Listen()
}

// Connect dials addr, retrying with capped exponential backoff until
// Close (spec.md §6 "core_connect").
func (c *Core) Connect(addr string) {
	c.transport.Connect(c.ctx, addr)
}

// Propose appends payload to this node's own TR-log as the next entry
// and wakes the committer so it is applied locally without waiting for
// the next external wake (spec.md §4.9 "from the table layer after a
// local append"). Other nodes learn of it the next time they pull this
// node's log via p2p_cfslog_state (spec.md §4.8).
func (c *Core) Propose(payload []byte) (uint64, error) {
	tl, err := c.trlogs.Get(c.self)
	if err != nil {
		return 0, fmt.Errorf("core: propose: %w", err)
	}
	id, err := tl.AppendLocal(payload)
	if err != nil {
		return id, fmt.Errorf("core: propose: %w", err)
	}
	if c.metrics != nil {
		c.metrics.TRLogAppended.Inc()
	}
	c.commit.Wake()
	return id, nil
}

// Self returns this node's identity.
func (c *Core) Self() uuid.UUID { return c.self }

// Tracker exposes the topology tracker for read-only inspection (e.g.
// by tests and the metrics/status endpoint).
func (c *Core) Tracker() *topology.Tracker { return c.tracker }

// EventBus exposes the shared event bus for external subscribers.
func (c *Core) EventBus() *eventbus.Bus { return c.bus }

// Close tears down every subsystem: cancels background goroutines,
// closes every connection, and releases storage handles (spec.md §6
// "core_free").
func (c *Core) Close() error {
	c.cancel()
	_ = c.group.Wait()

	c.transport.Close()
	c.sched.Shutdown()

	var firstErr error
	if err := c.trlogs.Close(); err != nil {
		firstErr = err
	}
	if err := c.nodesStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.metainfStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
