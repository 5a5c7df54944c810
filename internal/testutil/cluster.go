// Package testutil provides an in-process multi-node cluster harness
// for exercising the coordination core end to end, grounded on the
// teacher's test.UnityCluster (test/testing.go): a fixed-size set of
// instances sharing a WaitGroup-driven shutdown path, free to dial each
// other over real loopback TCP connections.
package testutil

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medved-io/medved/internal/config"
	"github.com/medved-io/medved/internal/core"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/uuid"
)

// AppliedEntry records one call into a Node's recording TableApplyFunc.
type AppliedEntry struct {
	Origin  string
	Payload []byte
}

// Node wraps one cluster member with the bookkeeping tests need:
// its listen address and every TR-log entry committed so far.
type Node struct {
	Core *core.Core
	Addr string

	mu      sync.Mutex
	applied []AppliedEntry
}

func (n *Node) record(origin string, payload []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	n.applied = append(n.applied, AppliedEntry{Origin: origin, Payload: cp})
	return true
}

// Applied returns a snapshot of every entry committed on this node so
// far, in commit order.
func (n *Node) Applied() []AppliedEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]AppliedEntry, len(n.applied))
	copy(out, n.applied)
	return out
}

// Cluster is a fixed set of in-process nodes, each its own *core.Core
// bound to a loopback port and a temp-dir storage root.
type Cluster struct {
	T     *testing.T
	Nodes []*Node
}

// freeAddr asks the OS for an ephemeral loopback port, then releases it
// immediately; core.Core.Listen rebinds the same address a moment
// later. This mirrors how the teacher's tcp_transport_test.go picks
// addresses for its transport tests.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutil: reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// NewCluster starts size independent, unconnected nodes, each with its
// own storage root under t.TempDir() and a recording TableApplyFunc.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()
	c := &Cluster{T: t}
	for i := 0; i < size; i++ {
		storageRoot := t.TempDir()
		addr := freeAddr(t)

		cfg := config.Default(storageRoot, addr)
		cfg.Logger = logging.NewDefaultLogger()
		cfg.GossipSeenWindow = 5 * time.Second
		cfg.RequestTimeout = 2 * time.Second
		cfg.DialBackoffMin = 10 * time.Millisecond
		cfg.DialBackoffMax = 200 * time.Millisecond

		n := &Node{Addr: addr}
		cc, err := core.New(cfg, n.record, prometheus.NewRegistry())
		if err != nil {
			t.Fatalf("testutil: create node %d: %v", i, err)
		}
		n.Core = cc
		if err := cc.Listen(); err != nil {
			t.Fatalf("testutil: listen node %d: %v", i, err)
		}
		c.Nodes = append(c.Nodes, n)
	}
	return c
}

// Mesh connects every node to every other node (each unordered pair
// dialed once), then waits until every node's tracker lists every
// node (see WaitConverged) or t.Fatal on timeout.
func (c *Cluster) Mesh(timeout time.Duration) {
	c.T.Helper()
	for i, a := range c.Nodes {
		for j, b := range c.Nodes {
			if i >= j {
				continue
			}
			a.Core.Connect(b.Addr)
		}
	}
	c.WaitConverged(timeout)
}

// WaitConverged blocks until every node's topology tracker reports as
// many nodes as the cluster has, or fails the test after timeout.
func (c *Cluster) WaitConverged(timeout time.Duration) {
	c.T.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if c.converged() {
			return
		}
		if time.Now().After(deadline) {
			c.T.Fatalf("testutil: cluster did not converge within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Cluster) converged() bool {
	want := len(c.Nodes)
	for _, n := range c.Nodes {
		top := n.Core.Tracker().Topology()
		if len(top.Nodes) != want {
			return false
		}
	}
	return true
}

// UUIDs returns every node's identity, sorted, for deterministic
// comparisons in tests.
func (c *Cluster) UUIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		ids = append(ids, n.Core.Self())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Close shuts down every node concurrently and waits for all of them,
// matching UnityCluster.Off's fan-out shutdown.
func (c *Cluster) Close() {
	var wg sync.WaitGroup
	for _, n := range c.Nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := n.Core.Close(); err != nil {
				c.T.Errorf("testutil: close node: %v", err)
			}
		}(n)
	}
	wg.Wait()
}

// WaitOrTimeout runs cb in a goroutine and reports whether it finished
// before duration elapsed. Ported from the teacher's
// test.WaitThisOrTimeout.
func WaitOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// FmtAddr is a small helper for constructing loopback addresses by
// port in tests that need a fixed, non-ephemeral address.
func FmtAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
