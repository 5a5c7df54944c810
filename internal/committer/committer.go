// Package committer implements the single long-running worker of
// spec.md §4.9 that drains the applied < top gap of every local TR-log
// by invoking the table-apply function.
//
// Grounded on the teacher's Deliver abstraction (pkg/mcast/core/deliver.go):
// Deliver.Commit interprets a committed entry against the state
// machine and reports success/failure exactly like the TableApplyFunc
// contract here.
package committer

import (
	"context"
	"time"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/metrics"
	"github.com/medved-io/medved/internal/trlog"
)

// TableApplyFunc interprets one TR-log payload against local table
// state (insert row, create table, ...) and reports success.
type TableApplyFunc func(origin string, payload []byte) bool

// Committer drains every changed TR-log on wake.
type Committer struct {
	registry  *trlog.Registry
	apply     TableApplyFunc
	batchSize int
	log       logging.Logger

	wake chan struct{} // coalescing wakeup signal, the Go analogue of an eventfd write
	done chan struct{}

	metrics *metrics.Metrics
}

// SetMetrics attaches a collector set; nil (the zero value) disables
// recording.
func (c *Committer) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// New creates a Committer. batchSize bounds each TRLog.Apply call.
func New(registry *trlog.Registry, batchSize int, apply TableApplyFunc, log logging.Logger) *Committer {
	return &Committer{
		registry:  registry,
		apply:     apply,
		batchSize: batchSize,
		log:       log,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Wake signals the committer to run a pass as soon as possible. Safe
// to call from any goroutine; multiple wakes before the worker
// observes them coalesce into a single pass, matching the coalescing
// nature of writing to an eventfd repeatedly.
func (c *Committer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run blocks, draining changed TR-logs on every wake, until ctx is
// canceled.
func (c *Committer) Run(ctx context.Context) {
	defer close(c.done)
	// Run one pass immediately so crash-recovered logs are committed
	// without waiting for the first external wake.
	c.pass()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.pass()
		}
	}
}

func (c *Committer) pass() {
	for _, tl := range c.registry.All() {
		if !tl.Changed() {
			continue
		}
		origin := tl.Origin().String()
		n, err := tl.Apply(c.batchSize, func(payload []byte) bool {
			return c.apply(origin, payload)
		})
		if err != nil {
			c.log.Errorf("committer: apply failed for origin %s: %v", origin, err)
			continue
		}
		if n > 0 {
			c.log.Debugf("committer: applied %d entries for origin %s", n, origin)
			if c.metrics != nil {
				c.metrics.TRLogApplied.Add(float64(n))
			}
		}
	}
}

// Stopped returns a channel closed once Run has returned.
func (c *Committer) Stopped() <-chan struct{} { return c.done }

// WaitStopped blocks until Run returns or timeout elapses, returning
// false on timeout. Primarily useful in tests and graceful shutdown
// paths that want a bounded wait.
func (c *Committer) WaitStopped(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
