// Package refcount implements the manual retain/release pattern
// spec.md §9 calls for on shared objects whose lifetime must not end
// while a concurrent caller still holds a reference — most notably the
// peer session, which must not be freed while another goroutine is
// mid-send on it.
//
// Grounded on the design note's "ownership-tracked shared handles with
// an explicit weak counterpart": Retain returns false once the count
// has already reached zero, the Go rendition of the source's
// retain-on-zero-returns-null weak-to-strong upgrade.
package refcount

import "sync/atomic"

// Counter is an embeddable reference counter. Its zero value holds no
// reference; Init gives it the one live reference that construction
// holds. The peer session uses it.
type Counter struct {
	n atomic.Int64
}

// Init sets the initial reference count to one. Call once at
// construction.
func (c *Counter) Init() {
	c.n.Store(1)
}

// Retain attempts to add a reference. It returns false if the count
// had already reached zero (the object is being or has been freed) —
// callers must treat that as "object is gone", never touching it
// further, rather than proceeding with a stale pointer.
func (c *Counter) Retain() bool {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return false
		}
		if c.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference, returning true exactly once: when this
// call drove the count to zero, meaning the caller is now responsible
// for freeing the object's resources.
func (c *Counter) Release() bool {
	return c.n.Add(-1) == 0
}
