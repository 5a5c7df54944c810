// Package trlog implements the per-origin transaction log engine of
// spec.md §4.7: append-only, monotonically numbered entries with
// durable top/applied cursors, batch reads, and exactly-once apply
// dispatch.
//
// Grounded on original_source/mdv_core/storage/mdv_trlog.c: top and
// applied are in-memory atomics refreshed from two bbolt buckets
// (TRLOG, APPLIED) on open, advanced by compare-and-swap on append and
// written durably on apply.
package trlog

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/storage"
	"github.com/medved-io/medved/internal/uuid"
)

var (
	bucketTRLog   = []byte("TRLOG")
	bucketApplied = []byte("APPLIED")
)

const appliedKey = uint64(0)

// Entry is one TR-log record (spec.md §3 "TR-log entry").
type Entry struct {
	ID      uint64
	Payload []byte
}

// ApplyFunc interprets one entry's payload against local table state
// and reports whether it committed successfully.
type ApplyFunc func(payload []byte) bool

// TRLog is one origin's durable, monotone transaction log.
type TRLog struct {
	origin uuid.UUID
	store  *storage.Store
	log    logging.Logger

	top     atomic.Uint64
	applied atomic.Uint64

	applyMu sync.Mutex // serializes Apply so fn never runs twice for the same id
}

// Open resolves <root>/trlog/<uuid>/trlog.db, creating it if absent,
// and initializes top from the TRLOG bucket's last key and applied
// from the APPLIED bucket's key 0 (spec.md §4.7 "open").
func Open(root string, origin uuid.UUID, log logging.Logger) (*TRLog, error) {
	path := filepath.Join(root, "trlog", origin.String(), "trlog.db")
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trlog: open %s: %w", origin, err)
	}

	tl := &TRLog{origin: origin, store: store, log: log}

	err = store.Update(func(tx *bolt.Tx) error {
		trlogBucket, err := tx.CreateBucketIfNotExists(bucketTRLog)
		if err != nil {
			return err
		}
		if k, _ := trlogBucket.Cursor().Last(); k != nil {
			tl.top.Store(storage.DecodeKey(k))
		}

		appliedBucket, err := tx.CreateBucketIfNotExists(bucketApplied)
		if err != nil {
			return err
		}
		if v := appliedBucket.Get(storage.EncodeKey(appliedKey)); v != nil {
			tl.applied.Store(storage.DecodeKey(v))
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("trlog: init %s: %w", origin, err)
	}

	return tl, nil
}

// Close releases the underlying storage handle.
func (t *TRLog) Close() error { return t.store.Close() }

// Origin returns the UUID this log is indexed by.
func (t *TRLog) Origin() uuid.UUID { return t.origin }

// Top returns the largest id ever written.
func (t *TRLog) Top() uint64 { return t.top.Load() }

// Applied returns the largest id committed to state.
func (t *TRLog) Applied() uint64 { return t.applied.Load() }

// Append inserts each entry with put-unique semantics inside one
// storage transaction: a duplicate id is a soft warning, not an error,
// enabling idempotent replay (spec.md §4.7 "append"). Either every
// entry is committed or none are.
func (t *TRLog) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var maxInserted uint64
	err := t.store.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTRLog)
		for _, e := range entries {
			key := storage.EncodeKey(e.ID)
			if bucket.Get(key) != nil {
				t.log.Warnf("trlog: duplicate id %d for origin %s ignored", e.ID, t.origin)
				if e.ID > maxInserted {
					maxInserted = e.ID
				}
				continue
			}
			if err := bucket.Put(key, e.Payload); err != nil {
				return err
			}
			if e.ID > maxInserted {
				maxInserted = e.ID
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("trlog: append: %w", err)
	}

	t.maximizeTop(maxInserted)
	return nil
}

// maximizeTop advances top to max(top, id) via compare-and-swap
// (spec.md §4.7, original_source mdv_trlog_id_maximize).
func (t *TRLog) maximizeTop(id uint64) {
	for {
		cur := t.top.Load()
		if id <= cur {
			return
		}
		if t.top.CompareAndSwap(cur, id) {
			return
		}
	}
}

// AppendLocal allocates the next id by incrementing top, then appends
// the single entry. If the commit fails, top is NOT decremented — the
// resulting gap is tolerated, matching spec.md §4.7 and §8's boundary
// case ("append_local with a failing transaction leaves top
// monotone-non-decreasing").
func (t *TRLog) AppendLocal(payload []byte) (uint64, error) {
	id := t.top.Add(1)
	if err := t.Append([]Entry{{ID: id, Payload: payload}}); err != nil {
		return id, err
	}
	return id, nil
}

// Read opens a read-only cursor at key >= fromID and returns up to max
// entries in ascending id order (spec.md §4.7 "read").
func (t *TRLog) Read(fromID uint64, max int) ([]Entry, error) {
	var entries []Entry
	err := t.store.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTRLog)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(storage.EncodeKey(fromID)); k != nil; k, v = c.Next() {
			if max > 0 && len(entries) >= max {
				break
			}
			payload := make([]byte, len(v))
			copy(payload, v)
			entries = append(entries, Entry{ID: storage.DecodeKey(k), Payload: payload})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trlog: read: %w", err)
	}
	return entries, nil
}

// Changed reports top > applied (spec.md §4.7 "changed").
func (t *TRLog) Changed() bool {
	return t.top.Load() > t.applied.Load()
}

// Apply reads from applied+1 for up to batchSize entries and invokes
// fn for each in order; on fn returning false it stops without
// advancing past that entry. On any progress, the new applied cursor
// is durably written in its own transaction. Apply calls are
// serialized on applyMu so fn is never invoked twice for the same id
// even under concurrent callers (spec.md §4.7 "Concurrency contract").
func (t *TRLog) Apply(batchSize int, fn ApplyFunc) (int, error) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	appliedPos := t.applied.Load()
	top := t.top.Load()
	if appliedPos >= top {
		return 0, nil
	}

	entries, err := t.Read(appliedPos+1, batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	newApplied := appliedPos
	n := 0
	for _, e := range entries {
		if !fn(e.Payload) {
			t.log.Errorf("trlog: entry %d not applied for origin %s, halting", e.ID, t.origin)
			break
		}
		newApplied = e.ID
		n++
	}

	if n > 0 {
		if err := t.setApplied(newApplied); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *TRLog) setApplied(pos uint64) error {
	err := t.store.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketApplied)
		return bucket.Put(storage.EncodeKey(appliedKey), storage.EncodeKey(pos))
	})
	if err != nil {
		return fmt.Errorf("trlog: persist applied cursor: %w", err)
	}
	t.applied.Store(pos)
	return nil
}

// Dump returns every entry currently stored, used by fast-read style
// callers and tests. Equivalent to Read(1, 0) with no upper bound.
func (t *TRLog) Dump() ([]Entry, error) {
	return t.Read(1, 0)
}
