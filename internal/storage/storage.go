// Package storage adapts go.etcd.io/bbolt into the transactional
// ordered key/value map contract spec.md §4 requires from the
// "Storage adapter": one named map (bucket) per logical table plus the
// per-peer TR-log and cursor maps, with integer keys and atomic
// multi-entry commits.
//
// Grounded on original_source/mdv_core/storage/mdv_trlog.c, which opens
// a storage handle per TR-log directory and issues one mdv_transaction
// per operation; bbolt's *bolt.DB / *bolt.Tx pair is the idiomatic Go
// analogue of that storage/transaction split.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Store wraps a single bbolt database file. One Store backs one
// logical root: the meta-store, or a single origin's TR-log directory.
type Store struct {
	db   *bolt.DB
	path string
}

// Open creates (if absent) the parent directory and opens a bbolt
// database at path. Mirrors mdv_trlog_open's "create subdirectory, open
// storage" sequence.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir for %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a single read-write transaction. Either every
// Put call inside fn is committed, or (on fn returning an error, or the
// commit itself failing) none are — the atomic-batch-or-none contract
// of spec.md §3 "TR-log append is atomic".
func (s *Store) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only transaction that is always aborted
// (never committed) on close, matching mdv_trlog_read's use of
// mdv_transaction_abort after a read-only cursor scan.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

// EncodeKey renders a u64 as a big-endian 8-byte key so that bbolt's
// natural byte-lexicographic bucket ordering matches numeric order —
// the "integer key" map flavor spec.md §4 calls out
// (MDV_MAP_INTEGERKEY in the original source).
func EncodeKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
