// Package uuid provides the 128-bit node identity used as the primary
// key throughout the coordination core (spec.md §3 "Node identity").
package uuid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UUID is a 128-bit node identifier. It wraps google/uuid.UUID, the
// generator convention observed across the pack's peer-to-peer examples.
type UUID uuid.UUID

// Nil is the zero-value UUID, never assigned to a real node.
var Nil UUID

// New generates a fresh random (v4) UUID, assigned once per node and
// persisted afterwards.
func New() UUID {
	return UUID(uuid.New())
}

// Halves splits the UUID into two big-endian u64 halves, matching the
// wire representation used by every message in spec.md §6
// (U0, U1 / S_U0, S_U1 / O0, O1, ...).
func (u UUID) Halves() (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(u[0:8])
	lo = binary.BigEndian.Uint64(u[8:16])
	return hi, lo
}

// FromHalves reconstructs a UUID from the two big-endian u64 halves
// carried on the wire.
func FromHalves(hi, lo uint64) UUID {
	var u UUID
	binary.BigEndian.PutUint64(u[0:8], hi)
	binary.BigEndian.PutUint64(u[8:16], lo)
	return u
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Less defines the lexicographic ordering spec.md §4.1 and §8 rely on
// to break simultaneous-dial ties: the session whose remote UUID is
// lexicographically smaller is kept.
func (u UUID) Less(other UUID) bool {
	for i := range u {
		if u[i] != other[i] {
			return u[i] < other[i]
		}
	}
	return false
}

// Parse decodes a canonical UUID string.
func Parse(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return UUID(u), nil
}

// Bytes returns the raw 16-byte representation, suitable for storage
// keys and wire payload blobs.
func (u UUID) Bytes() []byte {
	return u[:]
}
