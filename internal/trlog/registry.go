package trlog

import (
	"sync"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/uuid"
)

// Registry owns one TRLog per origin UUID, opening them lazily on
// first reference. The committer iterates Registry.All to find work;
// the data synchronizer and sessions open logs by origin with Get.
type Registry struct {
	root string
	log  logging.Logger

	mu   sync.RWMutex
	logs map[uuid.UUID]*TRLog
}

// NewRegistry creates a registry rooted at root (the storage root's
// trlog/ parent directory).
func NewRegistry(root string, log logging.Logger) *Registry {
	return &Registry{root: root, log: log, logs: make(map[uuid.UUID]*TRLog)}
}

// Get returns the TRLog for origin, opening it if this is the first
// reference.
func (r *Registry) Get(origin uuid.UUID) (*TRLog, error) {
	r.mu.RLock()
	tl, ok := r.logs[origin]
	r.mu.RUnlock()
	if ok {
		return tl, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.logs[origin]; ok {
		return tl, nil
	}
	tl, err := Open(r.root, origin, r.log)
	if err != nil {
		return nil, err
	}
	r.logs[origin] = tl
	return tl, nil
}

// All returns a snapshot slice of every currently open log.
func (r *Registry) All() []*TRLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TRLog, 0, len(r.logs))
	for _, tl := range r.logs {
		out = append(out, tl)
	}
	return out
}

// Close closes every open log.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for origin, tl := range r.logs {
		if err := tl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.logs, origin)
	}
	return firstErr
}
