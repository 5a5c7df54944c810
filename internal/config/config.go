// Package config defines the explicit configuration value threaded
// through core.New, replacing the source's process-wide MDV_CONFIG
// singleton (spec.md §9 "Global configuration").
package config

import (
	"fmt"
	"time"

	"github.com/medved-io/medved/internal/logging"
)

// Keepalive mirrors the connection manager's {idle, count, interval}
// triple from spec.md §4.1.
type Keepalive struct {
	Idle     time.Duration
	Count    int
	Interval time.Duration
}

// DefaultKeepalive matches common TCP keepalive defaults.
func DefaultKeepalive() Keepalive {
	return Keepalive{
		Idle:     30 * time.Second,
		Count:    3,
		Interval: 10 * time.Second,
	}
}

// Config is the single configuration value passed to core.New. It
// replaces both MDV_CONFIG and the teacher's split
// BaseConfiguration/ClusterConfiguration/PeerConfiguration triad with
// one explicit struct.
type Config struct {
	// StorageRoot is the directory under which metainf/, trlog/<uuid>/
	// and nodes/ are created (spec.md §6 "Persisted state layout").
	StorageRoot string

	// ListenAddress is the local bind address for the connection
	// manager (spec.md §4.1).
	ListenAddress string

	Keepalive Keepalive

	// IOWorkers must be positive (Validate checks it). The connection
	// manager does not read it: it runs one goroutine per connection.
	IOWorkers int

	// JobWorkers and JobQueues size the job scheduler (spec.md §4.10).
	JobWorkers int
	JobQueues  int

	// ProtocolVersion is the compiled-in handshake version
	// (spec.md §6 "Version").
	ProtocolVersion uint32

	// TRLogBatchSize bounds the entries one committer apply round reads
	// from a TR-log (spec.md §4.7). A sync reply is capped separately,
	// at the session's fixed 256-entry batch.
	TRLogBatchSize uint32

	// DialBackoffMin/Max bound the connection manager's capped
	// exponential backoff for outbound dial retries (spec.md §4.1).
	DialBackoffMin time.Duration
	DialBackoffMax time.Duration

	// GossipSeenWindow bounds how long a (source, sequence) pair is
	// remembered for suppression (spec.md §4.5, default 60s).
	GossipSeenWindow time.Duration

	// RequestTimeout bounds dispatcher.Send (spec.md §4.2).
	RequestTimeout time.Duration

	// MetricsAddress, if non-empty, exposes a Prometheus scrape
	// endpoint (SPEC_FULL.md §4.13).
	MetricsAddress string

	Logger logging.Logger
}

// Default returns a Config with every field at a sane, small-cluster
// default; callers override individual fields as needed.
func Default(storageRoot, listenAddress string) Config {
	return Config{
		StorageRoot:      storageRoot,
		ListenAddress:    listenAddress,
		Keepalive:        DefaultKeepalive(),
		IOWorkers:        4,
		JobWorkers:       4,
		JobQueues:        4,
		ProtocolVersion:  1,
		TRLogBatchSize:   256,
		DialBackoffMin:   100 * time.Millisecond,
		DialBackoffMax:   30 * time.Second,
		GossipSeenWindow: 60 * time.Second,
		RequestTimeout:   5 * time.Second,
		Logger:           logging.NewDefaultLogger(),
	}
}

// Validate rejects configurations that cannot be used to start a core.
func (c Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("config: storage root must not be empty")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.ProtocolVersion == 0 {
		return fmt.Errorf("config: protocol version must be non-zero")
	}
	if c.IOWorkers <= 0 || c.JobWorkers <= 0 || c.JobQueues <= 0 {
		return fmt.Errorf("config: worker/queue counts must be positive")
	}
	if c.TRLogBatchSize == 0 {
		return fmt.Errorf("config: trlog batch size must be positive")
	}
	if c.DialBackoffMax < c.DialBackoffMin {
		return fmt.Errorf("config: dial backoff max must be >= min")
	}
	return nil
}
