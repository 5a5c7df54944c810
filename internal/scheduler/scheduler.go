// Package scheduler implements the fixed thread pool of sharded FIFO
// queues spec.md §4.10 describes: fire-and-forget jobs, no result
// channel, one worker goroutine per queue, shard chosen by hash of the
// submitter id to spread contention.
//
// Grounded on the teacher's Invoker abstraction (core.Invoker,
// core.InvokerInstance) that every goroutine-spawning call site in
// pkg/mcast/core/peer.go and transport.go goes through, generalized
// here from "spawn one goroutine per call" to a bounded worker pool
// with real queues.
package scheduler

import (
	"hash/fnv"
	"sync"

	"github.com/medved-io/medved/internal/logging"
)

// Job is one unit of work: Run executes on a worker goroutine, then
// Finalize always runs afterwards (even if Run panics) to release the
// job's resources. Mirrors spec.md §4.10's {context, run_fn, finalize_fn}.
type Job struct {
	Run      func()
	Finalize func()
}

// Scheduler owns queue-count FIFO queues, each drained by one worker
// goroutine.
type Scheduler struct {
	queues  []chan Job
	wg      sync.WaitGroup
	log     logging.Logger
	closeMu sync.Mutex
	closed  bool
}

// New starts workerCount worker goroutines over queueCount queues.
// workerCount and queueCount are typically equal (one worker per
// queue), but are kept distinct to match spec.md §4.10's
// {worker-count, queue-count} configuration shape.
func New(workerCount, queueCount int, log logging.Logger) *Scheduler {
	if queueCount <= 0 {
		queueCount = 1
	}
	s := &Scheduler{
		queues: make([]chan Job, queueCount),
		log:    log,
	}
	for i := range s.queues {
		s.queues[i] = make(chan Job, 256)
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(s.queues[i%queueCount])
	}
	return s
}

func (s *Scheduler) worker(queue <-chan Job) {
	defer s.wg.Done()
	for job := range queue {
		s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("scheduler: job panicked: %v", r)
		}
		if job.Finalize != nil {
			job.Finalize()
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}

// shard picks the queue for submitterID by FNV hash, so that jobs
// submitted by the same logical owner (e.g. the same origin UUID's
// sync jobs) stay FIFO relative to each other.
func (s *Scheduler) shard(submitterID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(submitterID))
	return int(h.Sum32()) % len(s.queues)
}

// Push enqueues job onto the shard for submitterID. If the queue is
// full, Push returns false and the caller must free the job itself
// (spec.md §4.10 "If push fails, the submitter must free the job
// itself").
func (s *Scheduler) Push(submitterID string, job Job) bool {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return false
	}
	select {
	case s.queues[s.shard(submitterID)] <- job:
		return true
	default:
		return false
	}
}

// Shutdown drains all queues before joining workers, per spec.md
// §4.10 "Shutdown drains all queues before joining workers".
func (s *Scheduler) Shutdown() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}
