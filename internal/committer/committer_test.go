package committer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/trlog"
	"github.com/medved-io/medved/internal/uuid"
)

func TestPassAppliesChangedLogs(t *testing.T) {
	log := logging.NewDefaultLogger()
	registry := trlog.NewRegistry(t.TempDir(), log)
	defer registry.Close()

	tl, err := registry.Get(uuid.New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = tl.AppendLocal([]byte("a"))
	_, _ = tl.AppendLocal([]byte("b"))

	var mu sync.Mutex
	var applied [][]byte
	apply := func(origin string, payload []byte) bool {
		mu.Lock()
		applied = append(applied, payload)
		mu.Unlock()
		return true
	}

	c := New(registry, 10, apply, log)
	c.pass()

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied entries, got %d", len(applied))
	}
	if tl.Applied() != tl.Top() {
		t.Fatalf("applied cursor %d did not reach top %d", tl.Applied(), tl.Top())
	}
}

func TestPassSkipsUnchangedLogs(t *testing.T) {
	log := logging.NewDefaultLogger()
	registry := trlog.NewRegistry(t.TempDir(), log)
	defer registry.Close()

	if _, err := registry.Get(uuid.New()); err != nil {
		t.Fatalf("get: %v", err)
	}

	calls := 0
	c := New(registry, 10, func(string, []byte) bool { calls++; return true }, log)
	c.pass()

	if calls != 0 {
		t.Fatalf("apply must not be called for a log with nothing pending, got %d calls", calls)
	}
}

func TestRunAppliesOnWake(t *testing.T) {
	log := logging.NewDefaultLogger()
	registry := trlog.NewRegistry(t.TempDir(), log)
	defer registry.Close()

	tl, err := registry.Get(uuid.New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	applied := make(chan struct{}, 1)
	c := New(registry, 10, func(string, []byte) bool {
		select {
		case applied <- struct{}{}:
		default:
		}
		return true
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	_, _ = tl.AppendLocal([]byte("a"))
	c.Wake()

	select {
	case <-applied:
	case <-time.After(time.Second):
		t.Fatal("committer did not apply after wake")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	log := logging.NewDefaultLogger()
	registry := trlog.NewRegistry(t.TempDir(), log)
	defer registry.Close()

	c := New(registry, 10, func(string, []byte) bool { return true }, log)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()

	select {
	case <-c.Stopped():
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestWaitStoppedTimesOut(t *testing.T) {
	log := logging.NewDefaultLogger()
	registry := trlog.NewRegistry(t.TempDir(), log)
	defer registry.Close()
	c := New(registry, 10, func(string, []byte) bool { return true }, log)

	if c.WaitStopped(20 * time.Millisecond) {
		t.Fatal("WaitStopped must time out before Run has been started")
	}
}
