package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/medved-io/medved/internal/config"
	"github.com/medved-io/medved/internal/eventbus"
	"github.com/medved-io/medved/internal/gossip"
	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/proto"
	"github.com/medved-io/medved/internal/session"
	"github.com/medved-io/medved/internal/topology"
	"github.com/medved-io/medved/internal/trlog"
	"github.com/medved-io/medved/internal/uuid"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type noopSync struct{}

func (noopSync) Wake() {}

type noopCommitter struct{}

func (noopCommitter) Wake() {}

type emptyRegistry struct{}

func (emptyRegistry) ForEach(func(gossip.Peer)) {}

// newTestSession builds a session whose remote UUID is known, by
// driving the public handshake API rather than reaching into session's
// unexported fields from this package.
func newTestSession(t *testing.T, self, remote uuid.UUID, accepted bool) *session.Session {
	t.Helper()
	log := logging.NewDefaultLogger()
	tracker := topology.New(self, eventbus.New())
	deps := session.Deps{
		SelfUUID:   self,
		SelfAddr:   "127.0.0.1:1",
		Version:    1,
		Tracker:    tracker,
		Gossip:     gossip.New(self, tracker, emptyRegistry{}, time.Minute, nil, log),
		Sync:       noopSync{},
		Committer:  noopCommitter{},
		TRLogs:     trlog.NewRegistry(t.TempDir(), log),
		Log:        log,
		RequestTTL: time.Second,
	}

	var buf bytes.Buffer
	s := session.New(nopCloser{}, &buf, accepted, deps, nil)

	hi, lo := remote.Halves()
	payload, err := proto.Hello{Version: 1, UUIDHi: hi, UUIDLo: lo, ListenAddr: "127.0.0.1:2"}.Encode().Marshal()
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	s.Dispatcher().HandleFrame(proto.Frame{ID: proto.MsgHello, Payload: payload})
	if s.UUID() != remote {
		t.Fatalf("handshake did not set remote uuid: got %s want %s", s.UUID(), remote)
	}
	return s
}

func testConfig() config.Config {
	cfg := config.Default(".", "127.0.0.1:0")
	cfg.DialBackoffMin = time.Millisecond
	cfg.DialBackoffMax = 2 * time.Millisecond
	cfg.Logger = logging.NewDefaultLogger()
	return cfg
}

func TestRegisterKeepsOutboundWhenSelfIsSmaller(t *testing.T) {
	self := uuid.FromHalves(1, 1)
	remote := uuid.FromHalves(2, 2) // self.Less(remote) == true

	m := New(testConfig(), self, nil)
	outbound := newTestSession(t, self, remote, false)
	inbound := newTestSession(t, self, remote, true)

	m.register(outbound)
	m.register(inbound)

	kept, ok := m.Session(remote)
	if !ok || kept != outbound {
		t.Fatal("expected the outbound session to win when self < remote")
	}
}

func TestRegisterKeepsInboundWhenSelfIsLarger(t *testing.T) {
	self := uuid.FromHalves(2, 2)
	remote := uuid.FromHalves(1, 1) // self.Less(remote) == false

	m := New(testConfig(), self, nil)
	inbound := newTestSession(t, self, remote, true)
	outbound := newTestSession(t, self, remote, false)

	m.register(inbound)
	m.register(outbound)

	kept, ok := m.Session(remote)
	if !ok || kept != inbound {
		t.Fatal("expected the inbound session to win when self > remote")
	}
}

func TestUnregisterRemovesCurrentHolder(t *testing.T) {
	self, remote := uuid.New(), uuid.New()
	m := New(testConfig(), self, nil)
	s := newTestSession(t, self, remote, true)

	m.register(s)
	if _, ok := m.Session(remote); !ok {
		t.Fatal("expected session registered")
	}
	m.unregister(s)
	if _, ok := m.Session(remote); ok {
		t.Fatal("unregister must remove the current holder")
	}
}

func TestUnregisterIgnoresStaleSession(t *testing.T) {
	self := uuid.FromHalves(1, 1)
	remote := uuid.FromHalves(2, 2)
	m := New(testConfig(), self, nil)

	loser := newTestSession(t, self, remote, true)
	winner := newTestSession(t, self, remote, false)

	m.register(loser)
	m.register(winner)

	// loser lost the tie-break and was never the map's current holder
	// for this uuid (or was overwritten); unregistering it must not
	// evict the winner.
	m.unregister(loser)

	kept, ok := m.Session(remote)
	if !ok || kept != winner {
		t.Fatal("unregistering a stale/losing session must not evict the current holder")
	}
}

func TestForEachVisitsEveryRegisteredSession(t *testing.T) {
	self := uuid.New()
	m := New(testConfig(), self, nil)
	a := newTestSession(t, self, uuid.New(), true)
	b := newTestSession(t, self, uuid.New(), true)
	m.register(a)
	m.register(b)

	seen := make(map[uuid.UUID]bool)
	m.ForEach(func(p gossip.Peer) { seen[p.UUID()] = true })

	if !seen[a.UUID()] || !seen[b.UUID()] {
		t.Fatal("ForEach must visit every registered session")
	}
}

func TestSessionLookupMissReportsFalse(t *testing.T) {
	m := New(testConfig(), uuid.New(), nil)
	if _, ok := m.Session(uuid.New()); ok {
		t.Fatal("expected no session for an unregistered uuid")
	}
}

func TestRequestCfslogFailsWithoutSession(t *testing.T) {
	m := New(testConfig(), uuid.New(), nil)
	_, _, err := m.RequestCfslog(context.Background(), uuid.New(), uuid.New(), 0)
	if err == nil {
		t.Fatal("expected an error when no session owns the requested peer")
	}
}

func TestConnectDedupsConcurrentDialsToSameAddress(t *testing.T) {
	m := New(testConfig(), uuid.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	m.Connect(ctx, "127.0.0.1:1")
	m.Connect(ctx, "127.0.0.1:1")

	m.mu.RLock()
	n := len(m.dialing)
	m.mu.RUnlock()
	if n != 1 {
		t.Fatalf("expected exactly one in-flight dial entry, got %d", n)
	}

	cancel()
	m.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New(testConfig(), uuid.New(), nil)
	m.Close()
	m.Close()
}
