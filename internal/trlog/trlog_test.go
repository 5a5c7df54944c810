package trlog

import (
	"testing"

	"github.com/medved-io/medved/internal/logging"
	"github.com/medved-io/medved/internal/uuid"
)

func newLog(t *testing.T) *TRLog {
	t.Helper()
	tl, err := Open(t.TempDir(), uuid.New(), logging.NewDefaultLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { tl.Close() })
	return tl
}

func TestAppendAdvancesTop(t *testing.T) {
	tl := newLog(t)
	if err := tl.Append([]Entry{{ID: 1, Payload: []byte("a")}, {ID: 2, Payload: []byte("b")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if tl.Top() != 2 {
		t.Fatalf("top = %d, want 2", tl.Top())
	}
}

func TestAppendDuplicateIDIsIgnoredNotError(t *testing.T) {
	tl := newLog(t)
	if err := tl.Append([]Entry{{ID: 1, Payload: []byte("a")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tl.Append([]Entry{{ID: 1, Payload: []byte("overwrite-attempt")}}); err != nil {
		t.Fatalf("duplicate append must not error: %v", err)
	}

	entries, err := tl.Read(1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "a" {
		t.Fatalf("duplicate id must not overwrite original payload: %+v", entries)
	}
}

func TestAppendLocalAllocatesMonotoneIDs(t *testing.T) {
	tl := newLog(t)
	id1, err := tl.AppendLocal([]byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := tl.AppendLocal([]byte("b"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id2 != id1+1 {
		t.Fatalf("ids not monotone: %d then %d", id1, id2)
	}
}

func TestReadRespectsFromIDAndMax(t *testing.T) {
	tl := newLog(t)
	for i := uint64(1); i <= 5; i++ {
		if err := tl.Append([]Entry{{ID: i, Payload: []byte{byte(i)}}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := tl.Read(3, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 3 || entries[1].ID != 4 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestChangedReflectsTopVsApplied(t *testing.T) {
	tl := newLog(t)
	if tl.Changed() {
		t.Fatal("fresh log must report unchanged")
	}
	_, _ = tl.AppendLocal([]byte("a"))
	if !tl.Changed() {
		t.Fatal("log with top > applied must report changed")
	}
}

func TestApplyAdvancesAppliedAndStopsOnFalse(t *testing.T) {
	tl := newLog(t)
	for i := uint64(1); i <= 3; i++ {
		if err := tl.Append([]Entry{{ID: i, Payload: []byte{byte(i)}}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := tl.Apply(10, func(payload []byte) bool {
		return payload[0] != 2
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected apply to stop after the first entry, applied %d", n)
	}
	if tl.Applied() != 1 {
		t.Fatalf("applied cursor = %d, want 1", tl.Applied())
	}
}

func TestApplyIsExactlyOncePerID(t *testing.T) {
	tl := newLog(t)
	_, _ = tl.AppendLocal([]byte("a"))
	_, _ = tl.AppendLocal([]byte("b"))

	var seen []byte
	applyFn := func(payload []byte) bool {
		seen = append(seen, payload...)
		return true
	}
	if _, err := tl.Apply(10, applyFn); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n, err := tl.Apply(10, applyFn); err != nil || n != 0 {
		t.Fatalf("second apply pass should see nothing new: n=%d err=%v", n, err)
	}
	if string(seen) != "ab" {
		t.Fatalf("entries applied more than once: %q", seen)
	}
}

func TestApplyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	origin := uuid.New()
	log := logging.NewDefaultLogger()

	tl, err := Open(dir, origin, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = tl.AppendLocal([]byte("a"))
	if _, err := tl.Apply(10, func([]byte) bool { return true }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, origin, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Top() != 1 || reopened.Applied() != 1 {
		t.Fatalf("cursors not durable: top=%d applied=%d", reopened.Top(), reopened.Applied())
	}
}

func TestDumpReturnsEverything(t *testing.T) {
	tl := newLog(t)
	for i := uint64(1); i <= 3; i++ {
		_ = tl.Append([]Entry{{ID: i, Payload: []byte{byte(i)}}})
	}
	all, err := tl.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
}
