package storage

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func TestEncodeKeyOrdering(t *testing.T) {
	ids := []uint64{0, 1, 2, 255, 256, 1 << 40}
	for i := 1; i < len(ids); i++ {
		prev, cur := EncodeKey(ids[i-1]), EncodeKey(ids[i])
		if string(prev) >= string(cur) {
			t.Fatalf("EncodeKey(%d) must sort before EncodeKey(%d)", ids[i-1], ids[i])
		}
	}
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 42, 1 << 63} {
		if got := DecodeKey(EncodeKey(id)); got != id {
			t.Fatalf("round trip: got %d want %d", got, id)
		}
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "store.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
}

func TestUpdateCommitsAndViewReads(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	bucket := []byte("b")
	err = s.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put(EncodeKey(1), []byte("hello"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got []byte
	err = s.View(func(tx *bolt.Tx) error {
		got = tx.Bucket(bucket).Get(EncodeKey(1))
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	bucket := []byte("b")
	_ = s.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})

	sentinel := "boom"
	err = s.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucket).Put(EncodeKey(1), []byte("x")); err != nil {
			return err
		}
		return &testError{sentinel}
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	var got []byte
	_ = s.View(func(tx *bolt.Tx) error {
		got = tx.Bucket(bucket).Get(EncodeKey(1))
		return nil
	})
	if got != nil {
		t.Fatalf("expected rollback, but key was committed: %q", got)
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
