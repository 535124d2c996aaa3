package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
)

// newTestStorage opens a storage in a per-test temporary directory.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("r:slot:0")
	value := []byte("ciphertext")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s := newTestStorage(t)

	got, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}

	ok, err := s.Has([]byte("missing"))
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}

	if ok {
		t.Error("Has returned true for missing key")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	key := []byte("to-delete")

	if err := s.Set(key, []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if ok, _ := s.Has(key); ok {
		t.Error("key still present after Delete")
	}
}

func TestSetBatchDurable(t *testing.T) {
	s := newTestStorage(t)

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], 3)

	pairs := []KeyValue{
		{Key: []byte("r:slot:2"), Value: []byte("entry")},
		{Key: []byte("r:count"), Value: count[:]},
	}

	if err := s.SetBatch(pairs, true); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	n, err := s.GetUint64([]byte("r:count"))
	if err != nil {
		t.Fatalf("GetUint64 failed: %v", err)
	}

	if n != 3 {
		t.Errorf("counter = %d, want 3", n)
	}

	got, _ := s.Get([]byte("r:slot:2"))
	if !bytes.Equal(got, []byte("entry")) {
		t.Errorf("slot = %q, want %q", got, "entry")
	}
}

func TestGetUint64Missing(t *testing.T) {
	s := newTestStorage(t)

	n, err := s.GetUint64([]byte("nothing"))
	if err != nil {
		t.Fatalf("GetUint64 failed: %v", err)
	}

	if n != 0 {
		t.Errorf("missing counter = %d, want 0", n)
	}
}

func TestGetUint64BadLength(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Set([]byte("c"), []byte{1, 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := s.GetUint64([]byte("c")); err == nil {
		t.Error("expected error for short counter")
	}
}

func TestIteratePrefix(t *testing.T) {
	s := newTestStorage(t)

	for _, k := range []string{"c:a", "c:b", "d:a", "c:c", "b:z"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("c:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	want := []string{"c:a", "c:b", "c:c"}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want %v", keys, want)
	}

	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestIteratePrefixStopsOnError(t *testing.T) {
	s := newTestStorage(t)

	s.Set([]byte("p:1"), []byte("x"))
	s.Set([]byte("p:2"), []byte("x"))

	stop := errors.New("stop")
	calls := 0

	err := s.IteratePrefix([]byte("p:"), func(key, value []byte) error {
		calls++
		return stop
	})

	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want %v", err, stop)
	}

	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("r:"), []byte("r;")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
	}

	for _, tt := range tests {
		got := prefixUpperBound(tt.prefix)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, _ := s.Get([]byte("k"))
	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("after reopen got %q, want %q", got, "v")
	}
}

func TestCloseTwice(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second close = %v, want ErrClosed", err)
	}
}
