package matching

import (
	"path/filepath"
	"testing"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.Storage) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, 4)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	return s, db
}

func TestStoreRoundTrip(t *testing.T) {
	s, db := newTestStore(t)

	rec := &Record{
		ID:            "c1",
		State:         StateVerified,
		RequestDigest: [32]byte{1},
		Requester:     envelope.PublicKey{2},
		Nonce:         envelope.Nonce{3},
		Mask:          []envelope.Ciphertext{{4}, {5}},
		CreatedAt:     testEpoch,
		ResolvedAt:    testEpoch.Add(5),
	}

	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second store over the same db has a cold cache.
	cold, err := NewStore(db, 4)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for name, st := range map[string]*Store{"warm": s, "cold": cold} {
		got, err := st.Get("c1")
		if err != nil {
			t.Fatalf("%s get: %v", name, err)
		}

		if got.State != rec.State || got.RequestDigest != rec.RequestDigest || got.Requester != rec.Requester || got.Nonce != rec.Nonce {
			t.Errorf("%s: header fields differ: %+v", name, got)
		}

		if len(got.Mask) != 2 || got.Mask[1] != rec.Mask[1] {
			t.Errorf("%s: mask = %v", name, got.Mask)
		}

		if !got.CreatedAt.Equal(rec.CreatedAt) || !got.ResolvedAt.Equal(rec.ResolvedAt) {
			t.Errorf("%s: timestamps differ", name)
		}
	}

	missing, err := s.Get("c2")
	if err != nil || missing != nil {
		t.Errorf("missing record = %v, %v", missing, err)
	}
}

func TestStoreCacheReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)

	rec := &Record{ID: "c1", State: StateVerified, Mask: []envelope.Ciphertext{{1}}}
	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := s.Get("c1")
	got.Mask[0][0] = 0xFF

	again, _ := s.Get("c1")
	if again.Mask[0][0] != 1 {
		t.Error("cached record was mutated through a returned copy")
	}
}

func TestStoreUnresolved(t *testing.T) {
	s, _ := newTestStore(t)

	for _, rec := range []*Record{
		{ID: "a", State: StateAwaitingCallback},
		{ID: "b", State: StateVerified},
		{ID: "c", State: StateQueued},
		{ID: "d", State: StateAborted},
	} {
		if err := s.Put(rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}

	open, err := s.Unresolved()
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}

	if len(open) != 2 || open[0].ID != "a" || open[1].ID != "c" {
		t.Errorf("unresolved = %v", open)
	}

	if ok, _ := s.Has("d"); !ok {
		t.Error("Has(d) = false")
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	if _, err := decodeRecord([]byte{1, 2}); err == nil {
		t.Error("expected error for truncated record")
	}
}
