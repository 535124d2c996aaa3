package matching

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	lru "github.com/hashicorp/golang-lru"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/storage"
	"ArcPSI/internal/types"
)

// defaultCacheSize is the number of resolved records kept in memory.
const defaultCacheSize = 1024

var prefixComputation = []byte("computation:")

// Store persists computation records. Resolved records never change
// again, so they are cached in an ARC cache in front of Pebble.
type Store struct {
	db    *storage.Storage // db is the durable record store
	cache *lru.ARCCache    // cache holds resolved records by ID
}

// NewStore creates a Store over db caching up to cacheSize resolved
// records (defaultCacheSize if cacheSize <= 0).
func NewStore(db *storage.Storage, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create record cache:\n%w", err)
	}

	return &Store{db: db, cache: cache}, nil
}

// Put writes rec durably.
func (s *Store) Put(rec *Record) error {
	pair := storage.KeyValue{Key: recordKey(rec.ID), Value: encodeRecord(rec)}

	if err := s.db.SetBatch([]storage.KeyValue{pair}, true); err != nil {
		return fmt.Errorf("store computation %s:\n%w", rec.ID, err)
	}

	if rec.State.Terminal() {
		s.cache.Add(rec.ID, rec.clone())
	}

	return nil
}

// Get returns the record for id, or nil if it was never stored.
func (s *Store) Get(id ComputationID) (*Record, error) {
	if v, ok := s.cache.Get(id); ok {
		return v.(*Record).clone(), nil
	}

	raw, err := s.db.Get(recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("read computation %s:\n%w", id, err)
	}

	if raw == nil {
		return nil, nil
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode computation %s:\n%w", id, err)
	}

	if rec.State.Terminal() {
		s.cache.Add(id, rec.clone())
	}

	return rec, nil
}

// Has reports whether id was ever stored.
func (s *Store) Has(id ComputationID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}

	return s.db.Has(recordKey(id))
}

// Unresolved returns every stored record that is not terminal.
func (s *Store) Unresolved() ([]*Record, error) {
	var out []*Record

	err := s.db.IteratePrefix(prefixComputation, func(_, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}

		if !rec.State.Terminal() {
			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan computations:\n%w", err)
	}

	return out, nil
}

func recordKey(id ComputationID) []byte {
	key := make([]byte, 0, len(prefixComputation)+len(id))
	key = append(key, prefixComputation...)

	return append(key, id...)
}

// encodeRecord serializes rec as a ComputationRecord flatbuffer.
func encodeRecord(rec *Record) []byte {
	builder := flatbuffers.NewBuilder(256)

	idOff := builder.CreateString(string(rec.ID))
	digestOff := builder.CreateByteVector(rec.RequestDigest[:])
	requesterOff := builder.CreateByteVector(rec.Requester[:])
	nonceOff := builder.CreateByteVector(rec.Nonce[:])
	maskOff := builder.CreateByteVector(JoinSlots(rec.Mask))
	reasonOff := builder.CreateString(rec.Reason)

	types.ComputationRecordStart(builder)
	types.ComputationRecordAddId(builder, idOff)
	types.ComputationRecordAddState(builder, byte(rec.State))
	types.ComputationRecordAddRequestDigest(builder, digestOff)
	types.ComputationRecordAddRequester(builder, requesterOff)
	types.ComputationRecordAddNonce(builder, nonceOff)
	types.ComputationRecordAddMask(builder, maskOff)
	types.ComputationRecordAddCreatedAt(builder, unixNano(rec.CreatedAt))
	types.ComputationRecordAddResolvedAt(builder, unixNano(rec.ResolvedAt))
	types.ComputationRecordAddReason(builder, reasonOff)
	builder.Finish(types.ComputationRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeRecord parses a ComputationRecord flatbuffer.
func decodeRecord(data []byte) (rec *Record, err error) {
	// Accessors panic on truncated buffers.
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("malformed record: %v", r)
		}
	}()

	fb := types.GetRootAsComputationRecord(data, 0)

	rec = &Record{
		ID:         ComputationID(fb.Id()),
		State:      State(fb.State()),
		CreatedAt:  fromUnixNano(fb.CreatedAt()),
		ResolvedAt: fromUnixNano(fb.ResolvedAt()),
		Reason:     string(fb.Reason()),
	}

	if err := copyFixed(rec.RequestDigest[:], fb.RequestDigestBytes(), "request digest"); err != nil {
		return nil, err
	}

	if err := copyFixed(rec.Requester[:], fb.RequesterBytes(), "requester"); err != nil {
		return nil, err
	}

	if err := copyFixed(rec.Nonce[:], fb.NonceBytes(), "nonce"); err != nil {
		return nil, err
	}

	if rec.Mask, err = SplitSlots(fb.MaskBytes()); err != nil {
		return nil, err
	}

	return rec, nil
}

func copyFixed(dst, src []byte, name string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%s has %d bytes, want %d", name, len(src), len(dst))
	}

	copy(dst, src)

	return nil
}

// SplitSlots cuts concatenated ciphertexts. Empty input yields nil.
func SplitSlots(b []byte) ([]envelope.Ciphertext, error) {
	if len(b)%envelope.CiphertextSize != 0 {
		return nil, fmt.Errorf("slot bytes %d not a multiple of %d", len(b), envelope.CiphertextSize)
	}

	if len(b) == 0 {
		return nil, nil
	}

	out := make([]envelope.Ciphertext, len(b)/envelope.CiphertextSize)
	for i := range out {
		copy(out[i][:], b[i*envelope.CiphertextSize:])
	}

	return out, nil
}

// JoinSlots concatenates ciphertexts.
func JoinSlots(slots []envelope.Ciphertext) []byte {
	out := make([]byte, 0, len(slots)*envelope.CiphertextSize)
	for i := range slots {
		out = append(out, slots[i][:]...)
	}

	return out
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
