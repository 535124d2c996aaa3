package storage

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("storage closed")

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage is a key-value store backed by Pebble.
// Single writes use NoSync and a background goroutine syncs the WAL.
// Batches can be committed with an immediate sync when the caller needs
// the write on disk before acknowledging it.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	closed   sync.Once     // closed guards Close against double calls
	wg       sync.WaitGroup
}

// Options tunes the Pebble instance.
type Options struct {
	CacheSize    int64         // CacheSize is the block cache size in bytes
	MemTableSize uint64        // MemTableSize is the memtable size in bytes
	SyncInterval time.Duration // SyncInterval is the period of background WAL syncs
}

// DefaultOptions returns the options used by New.
func DefaultOptions() Options {
	return Options{
		CacheSize:    16 << 20,
		MemTableSize: 8 << 20,
		SyncInterval: defaultSyncInterval,
	}
}

// New opens a Storage at path with DefaultOptions.
func New(path string) (*Storage, error) {
	return Open(path, DefaultOptions())
}

// Open opens a Storage at path and starts its WAL sync loop.
func Open(path string, o Options) (*Storage, error) {
	cache := pebble.NewCache(o.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                o.MemTableSize,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	interval := o.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	s.startSyncLoop(interval)

	return s, nil
}

// Get returns a copy of the value stored at key, or nil if absent.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

// Has reports whether key is present.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	closer.Close()

	return true, nil
}

// GetUint64 reads a big-endian counter. Missing keys read as zero.
func (s *Storage) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil || v == nil {
		return 0, err
	}

	if len(v) != 8 {
		return 0, errors.New("counter value is not 8 bytes")
	}

	return binary.BigEndian.Uint64(v), nil
}

// Set stores a key-value pair without waiting for a sync.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key without waiting for a sync.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically stores multiple key-value pairs.
// When durable is true the commit waits for the WAL sync.
func (s *Storage) SetBatch(pairs []KeyValue, durable bool) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	opts := pebble.NoSync
	if durable {
		opts = pebble.Sync
	}

	return batch.Commit(opts)
}

// IteratePrefix calls fn for each pair whose key starts with prefix,
// in lexicographic key order. Key and value are only valid during fn.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound returns the exclusive upper bound of a prefix scan,
// or nil when the prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync loop, flushes the WAL and closes the database.
func (s *Storage) Close() error {
	err := ErrClosed

	s.closed.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if err = s.sync(); err != nil {
			s.db.Close()
			return
		}

		err = s.db.Close()
	})

	return err
}

// startSyncLoop periodically syncs the WAL until Close.
func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
