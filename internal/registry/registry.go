// Package registry stores the fixed-capacity list of sealed identifiers
// that discovery queries are matched against.
//
// Slots fill in order and are never removed. Append is a check-and-write
// under one lock and one durable batch, so concurrent registrations can
// never exceed the capacity or interleave their slot writes.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/metrics"
	"ArcPSI/internal/storage"
)

// Capacity is the number of registry slots.
const Capacity = circuit.RegistrySize

var (
	// ErrRegistryFull is returned by Append when every slot is occupied.
	ErrRegistryFull = errors.New("registry full")

	// ErrNotInitialized is returned before Init has stored an authority.
	ErrNotInitialized = errors.New("registry not initialized")

	// ErrAlreadyInitialized is returned by Init on an initialized registry.
	ErrAlreadyInitialized = errors.New("registry already initialized")
)

var (
	keyAuthority = []byte("registry:authority")
	keyOccupied  = []byte("registry:occupied")
	prefixSlot   = []byte("registry:slot:")
)

// Registry is the shared registration state.
type Registry struct {
	mu        sync.Mutex
	db        *storage.Storage // db persists slots and occupancy
	authority string           // authority is who initialized the registry
	entries   [Capacity]Entry  // entries mirror the stored slots
	occupied  int              // occupied is the number of filled slots
}

// Snapshot is a frozen copy of the registry.
type Snapshot struct {
	Entries  [Capacity]Entry // Entries are the slots, unoccupied ones zero
	Occupied int             // Occupied is the number of leading filled slots
}

// Open loads the registry stored in db.
func Open(db *storage.Storage) (*Registry, error) {
	r := &Registry{db: db}

	authority, err := db.Get(keyAuthority)
	if err != nil {
		return nil, fmt.Errorf("read authority:\n%w", err)
	}

	r.authority = string(authority)

	occupied, err := db.GetUint64(keyOccupied)
	if err != nil {
		return nil, fmt.Errorf("read occupancy:\n%w", err)
	}

	if occupied > Capacity {
		return nil, fmt.Errorf("stored occupancy %d exceeds capacity %d", occupied, Capacity)
	}

	for i := 0; i < int(occupied); i++ {
		raw, err := db.Get(slotKey(i))
		if err != nil {
			return nil, fmt.Errorf("read slot %d:\n%w", i, err)
		}

		if r.entries[i], err = ParseEntry(raw); err != nil {
			return nil, fmt.Errorf("parse slot %d:\n%w", i, err)
		}
	}

	r.occupied = int(occupied)
	metrics.RegistryOccupancy.Set(float64(r.occupied))

	return r, nil
}

// Init records the registry authority with zero occupancy.
func (r *Registry) Init(authority string) error {
	if authority == "" {
		return fmt.Errorf("empty authority")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.authority != "" {
		return ErrAlreadyInitialized
	}

	var zero [8]byte

	pairs := []storage.KeyValue{
		{Key: keyAuthority, Value: []byte(authority)},
		{Key: keyOccupied, Value: zero[:]},
	}

	if err := r.db.SetBatch(pairs, true); err != nil {
		return fmt.Errorf("store registry header:\n%w", err)
	}

	r.authority = authority
	logger.Info("registry initialized", "authority", authority, "capacity", Capacity)

	return nil
}

// Append stores e in the next free slot and returns its index.
func (r *Registry) Append(e Entry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.authority == "" {
		return 0, ErrNotInitialized
	}

	if r.occupied >= Capacity {
		metrics.RegistryRejections.Inc()
		return 0, ErrRegistryFull
	}

	idx := r.occupied

	var occ [8]byte
	binary.BigEndian.PutUint64(occ[:], uint64(idx+1))

	pairs := []storage.KeyValue{
		{Key: slotKey(idx), Value: e.Bytes()},
		{Key: keyOccupied, Value: occ[:]},
	}

	if err := r.db.SetBatch(pairs, true); err != nil {
		return 0, fmt.Errorf("store slot %d:\n%w", idx, err)
	}

	r.entries[idx] = e
	r.occupied++
	metrics.RegistryOccupancy.Set(float64(r.occupied))

	logger.Info("registered", "slot", idx, "occupied", r.occupied)

	return idx, nil
}

// Snapshot returns a copy of the current slots.
func (r *Registry) Snapshot() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.authority == "" {
		return Snapshot{}, ErrNotInitialized
	}

	return Snapshot{Entries: r.entries, Occupied: r.occupied}, nil
}

// Occupied returns the number of filled slots.
func (r *Registry) Occupied() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.occupied
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return Capacity
}

// Authority returns the registry authority, empty before Init.
func (r *Registry) Authority() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.authority
}

func slotKey(i int) []byte {
	key := make([]byte, 0, len(prefixSlot)+4)
	key = append(key, prefixSlot...)

	return binary.BigEndian.AppendUint32(key, uint32(i))
}
