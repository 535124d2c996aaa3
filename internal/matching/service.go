// Package matching drives the lifecycle of contact discovery computations.
//
// A request is submitted against a frozen registry snapshot to a
// confidential-computation provider, then waits for the provider to push
// back a signed output. The callback is the only way back in: it is
// verified against the expected cluster and the submitted request, after
// which the computation is terminal and every later callback for it is
// rejected. Masks stay sealed to the requester; subscribers only learn
// which computation finished and when.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/metrics"
	"ArcPSI/internal/registry"
)

// subscriberBuffer is the channel capacity of one subscriber.
const subscriberBuffer = 64

// Result is the verified outcome of a computation.
type Result struct {
	ID   ComputationID
	Mask []envelope.Ciphertext // Mask slots are sealed to the requester
}

// Config holds the dependencies of a Service.
type Config struct {
	Provider Provider        // Provider runs the matching circuit
	Registry RegistryReader  // Registry supplies snapshots
	Cluster  ClusterIdentity // Cluster is the trusted output signer
	Store    *Store          // Store persists records
	Clock    clockwork.Clock // Clock stamps records (real clock if nil)
}

// Service is the computation request lifecycle.
type Service struct {
	provider  Provider
	registry  RegistryReader
	cluster   ClusterIdentity
	circuitID [32]byte
	store     *Store
	clock     clockwork.Clock

	mu      sync.Mutex
	pending map[ComputationID]*Record // pending are non-terminal computations
	subs    map[chan Completion]struct{}
}

// New creates a Service and reloads computations left unresolved by a
// previous run; they keep waiting for their callback.
func New(cfg Config) (*Service, error) {
	if cfg.Provider == nil || cfg.Registry == nil || cfg.Store == nil {
		return nil, fmt.Errorf("provider, registry and store are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Service{
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		cluster:   cfg.Cluster,
		circuitID: circuit.MatchCircuit().ID(),
		store:     cfg.Store,
		clock:     clock,
		pending:   make(map[ComputationID]*Record),
		subs:      make(map[chan Completion]struct{}),
	}

	unresolved, err := cfg.Store.Unresolved()
	if err != nil {
		return nil, fmt.Errorf("load unresolved computations:\n%w", err)
	}

	for _, rec := range unresolved {
		s.pending[rec.ID] = rec
	}

	if len(unresolved) > 0 {
		logger.Info("reloaded unresolved computations", "count", len(unresolved))
	}

	metrics.PendingComputations.Set(float64(len(s.pending)))

	return s, nil
}

// CircuitID returns the definition ID outputs must be signed for.
func (s *Service) CircuitID() [32]byte {
	return s.circuitID
}

// RequestMatch snapshots the registry and submits query under a fresh ID.
func (s *Service) RequestMatch(ctx context.Context, query []envelope.Ciphertext, pub envelope.PublicKey, nonce envelope.Nonce) (ComputationID, error) {
	snap, err := s.registry.Snapshot()
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrRegistryUnavailable, err)
	}

	id := ComputationID(uuid.NewString())

	if err := s.Submit(ctx, id, query, snap, pub, nonce); err != nil {
		return "", err
	}

	return id, nil
}

// Submit hands one computation to the provider. Shape errors are caught
// before anything is sent. A rejected submission burns the ID.
func (s *Service) Submit(ctx context.Context, id ComputationID, query []envelope.Ciphertext, snap registry.Snapshot, pub envelope.PublicKey, nonce envelope.Nonce) error {
	args, err := BuildArguments(query, snap, pub, nonce)
	if err != nil {
		metrics.ComputationsSubmitted.WithLabelValues("invalid").Inc()
		return err
	}

	rec := &Record{
		ID:            id,
		State:         StateIdle,
		RequestDigest: RequestDigest(id, args),
		Requester:     pub,
		Nonce:         nonce,
		CreatedAt:     s.clock.Now().UTC(),
	}

	if err := s.reserve(rec); err != nil {
		return err
	}

	log := logger.With("computation", id)

	if err := s.provider.SubmitComputation(ctx, id, args, s.onProviderCallback); err != nil {
		metrics.ComputationsSubmitted.WithLabelValues("rejected").Inc()
		s.reject(id, err)
		log.Warn("submission rejected", "error", err)

		return fmt.Errorf("%w:\n%w", ErrProviderUnavailable, err)
	}

	metrics.ComputationsSubmitted.WithLabelValues("accepted").Inc()

	s.advance(id, StateQueued)
	s.advance(id, StateAwaitingCallback)

	log.Info("computation submitted", "occupied", snap.Occupied)

	return nil
}

// reserve records id as Idle, refusing IDs seen before.
func (s *Service) reserve(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateComputation, rec.ID)
	}

	seen, err := s.store.Has(rec.ID)
	if err != nil {
		return err
	}

	if seen {
		return fmt.Errorf("%w: %s", ErrDuplicateComputation, rec.ID)
	}

	if err := s.store.Put(rec); err != nil {
		return err
	}

	s.pending[rec.ID] = rec
	metrics.PendingComputations.Set(float64(len(s.pending)))

	return nil
}

// advance moves a pending computation forward. Callbacks may already
// have resolved it, in which case nothing changes.
func (s *Service) advance(id ComputationID, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[id]
	if !ok || rec.State >= to {
		return
	}

	rec.State = to
	if err := s.store.Put(rec); err != nil {
		logger.Warn("persist computation state", "computation", id, "state", to, "error", err)
	}
}

// reject records a refused submission as Aborted without a notification.
func (s *Service) reject(id ComputationID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[id]
	if !ok {
		return
	}

	rec.State = StateAborted
	rec.Reason = "rejected by provider: " + cause.Error()
	rec.ResolvedAt = s.clock.Now().UTC()

	if err := s.store.Put(rec); err != nil {
		logger.Warn("persist rejected computation", "computation", id, "error", err)
	}

	delete(s.pending, id)
	metrics.PendingComputations.Set(float64(len(s.pending)))
}

// onProviderCallback is the callback handed to the provider.
func (s *Service) onProviderCallback(id ComputationID, out *SignedOutput) {
	if _, err := s.OnCallback(id, out); err != nil {
		logger.Warn("callback rejected", "computation", id, "error", err)
	}
}

// OnCallback resolves a pending computation with a pushed output.
// Unknown and resolved IDs are rejected without any state change. A
// verification failure aborts the computation and returns
// ErrAbortedComputation.
func (s *Service) OnCallback(id ComputationID, out *SignedOutput) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[id]
	if !ok {
		return nil, s.rejectCallback(id)
	}

	resolved := rec.clone()
	resolved.ResolvedAt = s.clock.Now().UTC()

	verr := verifyOutput(&s.cluster, s.circuitID, rec, out)
	if verr != nil {
		resolved.State = StateAborted
		resolved.Reason = verr.Error()
	} else {
		resolved.State = StateVerified
		resolved.Mask = append([]envelope.Ciphertext(nil), out.Slots...)
	}

	// The record stays pending if it cannot be persisted so a
	// redelivered callback can still resolve it.
	if err := s.store.Put(resolved); err != nil {
		return nil, err
	}

	delete(s.pending, id)
	metrics.PendingComputations.Set(float64(len(s.pending)))
	metrics.ComputationsResolved.WithLabelValues(resolved.State.String()).Inc()

	s.publish(Completion{ID: id, Timestamp: resolved.ResolvedAt})

	if verr != nil {
		logger.Warn("computation aborted", "computation", id, "reason", verr)
		return nil, fmt.Errorf("%w:\n%w", ErrAbortedComputation, verr)
	}

	logger.Info("computation verified", "computation", id)

	return &Result{ID: id, Mask: resolved.Mask}, nil
}

// rejectCallback classifies a callback for an ID that is not pending.
func (s *Service) rejectCallback(id ComputationID) error {
	seen, err := s.store.Has(id)
	if err != nil {
		return err
	}

	if seen {
		metrics.CallbacksIgnored.WithLabelValues("resolved").Inc()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	metrics.CallbacksIgnored.WithLabelValues("unknown").Inc()

	return fmt.Errorf("%w: %s", ErrUnknownComputation, id)
}

// Result returns the record of id. The mask is only set once Verified.
func (s *Service) Result(id ComputationID) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.pending[id]
	if ok {
		rec = rec.clone()
	}
	s.mu.Unlock()

	if ok {
		return rec, nil
	}

	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComputation, id)
	}

	return rec, nil
}

// Subscribe returns a channel of completion notifications that is closed
// when ctx is done. Notifications are dropped for a subscriber whose
// buffer is full.
func (s *Service) Subscribe(ctx context.Context) <-chan Completion {
	ch := make(chan Completion, subscriberBuffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()

		close(ch)
	}()

	return ch
}

// publish fans c out to subscribers. Must hold s.mu.
func (s *Service) publish(c Completion) {
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
			logger.Warn("dropping completion for slow subscriber", "computation", c.ID)
		}
	}
}

// IsRetryable reports whether err leaves the caller free to try again
// with a fresh computation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAbortedComputation) || errors.Is(err, ErrProviderUnavailable)
}
