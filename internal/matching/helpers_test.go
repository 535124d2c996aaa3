package matching

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/registry"
	"ArcPSI/internal/signing"
	"ArcPSI/internal/storage"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// submission is one computation seen by fakeProvider.
type submission struct {
	args []Argument
	cb   Callback
}

// fakeProvider accepts everything unless err is set.
type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	subs  map[ComputationID]submission
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: make(map[ComputationID]submission)}
}

func (p *fakeProvider) SubmitComputation(_ context.Context, id ComputationID, args []Argument, cb Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return p.err
	}

	p.subs[id] = submission{args: args, cb: cb}

	return nil
}

func (p *fakeProvider) get(t *testing.T, id ComputationID) submission {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.subs[id]
	if !ok {
		t.Fatalf("computation %s was not submitted", id)
	}

	return s
}

// staticRegistry returns a fixed snapshot or error.
type staticRegistry struct {
	snap registry.Snapshot
	err  error
}

func (r *staticRegistry) Snapshot() (registry.Snapshot, error) {
	return r.snap, r.err
}

// testCluster holds the signing keys of a fake cluster.
type testCluster struct {
	keys     []*signing.KeyPair
	identity ClusterIdentity
}

func newTestCluster(t *testing.T, n, threshold int) *testCluster {
	t.Helper()

	c := &testCluster{}
	c.identity.ID = [32]byte{0xC1}
	c.identity.Threshold = threshold

	for i := 0; i < n; i++ {
		k, err := signing.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		c.keys = append(c.keys, k)
		c.identity.SignerKeys = append(c.identity.SignerKeys, k.PublicKey())
	}

	return c
}

// output builds an output for sub signed by the given member indices.
func (c *testCluster) output(id ComputationID, sub submission, signers []int) *SignedOutput {
	out := &SignedOutput{
		ComputationID: id,
		ClusterID:     c.identity.ID,
		CircuitID:     circuit.MatchCircuit().ID(),
		RequestDigest: RequestDigest(id, sub.args),
		Slots:         make([]envelope.Ciphertext, circuit.QuerySize),
	}

	for i := range out.Slots {
		out.Slots[i][0] = byte(i + 1)
	}

	c.sign(out, signers)

	return out
}

// sign (re)signs out with the given member indices.
func (c *testCluster) sign(out *SignedOutput, signers []int) {
	digest := out.Statement().Digest()

	sigs := make([][]byte, len(signers))
	for i, idx := range signers {
		sigs[i] = c.keys[idx].Sign(digest[:])
	}

	out.Signature, _ = signing.Aggregate(sigs)
	out.Signers = signing.Bitmap(signers, len(c.keys))
}

type testEnv struct {
	svc      *Service
	provider *fakeProvider
	cluster  *testCluster
	clock    clockwork.FakeClock
	store    *Store
}

func newTestEnv(t *testing.T, reg RegistryReader) *testEnv {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, 16)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if reg == nil {
		reg = &staticRegistry{}
	}

	env := &testEnv{
		provider: newFakeProvider(),
		cluster:  newTestCluster(t, 3, 2),
		clock:    clockwork.NewFakeClockAt(testEpoch),
		store:    store,
	}

	env.svc, err = New(Config{
		Provider: env.provider,
		Registry: reg,
		Cluster:  env.cluster.identity,
		Store:    store,
		Clock:    env.clock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	return env
}

func testQuery() []envelope.Ciphertext {
	q := make([]envelope.Ciphertext, circuit.QuerySize)
	for i := range q {
		q[i][0] = byte(0x10 + i)
	}

	return q
}

// submit submits the test query under id and fails the test on error.
func (e *testEnv) submit(t *testing.T, id ComputationID) submission {
	t.Helper()

	err := e.svc.Submit(context.Background(), id, testQuery(), registry.Snapshot{}, envelope.PublicKey{1}, envelope.Nonce{2})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}

	return e.provider.get(t, id)
}

func (e *testEnv) state(t *testing.T, id ComputationID) *Record {
	t.Helper()

	rec, err := e.svc.Result(id)
	if err != nil {
		t.Fatalf("result %s: %v", id, err)
	}

	return rec
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()

	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
