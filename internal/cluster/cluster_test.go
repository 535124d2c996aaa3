package cluster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/registry"
	"ArcPSI/internal/signing"
	"ArcPSI/internal/storage"
)

func newTestCluster(t *testing.T, n int) (*Config, []Secret) {
	t.Helper()

	c, secrets, err := Generate(n, 0, nil)
	if err != nil {
		t.Fatalf("generate cluster: %v", err)
	}

	return c, secrets
}

func newTestExecutor(t *testing.T, n int) *Executor {
	t.Helper()

	c, secrets := newTestCluster(t, n)

	exec, err := NewExecutor(c, secrets)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	return exec
}

// requester holds an ephemeral key and nonce for one query.
type requester struct {
	pub   envelope.PublicKey
	priv  envelope.PrivateKey
	nonce envelope.Nonce
}

func newRequester(t *testing.T) *requester {
	t.Helper()

	pub, priv, err := envelope.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	nonce, err := envelope.NewNonce(nil)
	if err != nil {
		t.Fatalf("new nonce: %v", err)
	}

	return &requester{pub: pub, priv: priv, nonce: nonce}
}

func (r *requester) seal(t *testing.T, members []envelope.PublicKey, values []uint64) []envelope.Ciphertext {
	t.Helper()

	out := make([]envelope.Ciphertext, len(values))

	for i, v := range values {
		ct, err := envelope.Seal(v, r.priv, r.nonce, uint32(i), members)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}

		out[i] = ct
	}

	return out
}

func (r *requester) open(t *testing.T, members []envelope.PublicKey, slots []envelope.Ciphertext) []uint64 {
	t.Helper()

	out := make([]uint64, len(slots))

	for i, s := range slots {
		v, err := envelope.Open(s, r.priv, r.nonce, uint32(i), members)
		if err != nil {
			t.Fatalf("open slot %d: %v", i, err)
		}

		out[i] = v
	}

	return out
}

// snapshot seals each value as its own registrant.
func snapshot(t *testing.T, members []envelope.PublicKey, values []uint64) registry.Snapshot {
	t.Helper()

	snap := registry.Snapshot{Occupied: len(values)}

	for j, v := range values {
		r := newRequester(t)
		snap.Entries[j] = registry.Entry{
			Ciphertext: r.seal(t, members, []uint64{v})[0],
			PublicKey:  r.pub,
			Nonce:      r.nonce,
		}
	}

	return snap
}

func TestGenerateSaveLoad(t *testing.T) {
	dir := t.TempDir()

	c, secrets, err := Generate(3, 0, []string{"127.0.0.1:7100"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if c.Threshold != signing.QuorumSize(3) {
		t.Errorf("threshold = %d, want %d", c.Threshold, signing.QuorumSize(3))
	}

	cfgPath := filepath.Join(dir, "cluster.toml")
	secPath := filepath.Join(dir, "secrets.toml")

	if err := c.Save(cfgPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	if err := SaveSecrets(secPath, secrets); err != nil {
		t.Fatalf("save secrets: %v", err)
	}

	loaded, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if loaded.ID() != c.ID() {
		t.Error("cluster ID changed through the file")
	}

	if loaded.Members[0].Address != "127.0.0.1:7100" || loaded.Members[1].Address != "" {
		t.Errorf("addresses = %q, %q", loaded.Members[0].Address, loaded.Members[1].Address)
	}

	if _, err := LoadSecrets(secPath, loaded); err != nil {
		t.Fatalf("load secrets: %v", err)
	}

	other, _, _ := Generate(3, 0, nil)
	if _, err := LoadSecrets(secPath, other); err == nil {
		t.Error("secrets accepted for another cluster")
	}
}

func TestConfigValidate(t *testing.T) {
	c, _ := newTestCluster(t, 3)

	bad := *c
	bad.Threshold = 4
	if err := bad.Validate(); err == nil {
		t.Error("threshold above member count accepted")
	}

	bad = *c
	bad.Members = append([]Member(nil), c.Members...)
	bad.Members[1].Index = 2
	if err := bad.Validate(); err == nil {
		t.Error("misnumbered member accepted")
	}

	if c.ID() == (&Config{Threshold: 2, Members: c.Members}).ID() {
		t.Error("threshold not bound by the cluster ID")
	}
}

// TestExecuteScenarioA runs the full envelope and GMW path.
func TestExecuteScenarioA(t *testing.T) {
	exec := newTestExecutor(t, 3)
	members := exec.config.ShareKeys()

	snap := snapshot(t, members, []uint64{0x11, 0x22, 0x33, 0x44})
	req := newRequester(t)
	query := req.seal(t, members, []uint64{0x22, 0x99, 0x44, 0x77})

	args, err := matching.BuildArguments(query, snap, req.pub, req.nonce)
	if err != nil {
		t.Fatalf("build arguments: %v", err)
	}

	out, err := exec.Execute("a", args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := req.open(t, members, out.Slots)
	want := []uint64{1, 0, 1, 0}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mask = %v, want %v", got, want)
		}
	}

	digest := out.Statement().Digest()
	if !signing.VerifyAggregated(out.Signature, digest[:], exec.config.Identity().SignerKeys) {
		t.Error("output signature does not verify")
	}

	if out.RequestDigest != matching.RequestDigest("a", args) {
		t.Error("output does not bind the request")
	}
}

// TestExecuteScenarioB: an empty registry never matches, zero included.
func TestExecuteScenarioB(t *testing.T) {
	exec := newTestExecutor(t, 2)
	members := exec.config.ShareKeys()

	req := newRequester(t)
	query := req.seal(t, members, []uint64{0, 1, 2, 0})

	args, err := matching.BuildArguments(query, registry.Snapshot{}, req.pub, req.nonce)
	if err != nil {
		t.Fatalf("build arguments: %v", err)
	}

	out, err := exec.Execute("b", args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	for i, v := range req.open(t, members, out.Slots) {
		if v != 0 {
			t.Errorf("mask[%d] = %d, want 0", i, v)
		}
	}
}

func TestExecutePartialRegistry(t *testing.T) {
	exec := newTestExecutor(t, 3)
	members := exec.config.ShareKeys()

	snap := snapshot(t, members, []uint64{7})
	req := newRequester(t)
	query := req.seal(t, members, []uint64{0, 7, 8, 7})

	args, _ := matching.BuildArguments(query, snap, req.pub, req.nonce)

	out, err := exec.Execute("p", args)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := req.open(t, members, out.Slots)
	want := []uint64{0, 1, 0, 1}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mask = %v, want %v", got, want)
		}
	}
}

func TestExecuteRejectsMalformed(t *testing.T) {
	exec := newTestExecutor(t, 2)

	_, err := exec.Execute("x", []matching.Argument{{Kind: matching.ArgNonce}})
	if !errors.Is(err, matching.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

type snapshotReader struct{ snap registry.Snapshot }

func (r snapshotReader) Snapshot() (registry.Snapshot, error) { return r.snap, nil }

// TestLocalWithLifecycle drives a request through the lifecycle and the
// local cluster and decrypts the verified mask.
func TestLocalWithLifecycle(t *testing.T) {
	exec := newTestExecutor(t, 3)
	members := exec.config.ShareKeys()

	local := NewLocal(exec, 2, 8)
	defer local.Close()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()

	store, err := matching.NewStore(db, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	svc, err := matching.New(matching.Config{
		Provider: local,
		Registry: snapshotReader{snapshot(t, members, []uint64{5, 6})},
		Cluster:  exec.config.Identity(),
		Store:    store,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := svc.Subscribe(ctx)

	req := newRequester(t)
	id, err := svc.RequestMatch(ctx, req.seal(t, members, []uint64{6, 1, 5, 2}), req.pub, req.nonce)
	if err != nil {
		t.Fatalf("request match: %v", err)
	}

	select {
	case c := <-events:
		if c.ID != id {
			t.Fatalf("completion for %s, want %s", c.ID, id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("computation did not complete")
	}

	rec, err := svc.Result(id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}

	if rec.State != matching.StateVerified {
		t.Fatalf("state = %v (%s), want verified", rec.State, rec.Reason)
	}

	got := req.open(t, members, rec.Mask)
	want := []uint64{1, 0, 1, 0}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mask = %v, want %v", got, want)
		}
	}
}

func TestLocalQueueFull(t *testing.T) {
	exec := newTestExecutor(t, 2)

	// No workers: the queue only drains through the test.
	l := &Local{exec: exec, queue: make(chan job, 1), stop: make(chan struct{})}

	req := newRequester(t)
	query := req.seal(t, exec.config.ShareKeys(), make([]uint64, circuit.QuerySize))
	args, _ := matching.BuildArguments(query, registry.Snapshot{}, req.pub, req.nonce)

	noop := func(matching.ComputationID, *matching.SignedOutput) {}

	if err := l.SubmitComputation(context.Background(), "a", args, noop); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	if err := l.SubmitComputation(context.Background(), "b", args, noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	if err := l.SubmitComputation(context.Background(), "c", args[:3], noop); !errors.Is(err, matching.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	l.Close()

	if err := l.SubmitComputation(context.Background(), "d", args, noop); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestLocalReportsFailures(t *testing.T) {
	exec := newTestExecutor(t, 2)

	local := NewLocal(exec, 1, 1)
	defer local.Close()

	// A zero requester key is a low-order point: sharing fails at run time.
	query := make([]envelope.Ciphertext, circuit.QuerySize)
	args, _ := matching.BuildArguments(query, registry.Snapshot{}, envelope.PublicKey{}, envelope.Nonce{})

	done := make(chan *matching.SignedOutput, 1)

	err := local.SubmitComputation(context.Background(), "f", args, func(_ matching.ComputationID, out *matching.SignedOutput) {
		done <- out
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case out := <-done:
		if len(out.Slots) != 0 || out.Signature != nil {
			t.Error("failed computation returned data")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no callback for failed computation")
	}
}
