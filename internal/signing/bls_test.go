package signing

import (
	"bytes"
	"testing"
)

// TestSignVerify tests basic sign and verify.
func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := []byte("output digest")
	signature := key.Sign(message)

	if len(signature) != SignatureSize {
		t.Errorf("signature size: got %d, want %d", len(signature), SignatureSize)
	}

	if !Verify(signature, message, key.PublicKey()) {
		t.Error("valid signature should verify")
	}

	if Verify(signature, []byte("other digest"), key.PublicKey()) {
		t.Error("signature should not verify with wrong message")
	}
}

// TestVerifyWrongKey tests verification with another member's key.
func TestVerifyWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	signature := key1.Sign([]byte("m"))

	if Verify(signature, []byte("m"), key2.PublicKey()) {
		t.Error("signature should not verify with wrong key")
	}
}

// TestSecretRoundTrip tests restoring a key from its serialized secret.
func TestSecretRoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	restored, err := KeyFromSecret(key.Secret())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !bytes.Equal(key.PublicKey(), restored.PublicKey()) {
		t.Error("restored key has a different public key")
	}

	if _, err := KeyFromSecret([]byte("short")); err == nil {
		t.Error("expected error for short secret")
	}
}

// TestDeriveKeyDeterministic tests label separation of derived keys.
func TestDeriveKeyDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, _ := DeriveKey("label-a", seed)
	b, _ := DeriveKey("label-a", seed)
	c, _ := DeriveKey("label-b", seed)

	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("same label and seed should produce same key")
	}

	if bytes.Equal(a.PublicKey(), c.PublicKey()) {
		t.Error("different labels should produce different keys")
	}

	if _, err := KeyFromSeed(seed[:16]); err == nil {
		t.Error("expected error for short seed")
	}
}

// TestAggregationSubset tests an aggregate signed by a subset of members.
func TestAggregationSubset(t *testing.T) {
	const members = 5

	keys := make([]*KeyPair, members)
	for i := range keys {
		keys[i], _ = GenerateKey()
	}

	message := []byte("partial aggregate")
	signers := []int{0, 2, 4}

	sigs := make([][]byte, len(signers))
	pubkeys := make([][]byte, len(signers))

	for i, idx := range signers {
		sigs[i] = keys[idx].Sign(message)
		pubkeys[i] = keys[idx].PublicKey()
	}

	agg, err := Aggregate(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if !VerifyAggregated(agg, message, pubkeys) {
		t.Error("aggregate should verify with signer keys")
	}

	all := make([][]byte, members)
	for i := range keys {
		all[i] = keys[i].PublicKey()
	}

	if VerifyAggregated(agg, message, all) {
		t.Error("aggregate should not verify with non-signers included")
	}
}

// TestAggregateInvalid tests aggregation of bad inputs.
func TestAggregateInvalid(t *testing.T) {
	if _, err := Aggregate(nil); err == nil {
		t.Error("aggregating nothing should error")
	}

	if _, err := Aggregate([][]byte{[]byte("short")}); err == nil {
		t.Error("short signature should error")
	}

	key, _ := GenerateKey()
	sig := key.Sign([]byte("m"))

	corrupt := make([]byte, len(sig))
	copy(corrupt, sig)
	corrupt[0] ^= 0xFF

	if Verify(corrupt, []byte("m"), key.PublicKey()) {
		t.Error("corrupt signature should not verify")
	}

	if VerifyAggregated(sig, []byte("m"), nil) {
		t.Error("no public keys should not verify")
	}
}

// TestBitmap tests building and parsing signer bitmaps.
func TestBitmap(t *testing.T) {
	tests := []struct {
		indices []int
		total   int
	}{
		{[]int{0}, 1},
		{[]int{0, 7}, 8},
		{[]int{0, 8, 15}, 16},
		{[]int{1, 2}, 3},
		{[]int{}, 8},
	}

	for _, tc := range tests {
		bitmap := Bitmap(tc.indices, tc.total)

		if want := (tc.total + 7) / 8; len(bitmap) != want {
			t.Errorf("bitmap size for total=%d: got %d, want %d", tc.total, len(bitmap), want)
		}

		parsed := Signers(bitmap)
		if len(parsed) != len(tc.indices) {
			t.Errorf("parsed %v, want %v", parsed, tc.indices)
			continue
		}

		for i, idx := range tc.indices {
			if parsed[i] != idx {
				t.Errorf("parsed[%d] = %d, want %d", i, parsed[i], idx)
			}
		}
	}

	if got := Signers(Bitmap([]int{-1, 0, 8}, 8)); len(got) != 1 || got[0] != 0 {
		t.Errorf("out-of-range indices should be ignored: got %v", got)
	}
}

// TestQuorumSize tests the default threshold.
func TestQuorumSize(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 3},
		{10, 7},
	}

	for _, tt := range tests {
		if got := QuorumSize(tt.n); got != tt.want {
			t.Errorf("QuorumSize(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

// TestStatementDigest tests that every field is bound.
func TestStatementDigest(t *testing.T) {
	base := Statement{
		ComputationID: "c1",
		Slots:         [][]byte{{1}, {2}},
	}
	d := base.Digest()

	variants := []Statement{
		{ComputationID: "c2", Slots: base.Slots},
		{ComputationID: "c1", Slots: [][]byte{{1}}},
		{ComputationID: "c1", Slots: [][]byte{{1}, {3}}},
		{ComputationID: "c1", Slots: base.Slots, CircuitID: [32]byte{1}},
		{ComputationID: "c1", Slots: base.Slots, ClusterID: [32]byte{1}},
		{ComputationID: "c1", Slots: base.Slots, RequestDigest: [32]byte{1}},
	}

	for i, v := range variants {
		if v.Digest() == d {
			t.Errorf("variant %d has the same digest", i)
		}
	}

	if base.Digest() != d {
		t.Error("digest is not deterministic")
	}
}
