package matching

import (
	"errors"
	"testing"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/registry"
)

func TestBuildArgumentsOrder(t *testing.T) {
	snap := registry.Snapshot{Occupied: 2}
	snap.Entries[0].Ciphertext[0] = 0xA0
	snap.Entries[1].Ciphertext[0] = 0xA1

	args, err := BuildArguments(testQuery(), snap, envelope.PublicKey{9}, envelope.Nonce{8})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(args) != ArgumentCount {
		t.Fatalf("got %d arguments, want %d", len(args), ArgumentCount)
	}

	want := []ArgumentKind{ArgPublicKey, ArgNonce}
	for i := 0; i < circuit.QuerySize; i++ {
		want = append(want, ArgQuery)
	}
	want = append(want, ArgRegistryEntry, ArgRegistryEntry)
	for j := 2; j < circuit.RegistrySize; j++ {
		want = append(want, ArgEmptySlot)
	}

	for i, a := range args {
		if a.Kind != want[i] {
			t.Errorf("argument %d kind = %d, want %d", i, a.Kind, want[i])
		}
	}

	parsed, err := ParseArguments(args)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.Query[3] != testQuery()[3] {
		t.Error("query entries out of order")
	}

	if parsed.Registry[1] != snap.Entries[1] || !parsed.Valid[1] || parsed.Valid[2] {
		t.Error("registry entries not decoded in order")
	}
}

func TestParseArgumentsRejectsMalformed(t *testing.T) {
	good, err := BuildArguments(testQuery(), registry.Snapshot{}, envelope.PublicKey{}, envelope.Nonce{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	clone := func() []Argument {
		return append([]Argument(nil), good...)
	}

	tests := []struct {
		name string
		args func() []Argument
	}{
		{"too short", func() []Argument { return good[:len(good)-1] }},
		{"swapped header", func() []Argument {
			a := clone()
			a[0], a[1] = a[1], a[0]
			return a
		}},
		{"short query", func() []Argument {
			a := clone()
			a[2] = Argument{Kind: ArgQuery, Data: make([]byte, 8)}
			return a
		}},
		{"query in registry", func() []Argument {
			a := clone()
			a[len(a)-1] = Argument{Kind: ArgQuery, Data: make([]byte, envelope.CiphertextSize)}
			return a
		}},
	}

	for _, tt := range tests {
		if _, err := ParseArguments(tt.args()); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("%s: expected ErrShapeMismatch, got %v", tt.name, err)
		}
	}
}

func TestRequestDigestBindsEverything(t *testing.T) {
	args, _ := BuildArguments(testQuery(), registry.Snapshot{}, envelope.PublicKey{}, envelope.Nonce{})
	base := RequestDigest("c1", args)

	if RequestDigest("c2", args) == base {
		t.Error("digest ignores the computation ID")
	}

	changed := append([]Argument(nil), args...)
	changed[1] = Argument{Kind: ArgNonce, Data: make([]byte, envelope.NonceSize)}
	changed[1].Data[0] = 1

	if RequestDigest("c1", changed) == base {
		t.Error("digest ignores the nonce")
	}
}
