package matching

import (
	"context"
	"fmt"
	"time"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/registry"
	"ArcPSI/internal/signing"
)

// ComputationID correlates a submission with its callback. Never reused.
type ComputationID string

// State is the lifecycle state of a computation.
type State uint8

const (
	StateIdle             State = iota // StateIdle is before the provider accepted the request
	StateQueued                        // StateQueued is accepted by the provider
	StateAwaitingCallback              // StateAwaitingCallback is waiting for the pushed result
	StateVerified                      // StateVerified holds a verified mask
	StateAborted                       // StateAborted exposes no data
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateVerified:
		return "verified"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s accepts no further callbacks.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateAborted
}

// SignedOutput is the result a cluster pushes back for a computation.
type SignedOutput struct {
	ComputationID ComputationID         // ComputationID is the computation the output claims to answer
	ClusterID     [32]byte              // ClusterID identifies the producing cluster
	CircuitID     [32]byte              // CircuitID identifies the evaluated circuit
	RequestDigest [32]byte              // RequestDigest binds the submitted arguments
	Slots         []envelope.Ciphertext // Slots are the mask slots sealed to the requester
	Signature     []byte                // Signature is the aggregated BLS signature
	Signers       []byte                // Signers is the signer bitmap
}

// Statement returns what the cluster signed for o.
func (o *SignedOutput) Statement() *signing.Statement {
	slots := make([][]byte, len(o.Slots))
	for i := range o.Slots {
		slots[i] = o.Slots[i][:]
	}

	return &signing.Statement{
		ClusterID:     o.ClusterID,
		ComputationID: string(o.ComputationID),
		RequestDigest: o.RequestDigest,
		CircuitID:     o.CircuitID,
		Slots:         slots,
	}
}

// Callback receives the output of an accepted computation.
type Callback func(id ComputationID, out *SignedOutput)

// Provider runs computations confidentially and pushes results back.
// SubmitComputation returns once the request is accepted or rejected;
// an accepted request eventually triggers cb exactly once.
type Provider interface {
	SubmitComputation(ctx context.Context, id ComputationID, args []Argument, cb Callback) error
}

// RegistryReader reads a consistent copy of the registry.
type RegistryReader interface {
	Snapshot() (registry.Snapshot, error)
}

// ClusterIdentity is the trusted description of the cluster whose
// outputs are accepted.
type ClusterIdentity struct {
	ID         [32]byte // ID is the cluster identifier
	Threshold  int      // Threshold is the minimum number of signers
	SignerKeys [][]byte // SignerKeys are the BLS public keys by member index
}

// Record is the lifecycle entry of one computation.
type Record struct {
	ID            ComputationID
	State         State
	RequestDigest [32]byte
	Requester     envelope.PublicKey
	Nonce         envelope.Nonce
	Mask          []envelope.Ciphertext // Mask is set once Verified
	CreatedAt     time.Time
	ResolvedAt    time.Time
	Reason        string // Reason explains an abort
}

func (r *Record) clone() *Record {
	c := *r
	if r.Mask != nil {
		c.Mask = append([]envelope.Ciphertext(nil), r.Mask...)
	}

	return &c
}

// Completion announces that a computation reached a terminal state.
// It carries no result data.
type Completion struct {
	ID        ComputationID
	Timestamp time.Time
}
