package matching

import (
	"errors"
	"fmt"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/signing"
)

var (
	errWrongComputation = errors.New("output answers another computation")
	errWrongCluster     = errors.New("output produced by an unexpected cluster")
	errWrongCircuit     = errors.New("output produced by an unexpected circuit")
	errStaleRequest     = errors.New("output does not bind the submitted request")
	errSlotCount        = errors.New("output has the wrong number of slots")
	errBelowThreshold   = errors.New("not enough signers")
	errUnknownSigner    = errors.New("signer outside the cluster")
	errBadSignature     = errors.New("invalid aggregated signature")
)

// verifyOutput checks that out was produced by the expected cluster for
// the computation described by rec.
func verifyOutput(cluster *ClusterIdentity, circuitID [32]byte, rec *Record, out *SignedOutput) error {
	if out == nil {
		return fmt.Errorf("nil output")
	}

	if out.ComputationID != rec.ID {
		return fmt.Errorf("%w: %q", errWrongComputation, out.ComputationID)
	}

	if out.ClusterID != cluster.ID {
		return errWrongCluster
	}

	if out.CircuitID != circuitID {
		return errWrongCircuit
	}

	if out.RequestDigest != rec.RequestDigest {
		return errStaleRequest
	}

	if len(out.Slots) != circuit.QuerySize {
		return fmt.Errorf("%w: got %d, want %d", errSlotCount, len(out.Slots), circuit.QuerySize)
	}

	members := len(cluster.SignerKeys)
	if len(out.Signers) != (members+7)/8 {
		return fmt.Errorf("%w: bitmap has %d bytes", errUnknownSigner, len(out.Signers))
	}

	signers := signing.Signers(out.Signers)
	if len(signers) < cluster.Threshold || len(signers) == 0 {
		return fmt.Errorf("%w: %d of %d required", errBelowThreshold, len(signers), cluster.Threshold)
	}

	keys := make([][]byte, len(signers))
	for i, idx := range signers {
		if idx >= members {
			return fmt.Errorf("%w: index %d", errUnknownSigner, idx)
		}

		keys[i] = cluster.SignerKeys[idx]
	}

	digest := out.Statement().Digest()
	if !signing.VerifyAggregated(out.Signature, digest[:], keys) {
		return errBadSignature
	}

	return nil
}
