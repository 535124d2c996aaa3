package matching

import "errors"

var (
	// ErrShapeMismatch is returned when a query or snapshot does not fit
	// the circuit's fixed sizes. Nothing is submitted.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrAbortedComputation is returned when a callback fails verification.
	// The caller may retry with a fresh computation.
	ErrAbortedComputation = errors.New("aborted computation")

	// ErrProviderUnavailable is returned when the provider rejects a submission.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRegistryUnavailable is returned when no snapshot can be read.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrUnknownComputation is returned for IDs that were never submitted.
	ErrUnknownComputation = errors.New("unknown computation")

	// ErrAlreadyResolved is returned for callbacks on terminal computations.
	ErrAlreadyResolved = errors.New("computation already resolved")

	// ErrDuplicateComputation is returned when an ID is submitted twice.
	ErrDuplicateComputation = errors.New("duplicate computation")
)
