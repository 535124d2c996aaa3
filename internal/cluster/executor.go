package cluster

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"ArcPSI/internal/circuit"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/metrics"
	"ArcPSI/internal/signing"
)

// Executor evaluates the matching circuit on behalf of every member.
// Each member only ever touches its own input, triple and output shares.
type Executor struct {
	config    *Config
	secrets   []Secret
	circ      *circuit.Circuit
	clusterID [32]byte
	circuitID [32]byte
	rnd       io.Reader // rnd feeds the triple dealer
}

// NewExecutor creates an Executor for c with all member secrets.
func NewExecutor(c *Config, secrets []Secret) (*Executor, error) {
	if len(secrets) != len(c.Members) {
		return nil, fmt.Errorf("got %d secrets for %d members", len(secrets), len(c.Members))
	}

	for i := range secrets {
		if err := secrets[i].check(c.Members[i]); err != nil {
			return nil, err
		}
	}

	circ := circuit.MatchCircuit()

	return &Executor{
		config:    c,
		secrets:   secrets,
		circ:      circ,
		clusterID: c.ID(),
		circuitID: circ.ID(),
		rnd:       rand.Reader,
	}, nil
}

// CircuitID returns the definition ID of the evaluated circuit.
func (e *Executor) CircuitID() [32]byte {
	return e.circuitID
}

// ClusterID returns the identifier outputs are signed under.
func (e *Executor) ClusterID() [32]byte {
	return e.clusterID
}

// Execute runs one computation and returns its signed output.
func (e *Executor) Execute(id matching.ComputationID, args []matching.Argument) (*matching.SignedOutput, error) {
	start := time.Now()

	parsed, err := matching.ParseArguments(args)
	if err != nil {
		return nil, err
	}

	n := len(e.secrets)

	inputs, err := e.inputShares(parsed)
	if err != nil {
		return nil, err
	}

	triples, err := circuit.DealTriples(n, e.circ.NumAnds, e.rnd)
	if err != nil {
		return nil, fmt.Errorf("deal triples:\n%w", err)
	}

	parties := make([]*circuit.Party, n)
	for p := range parties {
		if parties[p], err = circuit.NewParty(p, e.circ, inputs[p], triples[p]); err != nil {
			return nil, err
		}
	}

	if err := circuit.Evaluate(e.circ, parties); err != nil {
		return nil, fmt.Errorf("evaluate:\n%w", err)
	}

	slots, err := e.sealOutputs(parsed, parties)
	if err != nil {
		return nil, err
	}

	out := &matching.SignedOutput{
		ComputationID: id,
		ClusterID:     e.clusterID,
		CircuitID:     e.circuitID,
		RequestDigest: matching.RequestDigest(id, args),
		Slots:         slots,
	}

	if err := e.sign(out); err != nil {
		return nil, err
	}

	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	logger.Debug("computation evaluated", "computation", id, logger.Timed(start))

	return out, nil
}

// inputShares derives every member's shares of the circuit inputs,
// laid out as query, registry, then validity bits.
func (e *Executor) inputShares(a *matching.Arguments) ([][]uint64, error) {
	n := len(e.secrets)
	shares := make([][]uint64, n)

	for p := range shares {
		shares[p] = make([]uint64, e.circ.NumInputs)
	}

	for p, s := range e.secrets {
		member := uint32(p)

		for i := range a.Query {
			v, err := envelope.Share(a.Query[i], s.ShareKey, member, a.Requester, a.Nonce, uint32(i))
			if err != nil {
				return nil, fmt.Errorf("member %d query %d:\n%w", p, i, err)
			}

			shares[p][i] = v
		}

		for j := range a.Registry {
			if !a.Valid[j] {
				continue
			}

			entry := a.Registry[j]

			v, err := envelope.Share(entry.Ciphertext, s.ShareKey, member, entry.PublicKey, entry.Nonce, 0)
			if err != nil {
				return nil, fmt.Errorf("member %d registry slot %d:\n%w", p, j, err)
			}

			shares[p][circuit.QuerySize+j] = v
		}
	}

	// Occupancy is public; member 0 holds the whole validity bit.
	for j, valid := range a.Valid {
		if valid {
			shares[0][circuit.QuerySize+circuit.RegistrySize+j] = 1
		}
	}

	return shares, nil
}

// sealOutputs seals each member's output shares to the requester and
// combines them into the output slots.
func (e *Executor) sealOutputs(a *matching.Arguments, parties []*circuit.Party) ([]envelope.Ciphertext, error) {
	outputs := make([][]uint64, len(parties))
	for p, party := range parties {
		outputs[p] = party.Outputs()
	}

	slots := make([]envelope.Ciphertext, len(e.circ.Outputs))
	parts := make([]envelope.Ciphertext, len(parties))

	for i := range slots {
		for p, s := range e.secrets {
			ct, err := envelope.SealShare(outputs[p][i], s.ShareKey, uint32(p), a.Requester, a.Nonce, uint32(i))
			if err != nil {
				return nil, fmt.Errorf("member %d output %d:\n%w", p, i, err)
			}

			parts[p] = ct
		}

		slots[i] = envelope.Combine(parts)
	}

	return slots, nil
}

// sign attests out with every member key and aggregates the signatures.
func (e *Executor) sign(out *matching.SignedOutput) error {
	digest := out.Statement().Digest()

	sigs := make([][]byte, len(e.secrets))
	indices := make([]int, len(e.secrets))

	for i, s := range e.secrets {
		sigs[i] = s.Signing.Sign(digest[:])
		indices[i] = i
	}

	agg, err := signing.Aggregate(sigs)
	if err != nil {
		return fmt.Errorf("aggregate signatures:\n%w", err)
	}

	out.Signature = agg
	out.Signers = signing.Bitmap(indices, len(e.secrets))

	return nil
}
