package cluster

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/network"
)

// ErrRejected is returned when the cluster refuses a submission.
var ErrRejected = errors.New("computation rejected by cluster")

// Remote is a matching.Provider that submits to a cluster Server.
type Remote struct {
	node      *network.Node
	addr      string
	circuitID [32]byte

	mu        sync.Mutex
	serverKey ed25519.PublicKey
	callbacks map[matching.ComputationID]matching.Callback
	fallback  matching.Callback
}

// NewRemote creates a provider reaching the cluster at addr through node.
func NewRemote(node *network.Node, addr string, circuitID [32]byte) *Remote {
	r := &Remote{
		node:      node,
		addr:      addr,
		circuitID: circuitID,
		callbacks: make(map[matching.ComputationID]matching.Callback),
	}

	node.OnMessage(r.handleMessage)

	return r
}

// SetFallback sets the callback for results with no registered
// submission, such as computations submitted before a restart.
func (r *Remote) SetFallback(cb matching.Callback) {
	r.mu.Lock()
	r.fallback = cb
	r.mu.Unlock()
}

// SubmitComputation sends the request and waits for the cluster's ack.
func (r *Remote) SubmitComputation(ctx context.Context, id matching.ComputationID, args []matching.Argument, cb matching.Callback) error {
	peer, err := r.peer()
	if err != nil {
		return err
	}

	// The result may arrive before the ack.
	r.mu.Lock()
	r.callbacks[id] = cb
	r.mu.Unlock()

	resp, err := peer.Request(ctx, encodeRequest(id, r.circuitID, args))
	if err != nil {
		r.forget(id)
		return fmt.Errorf("submit %s:\n%w", id, err)
	}

	a, err := decodeAck(resp)
	if err != nil {
		r.forget(id)
		return fmt.Errorf("decode ack:\n%w", err)
	}

	if a.id != id {
		r.forget(id)
		return fmt.Errorf("ack for %s, submitted %s", a.id, id)
	}

	if !a.accepted {
		r.forget(id)
		return fmt.Errorf("%w: %s", ErrRejected, a.reason)
	}

	return nil
}

// Connect dials the cluster ahead of the first submission, so results
// parked for this node while it was away are delivered.
func (r *Remote) Connect() error {
	_, err := r.peer()
	return err
}

// Pending returns the number of submissions waiting for a result.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.callbacks)
}

// peer returns the live connection to the cluster, dialing if needed.
func (r *Remote) peer() (*network.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.serverKey != nil {
		if p := r.node.GetPeer(r.serverKey); p != nil && !p.Closed() {
			return p, nil
		}
	}

	p, err := r.node.Connect(r.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to cluster:\n%w", err)
	}

	if r.serverKey != nil && !r.serverKey.Equal(p.PublicKey()) {
		logger.Warn("cluster transport key changed", "addr", r.addr)
	}

	r.serverKey = p.PublicKey()

	return p, nil
}

func (r *Remote) forget(id matching.ComputationID) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

// handleMessage routes a pushed result to its callback.
func (r *Remote) handleMessage(p *network.Peer, data []byte) {
	if messageType(data) != msgResult {
		logger.Debug("unexpected message from cluster", "type", messageType(data))
		return
	}

	out, err := decodeResult(data)
	if err != nil {
		logger.Warn("malformed result from cluster", "peer", p.Address(), "error", err)
		return
	}

	r.mu.Lock()
	cb, ok := r.callbacks[out.ComputationID]
	delete(r.callbacks, out.ComputationID)
	if !ok {
		cb = r.fallback
	}
	r.mu.Unlock()

	if cb == nil {
		logger.Warn("result for unknown computation", "computation", out.ComputationID)
		return
	}

	cb(out.ComputationID, out)
}
