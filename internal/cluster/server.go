package cluster

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/network"
)

const (
	// submitTimeout bounds the hand-off of one request to the queue.
	submitTimeout = 5 * time.Second

	// maxOutbox is the number of undelivered results kept per peer.
	maxOutbox = 1024
)

// Server exposes a Local cluster over QUIC. Submissions arrive as
// requests and are answered with an ack; results are pushed back to the
// submitting peer once the computation finishes. Results for a peer that
// is gone wait in its outbox until the same key connects again.
type Server struct {
	node  *network.Node
	local *Local

	mu     sync.Mutex
	outbox map[string][][]byte // outbox holds undelivered results by peer key hex
}

// NewServer serves local on node. The node must not be started yet.
func NewServer(node *network.Node, local *Local) *Server {
	s := &Server{
		node:   node,
		local:  local,
		outbox: make(map[string][][]byte),
	}

	node.OnRequest(s.handleRequest)
	node.OnConnect(s.flush)

	return s
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if err := s.node.Start(); err != nil {
		return err
	}

	logger.Info("cluster listening",
		"addr", s.node.Addr(),
		"cluster", hex.EncodeToString(s.local.Executor().ClusterID()[:8]),
	)

	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.node.Addr()
}

// Close stops the transport and the local cluster.
func (s *Server) Close() error {
	err := s.node.Close()
	s.local.Close()

	return err
}

// handleRequest answers one submission.
func (s *Server) handleRequest(p *network.Peer, data []byte) ([]byte, error) {
	if messageType(data) != msgRequest {
		return nil, fmt.Errorf("unexpected message type %d", messageType(data))
	}

	id, circuitID, args, err := decodeRequest(data)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	if circuitID != s.local.Executor().CircuitID() {
		logger.Warn("request for another circuit", "computation", id, "peer", p.Address())
		return encodeAck(ack{id: id, reason: "unsupported circuit"}), nil
	}

	key := hex.EncodeToString(p.PublicKey())

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	err = s.local.SubmitComputation(ctx, id, args, func(id matching.ComputationID, out *matching.SignedOutput) {
		s.deliver(key, id, encodeResult(out))
	})
	if err != nil {
		logger.Info("request rejected", "computation", id, "error", err)
		return encodeAck(ack{id: id, reason: err.Error()}), nil
	}

	logger.Debug("request accepted", "computation", id, "peer", p.Address())

	return encodeAck(ack{id: id, accepted: true}), nil
}

// deliver pushes a result to the peer with key, or parks it.
func (s *Server) deliver(key string, id matching.ComputationID, msg []byte) {
	raw, _ := hex.DecodeString(key)

	if p := s.node.GetPeer(raw); p != nil {
		err := p.Send(msg)
		if err == nil {
			return
		}

		logger.Debug("result push failed", "computation", id, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	box := s.outbox[key]
	if len(box) >= maxOutbox {
		logger.Warn("outbox full, dropping result", "computation", id)
		return
	}

	s.outbox[key] = append(box, msg)
	logger.Info("result parked", "computation", id, "pending", len(s.outbox[key]))
}

// flush sends the parked results of a reconnected peer.
func (s *Server) flush(p *network.Peer) {
	key := hex.EncodeToString(p.PublicKey())

	s.mu.Lock()
	box := s.outbox[key]
	delete(s.outbox, key)
	s.mu.Unlock()

	for i, msg := range box {
		if err := p.Send(msg); err != nil {
			s.mu.Lock()
			s.outbox[key] = append(box[i:], s.outbox[key]...)
			s.mu.Unlock()

			return
		}
	}

	if len(box) > 0 {
		logger.Info("parked results delivered", "peer", p.Address(), "count", len(box))
	}
}

// Pending returns the number of parked results.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, box := range s.outbox {
		n += len(box)
	}

	return n
}
