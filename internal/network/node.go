// Package network is the authenticated QUIC transport between ArcPSI
// nodes and cluster members.
//
// Every endpoint is identified by an ed25519 key carried in a self-signed
// certificate. Requests travel on bidirectional streams and get exactly
// one response; one-way messages travel on unidirectional streams.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"ArcPSI/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "arcpsi/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey           // PrivateKey is the node's ed25519 private key
	ListenAddr     string                       // ListenAddr is the address to listen on, empty for dial-only nodes
	ReconnectDelay time.Duration                // ReconnectDelay is the initial delay between reconnection attempts
	Authorize      func(ed25519.PublicKey) bool // Authorize filters inbound peers, nil accepts any key
}

// handlers are the event callbacks of a Node. Unset callbacks are nil.
type handlers struct {
	connect    func(*Peer)
	disconnect func(*Peer)
	message    func(*Peer, []byte)
	request    func(*Peer, []byte) ([]byte, error)
}

// Node accepts and initiates connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration
	authorize  func(ed25519.PublicKey) bool

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	dialed   map[string]string // dialed maps public key hex to the address we dialed
	dialedMu sync.RWMutex      // dialedMu protects dialed map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	hooks      atomic.Pointer[handlers] // hooks is replaced as a whole on every On* call
	handlersMu sync.Mutex               // handlersMu serializes handler updates

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	tlsConfig, err := newTLSConfig(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tls config:\n%w", err)
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		authorize:      cfg.Authorize,
		peers:          make(map[string]*Peer),
		dialed:         make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node at the given address. A peer reached
// through Connect is redialed with backoff when the connection drops.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// OnConnect sets the handler called when a peer connects, inbound or
// after a successful redial.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.setHandlers(func(h *handlers) { h.connect = fn })
}

// OnMessage sets the handler for one-way messages.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.setHandlers(func(h *handlers) { h.message = fn })
}

// OnDisconnect sets the handler called when a peer connection ends.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.setHandlers(func(h *handlers) { h.disconnect = fn })
}

// OnRequest sets the handler for requests. Its result is the response;
// an error resets the stream without a response.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.setHandlers(func(h *handlers) { h.request = fn })
}

func (n *Node) setHandlers(update func(*handlers)) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()

	var next handlers
	if cur := n.hooks.Load(); cur != nil {
		next = *cur
	}

	update(&next)
	n.hooks.Store(&next)
}

// events returns the current handlers, never nil.
func (n *Node) events() handlers {
	if h := n.hooks.Load(); h != nil {
		return *h
	}

	return handlers{}
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if err != nil {
		logger.Debug("inbound peer refused", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.notifyConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string, outbound bool) (*Peer, error) {
	pubKey, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if !outbound && n.authorize != nil && !n.authorize(pubKey) {
		return nil, fmt.Errorf("peer %x not authorized", pubKey[:8])
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	if old, ok := n.peers[keyHex]; ok {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if outbound {
		n.dialedMu.Lock()
		n.dialed[keyHex] = addr
		n.dialedMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect handles a peer disconnection.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.notifyDisconnect(p)

	n.dialedMu.RLock()
	_, redial := n.dialed[keyHex]
	n.dialedMu.RUnlock()

	if !redial || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer redials a dropped outbound peer, doubling the delay up to
// maxReconnectDelay. It gives up when the node closes, the peer is back,
// or the peer is no longer in the dialed set.
func (n *Node) reconnectPeer(keyHex string) {
	timer := time.NewTimer(n.reconnectDelay)
	defer timer.Stop()

	for delay := n.reconnectDelay; ; delay = min(2*delay, maxReconnectDelay) {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
		}

		addr, ok := n.redialTarget(keyHex)
		if !ok {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			logger.Info("peer reconnected", "addr", addr, "peer", keyHex[:16])
			n.notifyConnect(peer)
			return
		}

		next := min(2*delay, maxReconnectDelay)
		logger.Debug("reconnect failed", "addr", addr, "retry_in", next, "error", err)
		timer.Reset(next)
	}
}

// redialTarget returns the address to redial keyHex at, if it is still
// wanted and not connected.
func (n *Node) redialTarget(keyHex string) (string, bool) {
	n.dialedMu.RLock()
	addr, ok := n.dialed[keyHex]
	n.dialedMu.RUnlock()

	if !ok {
		return "", false
	}

	n.peersMu.RLock()
	_, connected := n.peers[keyHex]
	n.peersMu.RUnlock()

	return addr, !connected
}

func (n *Node) notifyConnect(p *Peer) {
	if fn := n.events().connect; fn != nil {
		fn(p)
	}
}

func (n *Node) notifyDisconnect(p *Peer) {
	if fn := n.events().disconnect; fn != nil {
		fn(p)
	}
}

func (n *Node) dispatchMessage(p *Peer, data []byte) {
	if fn := n.events().message; fn != nil {
		fn(p, data)
	}
}

func (n *Node) dispatchRequest(p *Peer, data []byte) ([]byte, error) {
	fn := n.events().request
	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
