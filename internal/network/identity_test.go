package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestTLSConfigIdentity(t *testing.T) {
	key := generateTestKey(t)

	cfg, err := newTLSConfig(key)
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}

	leaf := cfg.Certificates[0].Leaf

	got, err := peerKey(tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}})
	if err != nil {
		t.Fatalf("peer key: %v", err)
	}

	if !bytes.Equal(got, key.Public().(ed25519.PublicKey)) {
		t.Error("certificate does not carry the node key")
	}

	if cfg.NextProtos[0] != alpnProtocol {
		t.Errorf("ALPN = %q", cfg.NextProtos[0])
	}
}

func TestPeerKeyMissingCertificate(t *testing.T) {
	if _, err := peerKey(tls.ConnectionState{}); err == nil {
		t.Error("expected error without a peer certificate")
	}
}
