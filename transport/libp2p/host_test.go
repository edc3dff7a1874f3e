package libp2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestParsePortExtractsTCPPortFromMultiaddr(t *testing.T) {
	port, err := parsePort("/ip4/0.0.0.0/tcp/4001")
	if err != nil {
		t.Fatalf("parsePort: %v", err)
	}
	if port != 4001 {
		t.Fatalf("port: got %d, want 4001", port)
	}
}

func TestParsePortRejectsAddrWithoutTCP(t *testing.T) {
	if _, err := parsePort("/ip4/0.0.0.0/udp/4001/quic"); err == nil {
		t.Fatal("expected an error for a multiaddr with no tcp segment")
	}
}

func TestPeerNumericIDIsDeterministic(t *testing.T) {
	id := peer.ID("12D3KooWExamplePeerID")
	a := peerNumericID(id)
	b := peerNumericID(id)
	if a != b {
		t.Fatalf("expected peerNumericID to be stable across calls, got %d and %d", a, b)
	}
}
