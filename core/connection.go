package core

// DisconnectReason explains why a Connection or Listener reports a close or
// failure event.
type DisconnectReason string

const (
	ReasonUnknown       DisconnectReason = "unknown"
	ReasonPeerClosed    DisconnectReason = "peer_closed"
	ReasonLocalClosed   DisconnectReason = "local_closed"
	ReasonTimeout       DisconnectReason = "timeout"
	ReasonTransportLost DisconnectReason = "transport_lost"
)

// Connection is the transport contract core depends on (spec.md §6). Any
// concrete transport (libp2p stream, in-process loopback, a future QUIC
// implementation) must satisfy it; core itself never imports a transport
// package.
type Connection interface {
	// Send writes bytes to the peer. reliable requests an ordered,
	// retransmitted delivery (deltas/full/control); background allows the
	// transport to coalesce/delay the send (streams).
	Send(data []byte, reliable, background bool) error
	Close() error

	PeerID() uint64
	Address() string
	RemoteIP() string

	OnConnected(fn func())
	OnConnectionFailed(fn func(reason DisconnectReason))
	OnClosed(fn func(reason DisconnectReason))
	OnDataReceived(fn func(data []byte))
}

// Listener accepts inbound connections and reports peer churn (spec.md §6).
type Listener interface {
	Listen() error
	Close() error

	OnPeerConnected(fn func(conn Connection))
	OnPeerDisconnected(fn func(conn Connection, reason DisconnectReason))
}
