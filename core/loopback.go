package core

import "sync"

// LoopbackConnection is an in-process Connection test double: two instances
// created by NewLoopbackPair feed each other's OnDataReceived callback
// directly, with no network involved. It exists for unit tests that need a
// Connection without standing up transport/libp2p.
type LoopbackConnection struct {
	mu       sync.Mutex
	peerID   uint64
	peer     *LoopbackConnection
	closed   bool
	onData   func([]byte)
	onClose  func(DisconnectReason)
	onFailed func(DisconnectReason)
	onConn   func()
}

// NewLoopbackPair returns two connected LoopbackConnections, each one's
// PeerID the other's identity.
func NewLoopbackPair(aID, bID uint64) (*LoopbackConnection, *LoopbackConnection) {
	a := &LoopbackConnection{peerID: bID}
	b := &LoopbackConnection{peerID: aID}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *LoopbackConnection) Send(data []byte, reliable, background bool) error {
	c.mu.Lock()
	closed := c.closed
	peer := c.peer
	c.mu.Unlock()
	if closed {
		return ErrNotRunning
	}
	cp := append([]byte(nil), data...)
	peer.mu.Lock()
	cb := peer.onData
	peer.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

func (c *LoopbackConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(ReasonLocalClosed)
	}
	return nil
}

func (c *LoopbackConnection) PeerID() uint64   { return c.peerID }
func (c *LoopbackConnection) Address() string  { return "loopback" }
func (c *LoopbackConnection) RemoteIP() string { return "127.0.0.1" }

func (c *LoopbackConnection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

func (c *LoopbackConnection) OnConnectionFailed(fn func(reason DisconnectReason)) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *LoopbackConnection) OnClosed(fn func(reason DisconnectReason)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *LoopbackConnection) OnDataReceived(fn func(data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

var _ Connection = (*LoopbackConnection)(nil)
