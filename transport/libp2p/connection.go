package libp2p

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"syncmesh/core"
)

const protocolID = "/syncmesh/1.0.0"

const maxFrameBytes = 8 << 20

// PeerConnection adapts a libp2p peer relationship to core.Connection.
// Outbound writes open (or reuse) a stream via the host's streamPool;
// every inbound stream the host's stream handler accepts from the peer is
// read until it ends, so several may feed one PeerConnection over time.
type PeerConnection struct {
	host      *Host
	peerID    peer.ID
	numericID uint64

	mu       sync.Mutex
	closed   bool
	onConn   func()
	onFailed func(reason core.DisconnectReason)
	onClosed func(reason core.DisconnectReason)
	onData   func(data []byte)
}

func newPeerConnection(h *Host, id peer.ID) *PeerConnection {
	return &PeerConnection{host: h, peerID: id, numericID: peerNumericID(id)}
}

// peerNumericID derives the opaque uint64 core.Connection.PeerID() from a
// libp2p peer.ID. It is stable for the lifetime of the process but carries
// no meaning outside this transport (the join protocol's assigned user byte
// is the identifier that matters above core.Connection).
func peerNumericID(id peer.ID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

func (c *PeerConnection) Send(data []byte, reliable, background bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrNotRunning
	}
	c.mu.Unlock()

	if len(data) > maxFrameBytes {
		return fmt.Errorf("libp2p: frame of %d bytes exceeds %d byte limit", len(data), maxFrameBytes)
	}

	s, err := c.host.pool.Acquire(c.host.ctx, c.peerID)
	if err != nil {
		if background {
			logrus.Warnf("libp2p: dropping background send to %s: %v", c.peerID, err)
			return nil
		}
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := s.Write(frame); err != nil {
		c.host.pool.Drop(c.peerID)
		if background {
			logrus.Warnf("libp2p: background send to %s failed: %v", c.peerID, err)
			return nil
		}
		return fmt.Errorf("libp2p: send to %s: %w", c.peerID, err)
	}

	if reliable {
		c.host.pool.Release(c.peerID, s)
	} else {
		_ = s.Close()
	}
	return nil
}

func (c *PeerConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cb := c.onClosed
	c.mu.Unlock()

	c.host.pool.Drop(c.peerID)
	err := c.host.host.Network().ClosePeer(c.peerID)
	if cb != nil {
		cb(core.ReasonLocalClosed)
	}
	return err
}

func (c *PeerConnection) PeerID() uint64   { return c.numericID }
func (c *PeerConnection) Address() string  { return c.peerID.String() }
func (c *PeerConnection) RemoteIP() string { return remoteIPFor(c.host.host.Network(), c.peerID) }

func remoteIPFor(n network.Network, id peer.ID) string {
	conns := n.ConnsToPeer(id)
	if len(conns) == 0 {
		return ""
	}
	return conns[0].RemoteMultiaddr().String()
}

func (c *PeerConnection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

func (c *PeerConnection) OnConnectionFailed(fn func(reason core.DisconnectReason)) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *PeerConnection) OnClosed(fn func(reason core.DisconnectReason)) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *PeerConnection) OnDataReceived(fn func(data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *PeerConnection) notifyConnected() {
	c.mu.Lock()
	cb := c.onConn
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *PeerConnection) notifyData(data []byte) {
	c.mu.Lock()
	cb := c.onData
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *PeerConnection) notifyClosed(reason core.DisconnectReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClosed
	c.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

// readFrames runs for the lifetime of an inbound stream, decoding
// length-prefixed frames and handing each to conn's OnDataReceived callback.
func readFrames(s network.Stream, conn *PeerConnection) {
	defer s.Close()
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s, header); err != nil {
			if err == io.EOF {
				// The sender closed this stream at a frame boundary; the
				// peer itself is still connected (notifiee reports drops).
				return
			}
			conn.notifyClosed(core.ReasonTransportLost)
			return
		}
		n := binary.BigEndian.Uint32(header)
		if n > maxFrameBytes {
			logrus.Warnf("libp2p: peer %s sent oversized frame (%d bytes), closing stream", conn.peerID, n)
			conn.notifyClosed(core.ReasonTransportLost)
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(s, payload); err != nil {
			conn.notifyClosed(core.ReasonTransportLost)
			return
		}
		conn.notifyData(payload)
	}
}

var _ core.Connection = (*PeerConnection)(nil)
