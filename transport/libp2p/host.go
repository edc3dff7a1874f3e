package libp2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	golibp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"syncmesh/core"
)

// Config holds the dial/listen parameters for a Host. It mirrors the
// network section of pkg/config.Config but is kept independent so this
// package has no dependency on the application's config loader.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	EnableNAT      bool
}

// Host bootstraps a libp2p node and exposes it to core as a core.Listener,
// handing out a *PeerConnection per peer relationship it discovers or
// accepts a stream from.
type Host struct {
	cfg    Config
	logger *logrus.Logger

	host   host.Host
	pubsub *pubsub.PubSub
	nat    *natManager
	pool   *streamPool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[peer.ID]*PeerConnection

	onConnected    func(conn core.Connection)
	onDisconnected func(conn core.Connection, reason core.DisconnectReason)

	presenceTopic *pubsub.Topic
	presenceSub   *pubsub.Subscription
}

// NewHost creates the libp2p host, gossipsub router, and (best-effort) NAT
// mapping, but does not yet accept streams or run discovery; call Listen to
// start serving.
func NewHost(cfg Config, logger *logrus.Logger) (*Host, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := golibp2p.New(golibp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("libp2p: create pubsub: %w", err)
	}

	hs := &Host{
		cfg:    cfg,
		logger: logger,
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*PeerConnection),
	}
	hs.pool = newStreamPool(hs, 30*time.Second)

	if cfg.EnableNAT {
		if natMgr, err := newNATManager(); err == nil {
			if port, err := parsePort(cfg.ListenAddr); err == nil {
				if err := natMgr.Map(port); err != nil {
					logger.Warnf("libp2p: NAT map failed: %v", err)
				}
			}
			hs.nat = natMgr
		} else {
			logger.Warnf("libp2p: NAT discovery failed: %v", err)
		}
	}

	return hs, nil
}

// Listen registers the inbound stream handler, dials the configured
// bootstrap peers, and starts mDNS discovery. It satisfies core.Listener.
func (h *Host) Listen() error {
	h.host.SetStreamHandler(protocolID, h.handleStream)
	h.host.Network().Notify(&notifiee{host: h})

	if err := h.dialSeeds(h.cfg.BootstrapPeers); err != nil {
		h.logger.Warnf("libp2p: bootstrap dial warning: %v", err)
	}

	tag := h.cfg.DiscoveryTag
	if tag == "" {
		tag = "syncmesh-world"
	}
	mdns.NewMdnsService(h.host, tag, &mdnsNotifee{host: h})

	if err := h.joinPresenceTopic(tag); err != nil {
		h.logger.Warnf("libp2p: presence gossip disabled: %v", err)
	}
	return nil
}

// joinPresenceTopic subscribes to a gossipsub topic peers use to announce
// their own dialable address, a WAN-reachable complement to mDNS (which only
// finds peers on the local link). Mirrors the teacher's Broadcast/Subscribe
// pubsub shape (network.go), but scoped to one fixed topic rather than a
// general per-caller API, since presence announcement is the only thing
// this engine needs gossipsub for.
func (h *Host) joinPresenceTopic(tag string) error {
	topic, err := h.pubsub.Join("syncmesh-presence/" + tag)
	if err != nil {
		return fmt.Errorf("join presence topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe presence topic: %w", err)
	}
	h.presenceTopic = topic
	h.presenceSub = sub

	go h.announcePresence()
	go h.readPresence()
	return nil
}

func (h *Host) announcePresence() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		addrs := h.host.Addrs()
		if len(addrs) > 0 {
			self := fmt.Sprintf("%s/p2p/%s", addrs[0].String(), h.host.ID().String())
			if err := h.presenceTopic.Publish(h.ctx, []byte(self)); err != nil {
				h.logger.Debugf("libp2p: presence publish failed: %v", err)
			}
		}
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Host) readPresence() {
	for {
		msg, err := h.presenceSub.Next(h.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == h.host.ID() {
			continue
		}
		pi, err := peer.AddrInfoFromString(string(msg.Data))
		if err != nil {
			continue
		}
		h.mu.RLock()
		_, known := h.peers[pi.ID]
		h.mu.RUnlock()
		if known {
			continue
		}
		if err := h.host.Connect(h.ctx, *pi); err != nil {
			h.logger.Debugf("libp2p: presence connect to %s failed: %v", pi.ID, err)
			continue
		}
		h.registerPeer(pi.ID)
	}
}

func (h *Host) dialSeeds(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := h.host.Connect(h.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		h.registerPeer(pi.ID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// registerPeer returns the existing PeerConnection for id or creates and
// announces a new one. Safe to call from multiple discovery paths for the
// same peer.
func (h *Host) registerPeer(id peer.ID) *PeerConnection {
	h.mu.Lock()
	if c, ok := h.peers[id]; ok {
		h.mu.Unlock()
		return c
	}
	conn := newPeerConnection(h, id)
	h.peers[id] = conn
	h.mu.Unlock()

	conn.notifyConnected()
	h.mu.RLock()
	cb := h.onConnected
	h.mu.RUnlock()
	if cb != nil {
		cb(conn)
	}
	return conn
}

func (h *Host) unregisterPeer(id peer.ID, reason core.DisconnectReason) {
	h.mu.Lock()
	conn, ok := h.peers[id]
	if ok {
		delete(h.peers, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	conn.notifyClosed(reason)
	h.mu.RLock()
	cb := h.onDisconnected
	h.mu.RUnlock()
	if cb != nil {
		cb(conn, reason)
	}
}

func (h *Host) handleStream(s network.Stream) {
	id := s.Conn().RemotePeer()
	conn := h.registerPeer(id)
	readFrames(s, conn)
}

func (h *Host) OnPeerConnected(fn func(conn core.Connection)) {
	h.mu.Lock()
	h.onConnected = fn
	h.mu.Unlock()
}

func (h *Host) OnPeerDisconnected(fn func(conn core.Connection, reason core.DisconnectReason)) {
	h.mu.Lock()
	h.onDisconnected = fn
	h.mu.Unlock()
}

// Close tears down discovery, the NAT mapping, the stream pool, and the
// underlying libp2p host.
func (h *Host) Close() error {
	h.cancel()
	if h.presenceSub != nil {
		h.presenceSub.Cancel()
	}
	if h.presenceTopic != nil {
		_ = h.presenceTopic.Close()
	}
	h.pool.Close()
	if h.nat != nil {
		_ = h.nat.Unmap()
	}
	return h.host.Close()
}

var _ core.Listener = (*Host)(nil)

// mdnsNotifee bridges libp2p's mDNS discovery into Host.registerPeer.
type mdnsNotifee struct{ host *Host }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.host.ID() {
		return
	}
	n.host.mu.RLock()
	_, known := n.host.peers[info.ID]
	n.host.mu.RUnlock()
	if known {
		return
	}
	if err := n.host.host.Connect(n.host.ctx, info); err != nil {
		n.host.logger.Warnf("libp2p: mDNS connect to %s failed: %v", info.ID, err)
		return
	}
	n.host.registerPeer(info.ID)
}

var _ mdns.Notifee = (*mdnsNotifee)(nil)

// notifiee watches libp2p's own connection lifecycle so a transport-level
// drop (not just our own Close) still fires OnPeerDisconnected.
type notifiee struct{ host *Host }

func (n *notifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *notifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (n *notifiee) Connected(network.Network, network.Conn)          {}
func (n *notifiee) Disconnected(_ network.Network, c network.Conn) {
	n.host.unregisterPeer(c.RemotePeer(), core.ReasonTransportLost)
}
