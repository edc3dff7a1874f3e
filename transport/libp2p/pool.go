package libp2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// streamPool keeps one idle outbound stream per peer around so a burst of
// reliable sends does not pay a new-stream handshake each time. Streams that
// fail a write are dropped rather than returned to the pool.
type streamPool struct {
	host *Host

	mu      sync.Mutex
	idle    map[peer.ID]network.Stream
	idleTTL time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

func newStreamPool(h *Host, idleTTL time.Duration) *streamPool {
	p := &streamPool{
		host:    h,
		idle:    make(map[peer.ID]network.Stream),
		idleTTL: idleTTL,
		closing: make(chan struct{}),
	}
	return p
}

// Acquire returns an idle outbound stream to id, or opens a fresh one.
func (p *streamPool) Acquire(ctx context.Context, id peer.ID) (network.Stream, error) {
	p.mu.Lock()
	s, ok := p.idle[id]
	if ok {
		delete(p.idle, id)
	}
	p.mu.Unlock()
	if ok {
		return s, nil
	}

	if p.host == nil || p.host.host == nil {
		return nil, errors.New("streampool: host not started")
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.host.host.NewStream(dialCtx, id, protocolID)
}

// Release returns s to the idle pool, replacing whatever was already parked
// there (outbound streams are single-use from the sender's perspective; at
// most one is kept warm per peer).
func (p *streamPool) Release(id peer.ID, s network.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.idle[id]; ok {
		_ = old.Close()
	}
	p.idle[id] = s
}

// Drop discards any idle stream held for id without returning it.
func (p *streamPool) Drop(id peer.ID) {
	p.mu.Lock()
	s, ok := p.idle[id]
	if ok {
		delete(p.idle, id)
	}
	p.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (p *streamPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		defer p.mu.Unlock()
		for id, s := range p.idle {
			_ = s.Close()
			delete(p.idle, id)
		}
	})
}
