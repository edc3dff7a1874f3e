package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// InboundEnvelope pairs raw bytes with the connection they arrived on, the
// unit of work the decode thread consumes (spec.md §4.10).
type InboundEnvelope struct {
	Conn Connection
	Data []byte
}

// OutboundEnvelope pairs an encoded message with the connections it should
// be sent to, the unit of work the encode thread consumes.
type OutboundEnvelope struct {
	Targets    []Connection
	Msg        *Message
	Reliable   bool
	Background bool
}

type processedItem struct {
	msg  *Message
	conn Connection
}

// Pipeline is the three-worker engine spec.md §4.10 describes: a decode
// thread, an encode thread, and the sync thread that is the sole writer of
// sync-element state during batch processing. The caller's own
// world-update ("main") thread drives ticks by calling RefreshFinished once
// per frame/tick after it has applied any local mutations.
type Pipeline struct {
	world  *World
	logger *logrus.Logger

	rateLimiter *rate.Limiter
	syncRateHz  int

	rawInbound   chan InboundEnvelope
	processQueue chan processedItem
	outbound     chan OutboundEnvelope

	refreshFinished chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	// connToUser maps a live Connection's PeerID to the user byte it has
	// authenticated as, populated as JoinRequest/JoinGrant complete.
	connMu     sync.RWMutex
	connToUser map[uint64]byte
}

// NewPipeline builds a Pipeline for world, rate-limited to syncRateHz sync
// cycles per second (spec.md §4.10 default: 20).
func NewPipeline(world *World, syncRateHz int, logger *logrus.Logger) *Pipeline {
	if syncRateHz <= 0 {
		syncRateHz = 20
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		world:           world,
		logger:          logger,
		rateLimiter:     rate.NewLimiter(rate.Limit(syncRateHz), 1),
		syncRateHz:      syncRateHz,
		rawInbound:      make(chan InboundEnvelope, 256),
		processQueue:    make(chan processedItem, 256),
		outbound:        make(chan OutboundEnvelope, 256),
		refreshFinished: make(chan struct{}, 1),
		connToUser:      make(map[uint64]byte),
	}
}

// Start launches the decode, encode and sync goroutines.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(3)
	go p.runDecode()
	go p.runEncode()
	go p.runSync()
}

// Dispose cancels all worker threads and joins them with a bounded timeout,
// per spec.md §4.10 "Cancellation" / §5.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		p.logger.Warn("pipeline dispose: worker join timed out after 1s")
	}
}

// EnqueueInbound hands raw bytes from conn to the decode thread. Decode
// errors are logged and dropped rather than propagated (spec.md §4.10).
func (p *Pipeline) EnqueueInbound(conn Connection, data []byte) {
	select {
	case p.rawInbound <- InboundEnvelope{Conn: conn, Data: data}:
	case <-p.ctx.Done():
	}
}

// EnqueueOutbound hands an already-built Message to the encode thread.
func (p *Pipeline) EnqueueOutbound(env OutboundEnvelope) {
	select {
	case p.outbound <- env:
	case <-p.ctx.Done():
	}
}

// RefreshFinished signals the sync thread that the world-update ("main")
// thread has completed this tick's local mutations and released ownership
// of sync-element state back to the pipeline (spec.md §4.10 step 6).
func (p *Pipeline) RefreshFinished() {
	select {
	case p.refreshFinished <- struct{}{}:
	default:
	}
}

// LinkConnectionUser records which user byte a connection has authenticated
// as, consulted by the sync thread to route retransmits/forwards.
func (p *Pipeline) LinkConnectionUser(conn Connection, userByte byte) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.connToUser[conn.PeerID()] = userByte
}

func (p *Pipeline) userFor(conn Connection) (byte, bool) {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	b, ok := p.connToUser[conn.PeerID()]
	return b, ok
}

// --- Decode thread ---------------------------------------------------------

func (p *Pipeline) runDecode() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.rawInbound:
			msg, err := DecodeMessage(NewReader(env.Data))
			if err != nil {
				p.logger.WithError(err).Warn("decode thread: dropping malformed message")
				continue
			}
			select {
			case p.processQueue <- processedItem{msg: msg, conn: env.Conn}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// --- Encode thread -----------------------------------------------------

func (p *Pipeline) runEncode() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case env := <-p.outbound:
			w := NewWriter()
			if err := env.Msg.Encode(w); err != nil {
				p.logger.WithError(err).Warn("encode thread: failed to serialize outbound message")
				continue
			}
			payload := w.Bytes()
			for _, target := range env.Targets {
				if err := target.Send(payload, env.Reliable, env.Background); err != nil {
					p.logger.WithError(err).WithField("peer", target.PeerID()).Debug("encode thread: send failed")
				}
			}
		}
	}
}

// --- Sync thread -------------------------------------------------------

func (p *Pipeline) runSync() {
	defer p.wg.Done()
	waitDuration := time.Duration(1000/p.syncRateHz) * time.Millisecond

	for {
		if p.ctx.Err() != nil {
			return
		}

		// Step 1: wait on the process queue with timeout.
		var drained []processedItem
		timer := time.NewTimer(waitDuration)
		select {
		case item := <-p.processQueue:
			drained = append(drained, item)
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
		drained = append(drained, p.drainProcessQueue()...)

		if p.ctx.Err() != nil {
			return
		}

		// Steps 2-3: process incoming messages. No separate data-model lock
		// is taken; each World and element accessor locks for itself.
		for _, item := range drained {
			p.processOne(item)
		}

		// Step 4: retry previously pending records.
		p.retryPendingRecords()

		// Step 5: authority advances state_version once per tick.
		if p.world.IsAuthority() {
			p.world.IncrementStateVersion()
		}

		// Step 6: release ownership to the main thread and wait for it.
		select {
		case <-p.refreshFinished:
		case <-time.After(1 * time.Second):
		case <-p.ctx.Done():
			return
		}

		// Step 7: collect and broadcast this tick's delta batch.
		p.emitDeltaBatch()

		// Step 9: gather and send queued outgoing streams.
		p.emitStreams()

		// Step 10: advance the tick counter.
		p.world.IncrementSyncTick()

		if !p.rateLimiter.Allow() {
			_ = p.rateLimiter.Wait(p.ctx)
		}
	}
}

func (p *Pipeline) drainProcessQueue() []processedItem {
	var out []processedItem
	for {
		select {
		case item := <-p.processQueue:
			out = append(out, item)
		default:
			return out
		}
	}
}

func (p *Pipeline) processOne(item processedItem) {
	msg := item.msg
	tick := p.world.SyncTick()

	switch msg.Type {
	case MsgDelta:
		if p.world.State() != StateRunning || (!p.world.IsAuthority() && !p.world.AcceptDeltas()) {
			for _, rec := range msg.Batch.Records {
				p.world.ParkPending(rec, false, tick)
			}
			return
		}
		if p.world.metrics != nil {
			p.world.metrics.DeltaBatchesReceived.Inc()
		}
		fromUser, _ := p.userFor(item.conn)
		if p.world.IsAuthority() {
			result, pending := p.world.controller.ValidateDeltaBatch(msg.Batch, fromUser, p.world.StateVersion())
			for _, rec := range pending {
				p.world.ParkPending(rec, false, tick)
			}
			if p.world.metrics != nil && len(result.Rejected) > 0 {
				p.world.metrics.RecordsRejected.Add(float64(len(result.Rejected)))
			}
			// Retransmit accepted changes to every other peer (spec.md §4.10
			// step 3): the sender already has them, and peers still
			// initializing get the full picture via their JoinStartDelta
			// instead.
			if len(result.Accepted) > 0 {
				if targets := p.retransmitTargets(item.conn); len(targets) > 0 {
					header := BatchHeader{
						Type:               MsgDelta,
						SenderStateVersion: p.world.StateVersion(),
						SenderSyncTick:     tick,
						SenderWallTime:     p.world.TotalTime(),
					}
					p.EnqueueOutbound(OutboundEnvelope{
						Targets:  targets,
						Msg:      &Message{Type: MsgDelta, Batch: &Batch{Header: header, Records: result.Accepted}},
						Reliable: true,
					})
				}
			}
			// Correct the sender on whatever it got rejected, no later than
			// this tick (spec.md §4.7).
			if len(result.Rejected) > 0 {
				corrections, err := p.world.controller.BuildCorrections(result.Rejected, msg.Batch.Header.SenderSyncTick)
				if err != nil {
					p.logger.WithError(err).Warn("sync thread: failed to build correction batch")
				} else {
					p.EnqueueOutbound(OutboundEnvelope{
						Targets:  []Connection{item.conn},
						Msg:      &Message{Type: MsgConfirmation, Batch: corrections},
						Reliable: true,
					})
				}
			}
		} else {
			for _, rec := range msg.Batch.Records {
				if err := p.world.controller.DecodeRecord(rec, false); err != nil {
					p.world.ParkPending(rec, false, tick)
				} else {
					p.world.EvictPending(rec.TargetID)
				}
			}
		}
	case MsgFull:
		for _, rec := range msg.Batch.Records {
			if err := p.world.controller.DecodeRecord(rec, true); err != nil {
				p.world.ParkPending(rec, true, tick)
			} else {
				p.world.EvictPending(rec.TargetID)
			}
		}
	case MsgConfirmation:
		// Records present here are corrections: the authority rejected the
		// sender's own prior change to these targets, so invalidate first
		// (firing ConflictingSyncElement.Reject's rollback/Invalidated
		// hooks), then adopt the authoritative full state (spec.md §4.7).
		for _, rec := range msg.Batch.Records {
			if elem, ok := p.world.Registry().Lookup(rec.TargetID); ok {
				if cs, ok := elem.(ConflictingSyncElement); ok {
					cs.Reject()
				}
			}
			_ = p.world.controller.DecodeRecord(rec, true)
		}
		confirmTick := msg.Batch.Header.ConfirmTick
		for _, id := range p.world.ChangesToConfirm(confirmTick) {
			if elem, ok := p.world.Registry().Lookup(id); ok {
				if cs, ok := elem.(ConflictingSyncElement); ok {
					cs.Confirm(confirmTick)
				}
			}
			p.world.Registry().DeleteFromTrash(id)
		}
		p.world.ClearChangesToConfirm(confirmTick)
	case MsgStream:
		if p.world.State() == StateRunning {
			// Stream messages are dropped here: the pipeline does not apply
			// them, forward them to other peers, or check their age
			// (StreamMessage.IsExpired), and there is no hook to hand them to.
		}
	case MsgControl:
		// Control messages that reach the pipeline are dropped; nothing
		// queues them. Join handshake messages are handled by the
		// connection callbacks in cmd/syncmeshd before they get here.
	}
}

func (p *Pipeline) retryPendingRecords() {
	tick := p.world.SyncTick()
	for _, retry := range p.world.RetryPending(tick) {
		if err := p.world.controller.DecodeRecord(retry.Record, retry.IsFull); err == nil {
			p.world.EvictPending(retry.Record.TargetID)
		}
	}
}

func (p *Pipeline) emitDeltaBatch() {
	header := BatchHeader{
		Type:               MsgDelta,
		SenderStateVersion: p.world.StateVersion(),
		SenderSyncTick:     p.world.SyncTick(),
		SenderWallTime:     p.world.TotalTime(),
	}
	batch, err := p.world.controller.CollectDeltaBatch(header)
	if err != nil {
		p.logger.WithError(err).Warn("sync thread: failed to collect delta batch")
		return
	}
	if len(batch.Records) == 0 {
		return
	}
	targets := p.broadcastTargets()
	if len(targets) == 0 {
		return
	}
	if !p.world.IsAuthority() {
		// Track which targets this batch touched so the matching
		// Confirmation can later mark each one confirmed and evict its
		// trash entry (spec.md §4.10 step 7).
		ids := make([]RefID, len(batch.Records))
		for i, rec := range batch.Records {
			ids[i] = rec.TargetID
		}
		p.world.RecordChangesToConfirm(header.SenderSyncTick, ids)
	}
	if p.world.metrics != nil {
		p.world.metrics.DeltaBatchesSent.Inc()
	}
	p.EnqueueOutbound(OutboundEnvelope{Targets: targets, Msg: &Message{Type: MsgDelta, Batch: batch}, Reliable: true})
}

// retransmitTargets returns every connection the authority should forward an
// accepted delta batch to: every non-initializing user's connection except
// the one the batch arrived on (spec.md §4.10 step 3 "excluding the sender
// and peers still being initialized").
func (p *Pipeline) retransmitTargets(exclude Connection) []Connection {
	var targets []Connection
	for _, u := range p.world.Users() {
		if u.Initializing || u.Connection == nil {
			continue
		}
		if exclude != nil && u.Connection.PeerID() == exclude.PeerID() {
			continue
		}
		targets = append(targets, u.Connection)
	}
	return targets
}

func (p *Pipeline) emitStreams() {
	streams := p.world.DrainOutgoingStreams()
	if len(streams) == 0 {
		return
	}
	targets := p.broadcastTargets()
	if len(targets) == 0 {
		return
	}
	for _, s := range streams {
		msgType := MsgStream
		if s.IsAsync {
			msgType = MsgAsyncStream
		}
		p.EnqueueOutbound(OutboundEnvelope{Targets: targets, Msg: &Message{Type: msgType, Stream: s}, Reliable: false, Background: true})
	}
}

// broadcastTargets returns every connection that should receive this tick's
// delta/stream traffic: every user but those still initializing, for the
// authority; just the host connection, for a guest.
func (p *Pipeline) broadcastTargets() []Connection {
	var targets []Connection
	for _, u := range p.world.Users() {
		if u.Initializing {
			continue
		}
		if u.Connection != nil {
			targets = append(targets, u.Connection)
		}
	}
	return targets
}
