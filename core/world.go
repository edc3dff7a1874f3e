package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WorldState is the per-peer lifecycle state a World moves through (spec.md
// §6).
type WorldState int

const (
	StateNotStarted WorldState = iota
	StateInitializingNetwork
	StateWaitingForJoinGrant
	StateInitializingDataModel
	StateRunning
	StateFailed
)

func (s WorldState) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateInitializingNetwork:
		return "InitializingNetwork"
	case StateWaitingForJoinGrant:
		return "WaitingForJoinGrant"
	case StateInitializingDataModel:
		return "InitializingDataModel"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// UserInfo tracks a connected peer's allocation block and initialization
// status, kept by the authority for every joined user (spec.md §4.11).
type UserInfo struct {
	UserByte          byte
	UserID            uint64
	AllocationStart   uint64
	AllocationEnd     uint64
	Connection        Connection
	Initializing      bool
	ExpectedRecords   int
	InitializedRecord int
}

// pendingRecord is a DataRecord parked because its target RefID wasn't in
// the registry yet, retried each tick while within age/attempt limits
// (spec.md §4.10 "Pending records").
type pendingRecord struct {
	record     DataRecord
	isFull     bool
	parkedTick uint64
	attempts   int
}

// PendingLimits bounds the pending-record retry queues (spec.md §4.10).
type PendingLimits struct {
	MaxAgeTicks  uint64
	MaxAttempts  int
	MaxQueueSize int
}

// DefaultPendingLimits matches the values spec.md §4.10 cites as examples.
func DefaultPendingLimits() PendingLimits {
	return PendingLimits{MaxAgeTicks: 400, MaxAttempts: 20, MaxQueueSize: 4096}
}

// World is the bidirectional facade spec.md §6 describes: the registry,
// controller, user table and pending queues for one replicated graph and
// its pipeline state. World is the dirty-tracker every sync element reports
// to (spec.md §9 "small traits" note).
type World struct {
	mu sync.RWMutex

	isAuthority  bool
	state        WorldState
	stateVersion uint64
	syncTick     uint64
	startedAt    time.Time

	acceptDeltas bool
	localUser    byte
	hasLocalUser bool

	registry   *Registry
	controller *SyncController
	logger     *logrus.Logger

	users map[byte]*UserInfo

	limits       PendingLimits
	pendingFull  map[RefID]*pendingRecord
	pendingDelta map[RefID]*pendingRecord

	changesToConfirm map[uint64][]RefID // sync tick -> target ids sent, awaiting confirmation

	outgoingStreams []*StreamMessage

	metrics *Metrics
}

// NewWorld constructs a World. ownerUserByte is GlobalUserByte for the
// authority and the peer's assigned user byte for a guest (unknown until
// JoinGrant, so guests pass GlobalUserByte). The registry keeps this owner
// byte for the World's lifetime; nothing rebinds it after a JoinGrant.
func NewWorld(isAuthority bool, ownerUserByte byte, logger *logrus.Logger) *World {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &World{
		isAuthority:      isAuthority,
		state:            StateNotStarted,
		logger:           logger,
		users:            make(map[byte]*UserInfo),
		limits:           DefaultPendingLimits(),
		pendingFull:      make(map[RefID]*pendingRecord),
		pendingDelta:     make(map[RefID]*pendingRecord),
		changesToConfirm: make(map[uint64][]RefID),
	}
	w.registry = NewRegistry(ownerUserByte, logger)
	w.controller = NewSyncController(w.registry, logger)
	return w
}

// --- Reads (spec.md §6) ---------------------------------------------------

func (w *World) IsAuthority() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isAuthority
}

func (w *World) State() WorldState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *World) StateVersion() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stateVersion
}

func (w *World) SyncTick() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.syncTick
}

func (w *World) TotalTime() float64 {
	w.mu.RLock()
	started := w.startedAt
	w.mu.RUnlock()
	if started.IsZero() {
		return 0
	}
	return time.Since(started).Seconds()
}

func (w *World) AcceptDeltas() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.acceptDeltas
}

func (w *World) Registry() *Registry             { return w.registry }
func (w *World) SyncController() *SyncController { return w.controller }

// SetMetrics attaches m so subsequent state-version/sync-tick/user-count
// changes update its gauges. Passing nil disables metrics reporting.
func (w *World) SetMetrics(m *Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = m
}

// --- Writes (spec.md §6) --------------------------------------------------

func (w *World) IncrementStateVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stateVersion++
	if w.metrics != nil {
		w.metrics.StateVersion.Set(float64(w.stateVersion))
	}
	return w.stateVersion
}

func (w *World) SetStateVersion(v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stateVersion = v
}

func (w *World) IncrementSyncTick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncTick++
	if w.metrics != nil {
		w.metrics.SyncTick.Set(float64(w.syncTick))
	}
	return w.syncTick
}

// SetState transitions the world's lifecycle state. Starting the clock is
// the caller's responsibility via Start().
func (w *World) SetState(s WorldState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Start marks the world's wall-clock epoch, called once when the network
// layer comes up.
func (w *World) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	w.state = StateInitializingNetwork
}

// OnJoinGrantReceived applies a JoinGrant to a guest world: it records the
// granted user byte as the expected local user (LocalUser still reports it
// unassigned until SetLocalUser/GuestLinkLocalUser), adopts the authority's
// state version and moves to InitializingDataModel. The registry's
// allocation namespace is left unchanged.
func (w *World) OnJoinGrantReceived(grant *JoinGrant) {
	w.mu.Lock()
	w.localUser = RefID(grant.AssignedUserID).UserByte()
	w.stateVersion = grant.StateVersion
	w.state = StateInitializingDataModel
	w.mu.Unlock()
}

// RegisterUser records a newly joined user's allocation block. Called by the
// authority after granting a join, and by guests when a User element
// arrives that should become LocalUser.
func (w *World) RegisterUser(info *UserInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[info.UserByte] = info
	if w.metrics != nil {
		w.metrics.ConnectedUsers.Set(float64(len(w.users)))
	}
}

// UnregisterUser drops a user's bookkeeping, called once its UserReplicator
// removal has been processed by every peer (spec.md §8 scenario 5).
func (w *World) UnregisterUser(userByte byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.users, userByte)
	if w.metrics != nil {
		w.metrics.ConnectedUsers.Set(float64(len(w.users)))
	}
}

// User returns the bookkeeping for userByte, if known.
func (w *World) User(userByte byte) (*UserInfo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	u, ok := w.users[userByte]
	return u, ok
}

// Users returns a snapshot of every currently known user.
func (w *World) Users() []*UserInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*UserInfo, 0, len(w.users))
	for _, u := range w.users {
		out = append(out, u)
	}
	return out
}

// SetLocalUser marks userByte as this peer's own identity, e.g. once the
// guest's User element has arrived in the initial full batch.
func (w *World) SetLocalUser(userByte byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.localUser = userByte
	w.hasLocalUser = true
}

// LocalUser returns this peer's own user byte, if assigned.
func (w *World) LocalUser() (byte, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.localUser, w.hasLocalUser
}

// SetAcceptDeltas flips whether this (guest) peer applies inbound delta
// batches yet; flipped true by JoinStartDelta (spec.md §4.11).
func (w *World) SetAcceptDeltas(accept bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acceptDeltas = accept
}

// markDirty satisfies dirtyTracker: elements call this (indirectly, via
// BaseElement.markDirtyLocal) whenever a local mutation flips their dirty
// flag for the first time this tick.
func (w *World) markDirty(id RefID) {
	elem, ok := w.registry.Lookup(id)
	if !ok {
		return
	}
	codec, ok := elem.(SyncElementCodec)
	if !ok {
		return
	}
	if err := w.controller.AddDirtySyncElement(codec); err != nil {
		w.logger.WithError(err).WithField("ref_id", id.String()).Warn("dropped dirty element: controller is collecting")
	}
}

// AddDirtySyncElement is the public form of markDirty, used by code outside
// the element hierarchy (e.g. a hook manager forcing a re-sync).
func (w *World) AddDirtySyncElement(e SyncElementCodec) error {
	return w.controller.AddDirtySyncElement(e)
}

// QueueOutgoingStream enqueues a stream to be gathered and sent on the next
// sync tick (spec.md §4.10 step 9).
func (w *World) QueueOutgoingStream(s *StreamMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outgoingStreams = append(w.outgoingStreams, s)
}

// DrainOutgoingStreams returns and clears the queued outgoing streams.
func (w *World) DrainOutgoingStreams() []*StreamMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.outgoingStreams
	w.outgoingStreams = nil
	return out
}

var _ dirtyTracker = (*World)(nil)
