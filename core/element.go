package core

import "sync"

// dirtyTracker is the narrow slice of World that elements need in order to
// report themselves dirty; kept separate from the full World interface so
// element.go has no dependency on join/world plumbing (spec.md §9 Design
// Notes, redesign note (a): prefer small interfaces over one god-object).
type dirtyTracker interface {
	markDirty(id RefID)
	IsAuthority() bool
	SyncTick() uint64
}

// SyncElement is the behavior shared by every element variant: identity,
// placement in the parent/child tree, and the dirty/disposed/loading flags
// the controller and pipeline inspect every tick (spec.md §4.3).
type SyncElement interface {
	Element

	World() dirtyTracker
	Parent() SyncElement
	IsLocal() bool
	IsDisposed() bool
	IsDirty() bool
	IsLoading() bool
	InInitPhase() bool
	Version() uint64

	markDirtyLocal()
	clearDirty()
	bumpVersion()
}

// BaseElement implements SyncElement and is embedded by every concrete
// variant (ValueField, ElementList, Dictionary, ReplicatedDictionary,
// StreamMessage). Mutations on a concrete type call markDirtyLocal() to
// both flip the local flag and notify the owning world.
type BaseElement struct {
	mu sync.RWMutex

	id     RefID
	world  dirtyTracker
	parent SyncElement

	isLocal     bool
	isDisposed  bool
	isDirty     bool
	isLoading   bool
	inInitPhase bool
	version     uint64
}

// NewBaseElement constructs a BaseElement already bound to its RefID, owning
// world and parent. Callers finish setup before clearing InInitPhase.
func NewBaseElement(id RefID, world dirtyTracker, parent SyncElement) BaseElement {
	return BaseElement{
		id:          id,
		world:       world,
		parent:      parent,
		isLocal:     id.IsLocal(),
		inInitPhase: true,
	}
}

func (b *BaseElement) RefID() RefID { return b.id }

func (b *BaseElement) World() dirtyTracker { return b.world }

func (b *BaseElement) Parent() SyncElement {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

// SetParent reparents the element, used when a list/dictionary adopts a
// freshly decoded child.
func (b *BaseElement) SetParent(p SyncElement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = p
}

func (b *BaseElement) IsLocal() bool { return b.isLocal }

func (b *BaseElement) IsDisposed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isDisposed
}

func (b *BaseElement) IsDirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isDirty
}

func (b *BaseElement) IsLoading() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isLoading
}

func (b *BaseElement) InInitPhase() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inInitPhase
}

func (b *BaseElement) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// EndInitPhase marks construction/decode as finished; called once by the
// owning container after a freshly created element is fully populated.
func (b *BaseElement) EndInitPhase() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inInitPhase = false
}

// SetLoading toggles the loading flag, used while an async stream payload or
// a deferred-create element is still materializing.
func (b *BaseElement) SetLoading(loading bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isLoading = loading
}

func (b *BaseElement) markDirtyLocal() {
	b.mu.Lock()
	if b.isDisposed || b.inInitPhase {
		b.mu.Unlock()
		return
	}
	alreadyDirty := b.isDirty
	b.isDirty = true
	id := b.id
	w := b.world
	b.mu.Unlock()
	if !alreadyDirty && w != nil {
		w.markDirty(id)
	}
}

func (b *BaseElement) clearDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isDirty = false
}

func (b *BaseElement) bumpVersion() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
}

// onRemovedFromWorld satisfies Element; concrete types with nested children
// (lists, dictionaries) override via composition by calling this then
// cascading to children themselves.
func (b *BaseElement) onRemovedFromWorld() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isDisposed = true
}

func (b *BaseElement) onRestoredFromTrash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isDisposed = false
}

// ConflictingSyncElement is the behavior added by variants the authority can
// reject or roll back (spec.md §4.7): it tracks the last version the host
// and the originating peer each saw, who last modified it, and whether the
// authority currently considers it valid.
type ConflictingSyncElement interface {
	SyncElement

	LastHostVersion() uint64
	LastVersion() uint64
	LastModifyingUser() byte
	LastConfirmedTick() uint64
	IsValid() bool
	IsHostOnly() bool
	IsConfirmed() bool

	// Validate is called authority-side when a delta record targeting this
	// element arrives, before the payload is decoded. It returns nil to
	// accept, ErrConflict to reject, per spec.md §4.7's staleness rules,
	// inspecting but not mutating the element's conflict bookkeeping.
	Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error

	// Accept records that a change from fromUser, sent at senderSyncTick,
	// passed Validate against the authority's current hostStateVersion.
	Accept(fromUser byte, senderSyncTick, hostStateVersion uint64)

	// Reject flips the element invalid and fires the Invalidated callback,
	// called when the authority's Confirmation reports this element's last
	// outbound change as a conflict.
	Reject()

	// Confirm advances the element's confirmed-tick watermark once the
	// authority's decision for tick has been broadcast back to all peers.
	Confirm(tick uint64)
}

// Invalidated is the notification callback a ConflictingElement's owner may
// register to learn when the authority rejected a locally-applied change.
type Invalidated func(elem ConflictingSyncElement)

// ConflictingElement embeds BaseElement and adds the conflict-tracking
// fields shared by every variant that supports authority rejection.
type ConflictingElement struct {
	BaseElement

	cmu sync.RWMutex

	lastHostVersion   uint64
	lastVersion       uint64
	lastModifyingUser byte
	lastConfirmedTick uint64
	isValid           bool
	isHostOnly        bool
	isConfirmed       bool

	onInvalidated Invalidated
}

// NewConflictingElement constructs a ConflictingElement; isHostOnly fixes
// whether non-authority peers may ever originate changes to it.
func NewConflictingElement(id RefID, world dirtyTracker, parent SyncElement, isHostOnly bool) ConflictingElement {
	return ConflictingElement{
		BaseElement: NewBaseElement(id, world, parent),
		isValid:     true,
		isHostOnly:  isHostOnly,
		isConfirmed: true,
	}
}

func (c *ConflictingElement) LastHostVersion() uint64 {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.lastHostVersion
}

func (c *ConflictingElement) LastVersion() uint64 {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.lastVersion
}

func (c *ConflictingElement) LastModifyingUser() byte {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.lastModifyingUser
}

func (c *ConflictingElement) LastConfirmedTick() uint64 {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.lastConfirmedTick
}

func (c *ConflictingElement) IsValid() bool {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.isValid
}

func (c *ConflictingElement) IsHostOnly() bool {
	return c.isHostOnly
}

func (c *ConflictingElement) IsConfirmed() bool {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.isConfirmed
}

// OnInvalidated registers the callback fired when Reject rolls this element
// back. Only one callback is supported, matching the single-owner model of
// every concrete variant.
func (c *ConflictingElement) OnInvalidated(fn Invalidated) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.onInvalidated = fn
}

// ValidateAuthority implements the authority-side staleness checks of
// spec.md §4.7 by inspecting (never mutating) this element's conflict
// bookkeeping: not is_valid, is_host_only, a writer racing the element's
// last-known host version, and the same writer replaying a stale sync tick
// are all rejected as conflicts. Callers decode and Accept the payload only
// when this returns nil.
func (c *ConflictingElement) ValidateAuthority(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	if !c.isValid {
		return ErrConflict
	}
	if c.isHostOnly && fromUser != GlobalUserByte {
		return ErrConflict
	}
	if fromUser != c.lastModifyingUser {
		if senderStateVersion < c.lastHostVersion {
			return ErrConflict
		}
		return nil
	}
	if senderSyncTick <= c.lastVersion {
		return ErrConflict
	}
	return nil
}

// Accept records that a change from fromUser, sent at the sender's
// senderSyncTick, passed validation against the authority's current
// hostStateVersion.
func (c *ConflictingElement) Accept(fromUser byte, senderSyncTick, hostStateVersion uint64) {
	c.cmu.Lock()
	c.lastModifyingUser = fromUser
	c.lastVersion = senderSyncTick
	c.lastHostVersion = hostStateVersion
	c.isConfirmed = false
	c.cmu.Unlock()
	c.bumpVersion()
}

// rejectInternal marks the element invalid and fires the Invalidated
// callback, if one is registered, so the owning container can roll the
// value back. Concrete variants expose it to callers as the no-argument
// Reject() their ConflictingSyncElement implementation requires.
func (c *ConflictingElement) rejectInternal(self ConflictingSyncElement) {
	c.cmu.Lock()
	c.isValid = false
	cb := c.onInvalidated
	c.cmu.Unlock()
	if cb != nil {
		cb(self)
	}
}

// Confirm advances the confirmed-tick watermark and marks the element valid
// and confirmed again, once the authority's verdict for tick has gone out.
func (c *ConflictingElement) Confirm(tick uint64) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if tick <= c.lastConfirmedTick && c.isConfirmed {
		return
	}
	if tick > c.lastConfirmedTick {
		c.lastConfirmedTick = tick
	}
	c.lastHostVersion = c.lastVersion
	c.isValid = true
	c.isConfirmed = true
}
