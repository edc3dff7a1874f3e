package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Element is the minimal contract every registry entry must satisfy: a
// stable identity plus the two lifecycle hooks the registry itself drives
// (disposal on removal, restoration on trash-retrieve).
type Element interface {
	RefID() RefID
	onRemovedFromWorld()
	onRestoredFromTrash()
}

// allocFrame is one entry of the allocation-block stack (spec.md §4.1).
// Pushing a frame overrides where Allocate() draws its next position from
// until the matching End() pops it back off.
type allocFrame struct {
	userByte byte
	cursor   uint64
}

// Registry is the global RefID -> Element map for one World, plus the
// allocation-block stack that lets callers temporarily force IDs into a
// specific namespace (spec.md §3, §4.1).
type Registry struct {
	mu       sync.Mutex
	elements map[RefID]Element

	ownerUserByte byte // this peer's default allocation namespace
	cursor        uint64
	localCursor   uint64
	stack         []allocFrame

	trash  *Trash
	logger *logrus.Logger
}

// NewRegistry builds an empty Registry for a peer that allocates new IDs
// under ownerUserByte by default (GlobalUserByte on the authority).
func NewRegistry(ownerUserByte byte, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		elements:      make(map[RefID]Element),
		ownerUserByte: ownerUserByte,
		cursor:        1, // position 0 under GlobalUserByte is NullRefID
		trash:         newTrash(),
		logger:        logger,
	}
}

// Allocate reserves and returns a fresh RefID. Inside an allocation block
// (AllocationBlockBegin/LocalAllocationBlockBegin) the ID is drawn from that
// block's namespace and cursor instead of the registry's defaults.
func (r *Registry) Allocate() (RefID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked()
}

func (r *Registry) allocateLocked() (RefID, error) {
	if n := len(r.stack); n > 0 {
		frame := &r.stack[n-1]
		if frame.cursor > positionMask {
			return NullRefID, fmt.Errorf("%w: user byte %#x", ErrNamespaceExhausted, frame.userByte)
		}
		id := NewRefID(frame.userByte, frame.cursor)
		frame.cursor++
		return id, nil
	}
	if r.cursor > positionMask {
		return NullRefID, fmt.Errorf("%w: user byte %#x", ErrNamespaceExhausted, r.ownerUserByte)
	}
	id := NewRefID(r.ownerUserByte, r.cursor)
	r.cursor++
	return id, nil
}

// AllocateLocal reserves a RefID in the never-synchronized local namespace,
// independent of any allocation block on the stack.
func (r *Registry) AllocateLocal() (RefID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localCursor > positionMask {
		return NullRefID, fmt.Errorf("%w: local namespace", ErrNamespaceExhausted)
	}
	id := NewRefID(LocalUserByte, r.localCursor)
	r.localCursor++
	return id, nil
}

// AllocationBlockBegin pushes a frame that forces subsequent Allocate()
// calls to draw IDs owned by userByte, starting at startPosition. It must be
// matched by exactly one AllocationBlockEnd.
func (r *Registry) AllocationBlockBegin(userByte byte, startPosition uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stack = append(r.stack, allocFrame{userByte: userByte, cursor: startPosition & positionMask})
}

// LocalAllocationBlockBegin pushes a frame that forces subsequent Allocate()
// calls into the local namespace, continuing from the registry's own local
// cursor so repeated blocks don't collide.
func (r *Registry) LocalAllocationBlockBegin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stack = append(r.stack, allocFrame{userByte: LocalUserByte, cursor: r.localCursor})
}

// AllocationBlockEnd pops the most recently pushed allocation frame. If the
// frame was a local-namespace frame, its cursor position is folded back into
// the registry's own local cursor so later local allocations continue past
// it rather than re-using positions.
func (r *Registry) AllocationBlockEnd() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.stack)
	if n == 0 {
		return ErrUnbalancedAlloc
	}
	frame := r.stack[n-1]
	r.stack = r.stack[:n-1]
	if frame.userByte == LocalUserByte && frame.cursor > r.localCursor {
		r.localCursor = frame.cursor
	}
	return nil
}

// Register inserts elem under its own RefID. Returns ErrDuplicateID if the
// slot is already occupied.
func (r *Registry) Register(elem Element) error {
	id := elem.RefID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.elements[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.elements[id] = elem
	return nil
}

// Lookup returns the element registered under id, if any.
func (r *Registry) Lookup(id RefID) (Element, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.elements[id]
	return e, ok
}

// Snapshot returns a copy of every currently live element, used by full
// batch production to enumerate non-local elements.
func (r *Registry) Snapshot() []Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Element, 0, len(r.elements))
	for _, e := range r.elements {
		out = append(out, e)
	}
	return out
}

// Unregister removes id from the live map without moving it to trash. Used
// for local-only elements and other cases that bypass the revocable-delete
// path entirely.
func (r *Registry) Unregister(id RefID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.elements, id)
}

// MoveToTrash removes elem from the live map and parks it in the trash under
// tick, so a later RestoreFromTrash within the retention window can bring it
// back without reallocating a RefID (spec.md §4.1).
func (r *Registry) MoveToTrash(id RefID, tick uint64) error {
	r.mu.Lock()
	elem, ok := r.elements[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInRegistry, id)
	}
	delete(r.elements, id)
	r.mu.Unlock()

	elem.onRemovedFromWorld()
	r.trash.put(id, elem, tick)
	return nil
}

// RestoreFromTrash reverses a prior MoveToTrash, re-inserting the element
// into the live map under the same RefID it had before deletion, provided
// its trash tick is at most currentTick (spec.md §4.1
// "try_retrieve_from_trash(tick, ref_id) ... iff its trash tick <= tick").
func (r *Registry) RestoreFromTrash(id RefID, currentTick uint64) (Element, bool) {
	elem, ok := r.trash.take(id, currentTick)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	r.elements[id] = elem
	r.mu.Unlock()
	elem.onRestoredFromTrash()
	return elem, true
}

// DeleteFromTrash permanently discards id from the trash without restoring
// it, e.g. once a confirmed delete's retention window is no longer needed.
func (r *Registry) DeleteFromTrash(id RefID) {
	r.trash.DeleteFromTrash(id)
}

// ExpireTrash permanently discards trash entries older than maxAgeTicks,
// relative to currentTick. Nothing in core calls it; the embedding
// application decides when to sweep.
func (r *Registry) ExpireTrash(currentTick, maxAgeTicks uint64) {
	r.trash.expire(currentTick, maxAgeTicks, r.logger)
}

// Trash holds elements removed from a Registry that are still eligible for
// restoration, indexed by the tick they were removed on so old entries can
// be swept.
type Trash struct {
	mu      sync.Mutex
	entries map[RefID]trashEntry
}

type trashEntry struct {
	elem        Element
	removedTick uint64
}

func newTrash() *Trash {
	return &Trash{entries: make(map[RefID]trashEntry)}
}

func (t *Trash) put(id RefID, elem Element, tick uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = trashEntry{elem: elem, removedTick: tick}
}

func (t *Trash) take(id RefID, currentTick uint64) (Element, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.removedTick > currentTick {
		return nil, false
	}
	delete(t.entries, id)
	return e.elem, true
}

// DeleteFromTrash permanently discards id without restoring it, e.g. when an
// authority confirms the delete is final before the retention window ends.
func (t *Trash) DeleteFromTrash(id RefID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *Trash) expire(currentTick, maxAgeTicks uint64, logger *logrus.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if currentTick-e.removedTick > maxAgeTicks {
			delete(t.entries, id)
			if logger != nil {
				logger.WithField("ref_id", id.String()).Debug("trash entry expired")
			}
		}
	}
}
