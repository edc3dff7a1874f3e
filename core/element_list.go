package core

import "fmt"

// listOp discriminates the kinds of change an ElementList delta record can
// carry (spec.md §4.4).
type listOp byte

const (
	listOpAdd listOp = iota + 1
	listOpInsert
	listOpRemove
	listOpClear
)

// ListElement is the contract an ElementList's payload type must satisfy:
// every entry is itself a SyncElement with its own RefID, so list mutations
// can be expressed as RefID references rather than copying full payloads
// over the wire.
type ListElement interface {
	SyncElement
}

// listDelta is one pending change queued for the next delta batch. Multiple
// deltas against the same list coalesce at encode time: a Clear drops all
// deltas queued before it, and a Remove of an entry added earlier in the
// same tick cancels both out (spec.md §4.4 edge cases).
type listDelta struct {
	op       listOp
	id       RefID
	index    int
	entryEnc Encode[RefID]
}

// ElementList is an ordered, append/insert/remove collection of child
// elements (spec.md §4.4). T is the concrete element type stored by value in
// the list's authoritative order; entries are referenced on the wire by
// RefID, reused from the registry when already live and constructed fresh
// at that exact RefID otherwise (spec.md §4.4 "allocate & create a new
// child at that RefID").
type ElementList[T ListElement] struct {
	ConflictingElement

	items      []T
	pending    []listDelta
	wasCleared bool

	registry *Registry
	create   func() (T, error)
}

// NewElementList constructs an empty ElementList. registry/create let decode
// materialize a child it has never seen before: if the target RefID is
// already live in registry it is reused, otherwise create is called inside
// an allocation block pinned to that exact RefID, mirroring
// ReplicatedDictionary's construct-on-decode behavior (spec.md §4.4).
func NewElementList[T ListElement](id RefID, world dirtyTracker, parent SyncElement, isHostOnly bool, registry *Registry, create func() (T, error)) *ElementList[T] {
	return &ElementList[T]{
		ConflictingElement: NewConflictingElement(id, world, parent, isHostOnly),
		registry:           registry,
		create:             create,
	}
}

// resolveOrCreate returns the element already registered under id, restores
// it from the registry's trash if it was recently cleared, or constructs a
// fresh one at that exact RefID via an allocation block (spec.md §4.4
// "either retrieve from trash or allocate & create a new child at that
// RefID").
func (l *ElementList[T]) resolveOrCreate(id RefID) (T, error) {
	var zero T
	if l.registry != nil {
		if existing, ok := l.registry.Lookup(id); ok {
			if t, ok := existing.(T); ok {
				return t, nil
			}
		}
		if restored, ok := l.registry.RestoreFromTrash(id, l.currentTick()); ok {
			if t, ok := restored.(T); ok {
				return t, nil
			}
		}
	}
	if l.create == nil || l.registry == nil {
		return zero, fmt.Errorf("%w: %s", ErrNotInRegistry, id)
	}
	l.registry.AllocationBlockBegin(id.UserByte(), id.Position())
	item, err := l.create()
	if endErr := l.registry.AllocationBlockEnd(); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		return zero, err
	}
	if item.RefID() != id {
		return zero, fmt.Errorf("core: constructed list element RefID %s does not match target %s", item.RefID(), id)
	}
	return item, nil
}

func (l *ElementList[T]) currentTick() uint64 {
	if w := l.World(); w != nil {
		return w.SyncTick()
	}
	return 0
}

// Len returns the number of items currently in the list.
func (l *ElementList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// At returns the item at index i.
func (l *ElementList[T]) At(i int) T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items[i]
}

// Items returns a snapshot copy of the list's current contents.
func (l *ElementList[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Add appends item to the end of the list and queues an Add delta.
func (l *ElementList[T]) Add(item T) error {
	if l.IsDisposed() {
		return ErrDisposed
	}
	l.mu.Lock()
	l.items = append(l.items, item)
	l.pending = append(l.pending, listDelta{op: listOpAdd, id: item.RefID()})
	l.mu.Unlock()
	l.markDirtyLocal()
	return nil
}

// Insert places item at index, shifting later entries back, and queues an
// Insert delta.
func (l *ElementList[T]) Insert(index int, item T) error {
	if l.IsDisposed() {
		return ErrDisposed
	}
	l.mu.Lock()
	if index < 0 || index > len(l.items) {
		l.mu.Unlock()
		return fmt.Errorf("core: list insert index %d out of range [0,%d]", index, len(l.items))
	}
	l.items = append(l.items, item)
	copy(l.items[index+1:], l.items[index:])
	l.items[index] = item
	l.pending = append(l.pending, listDelta{op: listOpInsert, id: item.RefID(), index: index})
	l.mu.Unlock()
	l.markDirtyLocal()
	return nil
}

// Remove deletes the first occurrence of the item with the given RefID,
// queuing a Remove delta. If an Add for the same RefID is still pending in
// this tick's delta queue, the two cancel and neither is ever sent (spec.md
// §4.4 "added-then-removed-same-tick produces no record").
func (l *ElementList[T]) Remove(id RefID) error {
	if l.IsDisposed() {
		return ErrDisposed
	}
	l.mu.Lock()
	idx := -1
	for i, item := range l.items {
		if item.RefID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInRegistry, id)
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)

	cancelled := false
	for i := len(l.pending) - 1; i >= 0; i-- {
		if l.pending[i].op == listOpAdd && l.pending[i].id == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			cancelled = true
			break
		}
	}
	if !cancelled {
		l.pending = append(l.pending, listDelta{op: listOpRemove, id: id})
	}
	l.mu.Unlock()
	l.markDirtyLocal()
	return nil
}

// Clear empties the list and queues a Clear delta, discarding every delta
// queued earlier in the same tick (spec.md §4.4).
func (l *ElementList[T]) Clear() {
	l.mu.Lock()
	l.items = l.items[:0]
	l.pending = []listDelta{{op: listOpClear}}
	l.wasCleared = true
	l.mu.Unlock()
	l.markDirtyLocal()
}

// EncodeFull writes every current item as a sequence of RefIDs, using
// RefID-offset compression against the smallest id present (spec.md §4.2).
func (l *ElementList[T]) EncodeFull(w *Writer) {
	l.mu.RLock()
	ids := make([]RefID, len(l.items))
	for i, item := range l.items {
		ids[i] = item.RefID()
	}
	l.mu.RUnlock()

	min := MinRefID(ids)
	w.WriteRefID(min)
	w.WriteVarUint(uint64(len(ids)))
	for _, id := range ids {
		w.WriteRefIDOffset(id, min)
	}
}

// DecodedListOp is one entry of a decoded delta or full record, resolved
// back to RefIDs only: the caller (the world's decode stage) is responsible
// for looking the RefID up in the registry and rebuilding the typed list.
type DecodedListOp struct {
	Op    listOp
	ID    RefID
	Index int
}

// DecodeListFull reads a full record written by EncodeFull and returns the
// resulting list of item RefIDs in order.
func DecodeListFull(r *Reader) ([]RefID, error) {
	min, err := r.ReadRefID()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	ids := make([]RefID, n)
	for i := range ids {
		id, err := r.ReadRefIDOffset(min)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// EncodeDelta writes the pending op queue accumulated since the last encode
// and clears it. Each op is tagged with a 1-byte listOp discriminator.
func (l *ElementList[T]) EncodeDelta(w *Writer) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	w.WriteVarUint(uint64(len(pending)))
	for _, d := range pending {
		w.WriteByte(byte(d.op))
		switch d.op {
		case listOpAdd:
			w.WriteRefID(d.id)
		case listOpInsert:
			w.WriteVarUint(uint64(d.index))
			w.WriteRefID(d.id)
		case listOpRemove:
			w.WriteRefID(d.id)
		case listOpClear:
			// no payload
		}
	}
}

// DecodeListDelta reads a delta record written by EncodeDelta into a
// sequence of ops the caller applies against its own typed list.
func DecodeListDelta(r *Reader) ([]DecodedListOp, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	ops := make([]DecodedListOp, 0, n)
	for i := uint64(0); i < n; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		op := listOp(tag)
		switch op {
		case listOpAdd, listOpRemove:
			id, err := r.ReadRefID()
			if err != nil {
				return nil, err
			}
			ops = append(ops, DecodedListOp{Op: op, ID: id})
		case listOpInsert:
			idx, err := r.ReadVarUint()
			if err != nil {
				return nil, err
			}
			id, err := r.ReadRefID()
			if err != nil {
				return nil, err
			}
			ops = append(ops, DecodedListOp{Op: op, ID: id, Index: int(idx)})
		case listOpClear:
			ops = append(ops, DecodedListOp{Op: op})
		default:
			return nil, fmt.Errorf("core: unrecognized list op tag %d", tag)
		}
	}
	return ops, nil
}

// ApplyDecodedAdd appends an already-resolved item during delta/full decode
// replay, bypassing the local dirty/pending bookkeeping that Add performs
// for locally originated changes.
func (l *ElementList[T]) ApplyDecodedAdd(item T) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
	l.bumpVersion()
}

// ApplyDecodedInsert inserts an already-resolved item at index during replay.
func (l *ElementList[T]) ApplyDecodedInsert(index int, item T) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index > len(l.items) {
		return fmt.Errorf("core: list insert index %d out of range [0,%d]", index, len(l.items))
	}
	l.items = append(l.items, item)
	copy(l.items[index+1:], l.items[index:])
	l.items[index] = item
	l.bumpVersion()
	return nil
}

// ApplyDecodedRemove removes the item with the given RefID during replay.
func (l *ElementList[T]) ApplyDecodedRemove(id RefID) {
	l.mu.Lock()
	for i, item := range l.items {
		if item.RefID() == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.bumpVersion()
}

// ApplyDecodedClear empties the list during replay.
func (l *ElementList[T]) ApplyDecodedClear() {
	l.mu.Lock()
	l.items = l.items[:0]
	l.mu.Unlock()
	l.bumpVersion()
}

// DecodeFull reads a full record written by EncodeFull and replaces the
// list's contents wholesale. Entries dropped by this full snapshot are first
// sent to the registry's trash so a later delta referencing the same RefID
// can restore rather than reallocate (spec.md §4.4 "Clear (sending to trash
// so subsequent deltas can restore)"); the new set is then resolved or
// constructed via resolveOrCreate.
func (l *ElementList[T]) DecodeFull(r *Reader) error {
	ids, err := DecodeListFull(r)
	if err != nil {
		return err
	}
	keep := make(map[RefID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	l.mu.RLock()
	var stale []RefID
	for _, item := range l.items {
		if !keep[item.RefID()] {
			stale = append(stale, item.RefID())
		}
	}
	l.mu.RUnlock()
	if l.registry != nil {
		tick := l.currentTick()
		for _, id := range stale {
			_ = l.registry.MoveToTrash(id, tick)
		}
	}

	items := make([]T, 0, len(ids))
	for _, id := range ids {
		item, err := l.resolveOrCreate(id)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	l.bumpVersion()
	return nil
}

// DecodeDelta reads a delta record written by EncodeDelta and replays its
// ops against the list, resolving or constructing Add/Insert RefIDs via
// resolveOrCreate.
func (l *ElementList[T]) DecodeDelta(r *Reader) error {
	ops, err := DecodeListDelta(r)
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Op {
		case listOpAdd:
			item, err := l.resolveOrCreate(op.ID)
			if err != nil {
				return err
			}
			l.ApplyDecodedAdd(item)
		case listOpInsert:
			item, err := l.resolveOrCreate(op.ID)
			if err != nil {
				return err
			}
			if err := l.ApplyDecodedInsert(op.Index, item); err != nil {
				return err
			}
		case listOpRemove:
			l.ApplyDecodedRemove(op.ID)
		case listOpClear:
			l.ApplyDecodedClear()
		}
	}
	return nil
}

// Validate applies spec.md §4.7's authority-side staleness checks.
func (l *ElementList[T]) Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	return l.ValidateAuthority(fromUser, senderStateVersion, senderSyncTick)
}

// Reject flips the list invalid and fires the Invalidated callback; a
// correcting full-state record (decoded separately by the caller) restores
// its contents.
func (l *ElementList[T]) Reject() { l.rejectInternal(l) }
