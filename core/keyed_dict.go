package core

import "fmt"

// DictKey is the constraint on dictionary key types: comparable so they can
// back a Go map, with an explicit codec pair supplied by the caller (spec.md
// §4.5 "explicit key encoding via the primitive codec").
type DictKey interface {
	comparable
}

// Dictionary is a K -> element map whose values are sync elements referenced
// on the wire by RefID (spec.md §4.5). Decode reuses the value already live
// in the registry under the incoming RefID, or constructs a fresh one at
// that exact RefID, the same construct-on-decode contract ElementList and
// ReplicatedDictionary follow (spec.md §4.4, §4.6).
type Dictionary[K DictKey, T ListElement] struct {
	ConflictingElement

	entries map[K]T

	encodeKey Encode[K]
	decodeKey Decode[K]

	wasCleared bool
	added      map[K]struct{}
	removed    map[K]struct{}

	registry *Registry
	create   func() (T, error)
}

// NewDictionary constructs an empty Dictionary using encodeKey/decodeKey as
// the explicit key codec (spec.md §9 redesign note (a)). registry/create let
// decode materialize a value it has never seen before, exactly as
// ElementList's resolveOrCreate does.
func NewDictionary[K DictKey, T ListElement](id RefID, world dirtyTracker, parent SyncElement, isHostOnly bool, encodeKey Encode[K], decodeKey Decode[K], registry *Registry, create func() (T, error)) *Dictionary[K, T] {
	return &Dictionary[K, T]{
		ConflictingElement: NewConflictingElement(id, world, parent, isHostOnly),
		entries:            make(map[K]T),
		encodeKey:          encodeKey,
		decodeKey:          decodeKey,
		added:              make(map[K]struct{}),
		removed:            make(map[K]struct{}),
		registry:           registry,
		create:             create,
	}
}

// resolveOrCreate mirrors ElementList.resolveOrCreate: reuse the registry
// entry already live under id, restore it from trash if recently cleared,
// or construct one inside an allocation block pinned to that exact RefID.
func (d *Dictionary[K, T]) resolveOrCreate(id RefID) (T, error) {
	var zero T
	if d.registry != nil {
		if existing, ok := d.registry.Lookup(id); ok {
			if t, ok := existing.(T); ok {
				return t, nil
			}
		}
		if restored, ok := d.registry.RestoreFromTrash(id, d.currentTick()); ok {
			if t, ok := restored.(T); ok {
				return t, nil
			}
		}
	}
	if d.create == nil || d.registry == nil {
		return zero, fmt.Errorf("%w: %s", ErrNotInRegistry, id)
	}
	d.registry.AllocationBlockBegin(id.UserByte(), id.Position())
	item, err := d.create()
	if endErr := d.registry.AllocationBlockEnd(); endErr != nil && err == nil {
		err = endErr
	}
	if err != nil {
		return zero, err
	}
	if item.RefID() != id {
		return zero, fmt.Errorf("core: constructed dictionary value RefID %s does not match target %s", item.RefID(), id)
	}
	return item, nil
}

func (d *Dictionary[K, T]) currentTick() uint64 {
	if w := d.World(); w != nil {
		return w.SyncTick()
	}
	return 0
}

// Len returns the number of entries currently in the dictionary.
func (d *Dictionary[K, T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Get returns the value stored under key, if present.
func (d *Dictionary[K, T]) Get(key K) (T, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[key]
	return v, ok
}

// Keys returns a snapshot of the dictionary's current keys.
func (d *Dictionary[K, T]) Keys() []K {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]K, 0, len(d.entries))
	for k := range d.entries {
		out = append(out, k)
	}
	return out
}

// Set inserts or overwrites the value stored under key and queues an add.
func (d *Dictionary[K, T]) Set(key K, value T) error {
	if d.IsDisposed() {
		return ErrDisposed
	}
	d.mu.Lock()
	d.entries[key] = value
	delete(d.removed, key)
	d.added[key] = struct{}{}
	d.mu.Unlock()
	d.markDirtyLocal()
	return nil
}

// Remove deletes key from the dictionary and queues a remove, unless the
// same key was added earlier in this tick, in which case the two cancel.
func (d *Dictionary[K, T]) Remove(key K) error {
	if d.IsDisposed() {
		return ErrDisposed
	}
	d.mu.Lock()
	if _, ok := d.entries[key]; !ok {
		d.mu.Unlock()
		return ErrNotInRegistry
	}
	delete(d.entries, key)
	if _, wasAdded := d.added[key]; wasAdded {
		delete(d.added, key)
	} else {
		d.removed[key] = struct{}{}
	}
	d.mu.Unlock()
	d.markDirtyLocal()
	return nil
}

// Clear empties the dictionary. Per spec.md §4.5, a clear supersedes every
// pending add/remove queued earlier in the same tick; the was_cleared flag
// is encoded ahead of any subsequent removes and adds so a receiver applies
// them in clear -> remove -> add order.
func (d *Dictionary[K, T]) Clear() {
	d.mu.Lock()
	d.entries = make(map[K]T)
	d.added = make(map[K]struct{})
	d.removed = make(map[K]struct{})
	d.wasCleared = true
	d.mu.Unlock()
	d.markDirtyLocal()
}

// EncodeFull writes every current entry using minimum-RefID-offset
// compression across the entries' values (spec.md §4.5).
func (d *Dictionary[K, T]) EncodeFull(w *Writer) {
	d.mu.RLock()
	keys := make([]K, 0, len(d.entries))
	ids := make([]RefID, 0, len(d.entries))
	for k, v := range d.entries {
		keys = append(keys, k)
		ids = append(ids, v.RefID())
	}
	d.mu.RUnlock()

	min := MinRefID(ids)
	w.WriteRefID(min)
	w.WriteVarUint(uint64(len(keys)))
	for i, k := range keys {
		d.encodeKey(w, k)
		w.WriteRefIDOffset(ids[i], min)
	}
}

// DictFullEntry is one resolved (key, value RefID) pair from a decoded full
// record; the caller looks the RefID up in the registry to get the element.
type DictFullEntry[K DictKey] struct {
	Key K
	ID  RefID
}

// DecodeDictFull reads a full record written by EncodeFull.
func DecodeDictFull[K DictKey](r *Reader, decodeKey Decode[K]) ([]DictFullEntry[K], error) {
	min, err := r.ReadRefID()
	if err != nil {
		return nil, err
	}
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out := make([]DictFullEntry[K], n)
	for i := range out {
		k, err := decodeKey(r)
		if err != nil {
			return nil, err
		}
		id, err := r.ReadRefIDOffset(min)
		if err != nil {
			return nil, err
		}
		out[i] = DictFullEntry[K]{Key: k, ID: id}
	}
	return out, nil
}

// DictDelta is a decoded delta record: WasCleared first, then Removed keys,
// then Added (key, value RefID) pairs, matching the clear -> remove -> add
// application order spec.md §4.5 requires.
type DictDelta[K DictKey] struct {
	WasCleared bool
	Removed    []K
	Added      []DictFullEntry[K]
}

// EncodeDelta writes the pending clear/remove/add sets accumulated since the
// last encode and clears them.
func (d *Dictionary[K, T]) EncodeDelta(w *Writer) {
	d.mu.Lock()
	wasCleared := d.wasCleared
	removed := make([]K, 0, len(d.removed))
	for k := range d.removed {
		removed = append(removed, k)
	}
	added := make([]K, 0, len(d.added))
	addedIDs := make([]RefID, 0, len(d.added))
	for k := range d.added {
		added = append(added, k)
		addedIDs = append(addedIDs, d.entries[k].RefID())
	}
	d.wasCleared = false
	d.removed = make(map[K]struct{})
	d.added = make(map[K]struct{})
	d.mu.Unlock()

	w.WriteBool(wasCleared)
	w.WriteVarUint(uint64(len(removed)))
	for _, k := range removed {
		d.encodeKey(w, k)
	}
	min := MinRefID(addedIDs)
	w.WriteRefID(min)
	w.WriteVarUint(uint64(len(added)))
	for i, k := range added {
		d.encodeKey(w, k)
		w.WriteRefIDOffset(addedIDs[i], min)
	}
}

// DecodeDictDelta reads a delta record written by EncodeDelta.
func DecodeDictDelta[K DictKey](r *Reader, decodeKey Decode[K]) (DictDelta[K], error) {
	var out DictDelta[K]
	wasCleared, err := r.ReadBool()
	if err != nil {
		return out, err
	}
	out.WasCleared = wasCleared

	nRemoved, err := r.ReadVarUint()
	if err != nil {
		return out, err
	}
	out.Removed = make([]K, nRemoved)
	for i := range out.Removed {
		k, err := decodeKey(r)
		if err != nil {
			return out, err
		}
		out.Removed[i] = k
	}

	min, err := r.ReadRefID()
	if err != nil {
		return out, err
	}
	nAdded, err := r.ReadVarUint()
	if err != nil {
		return out, err
	}
	out.Added = make([]DictFullEntry[K], nAdded)
	for i := range out.Added {
		k, err := decodeKey(r)
		if err != nil {
			return out, err
		}
		id, err := r.ReadRefIDOffset(min)
		if err != nil {
			return out, err
		}
		out.Added[i] = DictFullEntry[K]{Key: k, ID: id}
	}
	return out, nil
}

// ApplyDecodedSet inserts an already-resolved (key, element) pair during
// replay, bypassing local dirty/pending bookkeeping.
func (d *Dictionary[K, T]) ApplyDecodedSet(key K, value T) {
	d.mu.Lock()
	d.entries[key] = value
	d.mu.Unlock()
	d.bumpVersion()
}

// ApplyDecodedRemove deletes key during replay.
func (d *Dictionary[K, T]) ApplyDecodedRemove(key K) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	d.bumpVersion()
}

// ApplyDecodedClear empties the dictionary during replay.
func (d *Dictionary[K, T]) ApplyDecodedClear() {
	d.mu.Lock()
	d.entries = make(map[K]T)
	d.mu.Unlock()
	d.bumpVersion()
}

// DecodeFull reads a full record written by EncodeFull, resolving or
// constructing each value RefID via resolveOrCreate, and replaces the
// dictionary's contents wholesale. Values dropped by this full snapshot are
// first sent to the registry's trash so a later delta referencing the same
// RefID can restore rather than reallocate (spec.md §4.4).
func (d *Dictionary[K, T]) DecodeFull(r *Reader) error {
	entries, err := DecodeDictFull(r, d.decodeKey)
	if err != nil {
		return err
	}
	keep := make(map[RefID]bool, len(entries))
	for _, e := range entries {
		keep[e.ID] = true
	}
	d.mu.RLock()
	var stale []RefID
	for _, v := range d.entries {
		if !keep[v.RefID()] {
			stale = append(stale, v.RefID())
		}
	}
	d.mu.RUnlock()
	if d.registry != nil {
		tick := d.currentTick()
		for _, id := range stale {
			_ = d.registry.MoveToTrash(id, tick)
		}
	}

	next := make(map[K]T, len(entries))
	for _, e := range entries {
		v, err := d.resolveOrCreate(e.ID)
		if err != nil {
			return err
		}
		next[e.Key] = v
	}
	d.mu.Lock()
	d.entries = next
	d.mu.Unlock()
	d.bumpVersion()
	return nil
}

// DecodeDelta reads a delta record written by EncodeDelta and replays it in
// clear -> remove -> add order, resolving or constructing added value
// RefIDs via resolveOrCreate.
func (d *Dictionary[K, T]) DecodeDelta(r *Reader) error {
	delta, err := DecodeDictDelta(r, d.decodeKey)
	if err != nil {
		return err
	}
	if delta.WasCleared {
		d.ApplyDecodedClear()
	}
	for _, k := range delta.Removed {
		d.ApplyDecodedRemove(k)
	}
	for _, e := range delta.Added {
		v, err := d.resolveOrCreate(e.ID)
		if err != nil {
			return err
		}
		d.ApplyDecodedSet(e.Key, v)
	}
	return nil
}

// Validate applies spec.md §4.7's authority-side staleness checks.
func (d *Dictionary[K, T]) Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	return d.ValidateAuthority(fromUser, senderStateVersion, senderSyncTick)
}

// Reject flips the dictionary invalid and fires the Invalidated callback.
func (d *Dictionary[K, T]) Reject() { d.rejectInternal(d) }
