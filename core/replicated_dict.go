package core

// CreateElementWithKey constructs the concrete element a ReplicatedDictionary
// should hold under key, reading whatever payload beyond the key
// encode_element wrote (spec.md §4.6). Returning a nil element with a nil
// error means "nothing to create" and the record is dropped.
type CreateElementWithKey func(key RefID, r *Reader) (SyncElement, error)

// EncodeElementPayload writes whatever payload an element needs beyond its
// key, consumed on the decode side by CreateElementWithKey.
type EncodeElementPayload func(w *Writer, elem SyncElement)

// ElementAddedFunc is raised whenever a record resolves to a live entry,
// whether freshly constructed or adopted from an existing registry element.
type ElementAddedFunc func(key RefID, elem SyncElement, isNew bool)

// ElementRemovedFunc is raised when a delta record removes an entry.
type ElementRemovedFunc func(key RefID, elem SyncElement)

// ReplicatedDictionary is a RefID -> element map that materializes elements
// it has never seen before, the mechanism clients use to pick up subtrees
// created elsewhere (spec.md §4.6). Unlike Dictionary, decode can construct
// brand-new elements rather than only resolving references into an
// already-populated registry.
type ReplicatedDictionary struct {
	ConflictingElement

	registry *Registry
	entries  map[RefID]SyncElement

	createElementWithKey CreateElementWithKey
	encodeElementPayload EncodeElementPayload
	onElementAdded       ElementAddedFunc
	onElementRemoved     ElementRemovedFunc

	wasCleared bool
	added      map[RefID]struct{}
	removed    map[RefID]struct{}
}

// NewReplicatedDictionary constructs an empty ReplicatedDictionary bound to
// registry for the key-already-live-elsewhere lookup (spec.md §4.6 step 3).
func NewReplicatedDictionary(id RefID, world dirtyTracker, parent SyncElement, isHostOnly bool, registry *Registry, create CreateElementWithKey, encodePayload EncodeElementPayload) *ReplicatedDictionary {
	return &ReplicatedDictionary{
		ConflictingElement:   NewConflictingElement(id, world, parent, isHostOnly),
		registry:             registry,
		entries:              make(map[RefID]SyncElement),
		createElementWithKey: create,
		encodeElementPayload: encodePayload,
		added:                make(map[RefID]struct{}),
		removed:              make(map[RefID]struct{}),
	}
}

// OnElementAdded registers the callback fired when a decode resolves a new
// entry, whether newly constructed or adopted from the registry.
func (d *ReplicatedDictionary) OnElementAdded(fn ElementAddedFunc) { d.onElementAdded = fn }

// OnElementRemoved registers the callback fired when a delta removes an
// entry; derived usages route this to engine-specific teardown.
func (d *ReplicatedDictionary) OnElementRemoved(fn ElementRemovedFunc) { d.onElementRemoved = fn }

// Len returns the number of entries currently held.
func (d *ReplicatedDictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Get returns the element stored under key, if present.
func (d *ReplicatedDictionary) Get(key RefID) (SyncElement, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	return e, ok
}

// Set locally inserts elem under key (the authority-side / locally-created
// path; the decode path goes through applyCreated/applyAdopted instead).
func (d *ReplicatedDictionary) Set(key RefID, elem SyncElement) error {
	if d.IsDisposed() {
		return ErrDisposed
	}
	d.mu.Lock()
	d.entries[key] = elem
	delete(d.removed, key)
	d.added[key] = struct{}{}
	d.mu.Unlock()
	d.markDirtyLocal()
	return nil
}

// Remove deletes key, queuing a delta removal unless it was added earlier in
// the same tick.
func (d *ReplicatedDictionary) Remove(key RefID) error {
	if d.IsDisposed() {
		return ErrDisposed
	}
	d.mu.Lock()
	elem, ok := d.entries[key]
	if !ok {
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
	if d.onElementRemoved != nil {
		d.onElementRemoved(key, elem)
	}
	d.markDirtyLocal()
	return nil
}

// Clear empties the dictionary, firing ElementRemoved for every entry and
// superseding any pending add/remove queued earlier in the tick.
func (d *ReplicatedDictionary) Clear() {
	d.mu.Lock()
	old := d.entries
	d.entries = make(map[RefID]SyncElement)
	d.added = make(map[RefID]struct{})
	d.removed = make(map[RefID]struct{})
	d.wasCleared = true
	d.mu.Unlock()
	if d.onElementRemoved != nil {
		for key, elem := range old {
			d.onElementRemoved(key, elem)
		}
	}
	d.markDirtyLocal()
}

func (d *ReplicatedDictionary) encodeEntry(w *Writer, key RefID, elem SyncElement) {
	payload := NewWriter()
	d.encodeElementPayload(payload, elem)
	w.WriteRefID(key)
	w.WriteBytes(payload.Bytes())
}

// EncodeFull writes every current entry as (key, length-prefixed payload).
// The length prefix is what lets a decoder "skip remainder but still
// consume payload" for already-known keys per spec.md §4.6 step 2.
func (d *ReplicatedDictionary) EncodeFull(w *Writer) {
	d.mu.RLock()
	type kv struct {
		key  RefID
		elem SyncElement
	}
	entries := make([]kv, 0, len(d.entries))
	for k, e := range d.entries {
		entries = append(entries, kv{k, e})
	}
	d.mu.RUnlock()

	w.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		d.encodeEntry(w, e.key, e.elem)
	}
}

// EncodeDelta writes WasCleared, then removed keys, then added (key,
// payload) entries tagged with is_newly_created, matching the
// clear -> remove -> add order spec.md §4.5/§4.6 require.
func (d *ReplicatedDictionary) EncodeDelta(w *Writer) {
	d.mu.Lock()
	wasCleared := d.wasCleared
	removed := make([]RefID, 0, len(d.removed))
	for k := range d.removed {
		removed = append(removed, k)
	}
	type kv struct {
		key  RefID
		elem SyncElement
	}
	added := make([]kv, 0, len(d.added))
	for k := range d.added {
		added = append(added, kv{k, d.entries[k]})
	}
	d.wasCleared = false
	d.removed = make(map[RefID]struct{})
	d.added = make(map[RefID]struct{})
	d.mu.Unlock()

	w.WriteBool(wasCleared)
	w.WriteVarUint(uint64(len(removed)))
	for _, k := range removed {
		w.WriteRefID(k)
	}
	w.WriteVarUint(uint64(len(added)))
	for _, e := range added {
		w.WriteBool(true) // is_newly_created: locally-originated adds are always fresh
		d.encodeEntry(w, e.key, e.elem)
	}
}

// DecodeFull applies a full record written by EncodeFull, per the four-step
// algorithm in spec.md §4.6.
func (d *ReplicatedDictionary) DecodeFull(r *Reader) error {
	n, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if err := d.decodeEntry(r, true); err != nil {
			return err
		}
	}
	return nil
}

// DecodeDelta applies a delta record written by EncodeDelta.
func (d *ReplicatedDictionary) DecodeDelta(r *Reader) error {
	wasCleared, err := r.ReadBool()
	if err != nil {
		return err
	}
	if wasCleared {
		d.Clear()
	}

	nRemoved, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nRemoved; i++ {
		key, err := r.ReadRefID()
		if err != nil {
			return err
		}
		d.mu.Lock()
		elem, ok := d.entries[key]
		delete(d.entries, key)
		d.mu.Unlock()
		if ok && d.onElementRemoved != nil {
			d.onElementRemoved(key, elem)
		}
	}

	nAdded, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nAdded; i++ {
		isNewlyCreated, err := r.ReadBool()
		if err != nil {
			return err
		}
		if err := d.decodeEntryWithFlag(r, isNewlyCreated); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntry reads one (key, length-prefixed payload) record and applies
// the four-step resolution algorithm, treating it as newly created when
// isNewlyCreated is true (always the case for full records).
func (d *ReplicatedDictionary) decodeEntry(r *Reader, isNewlyCreated bool) error {
	return d.decodeEntryWithFlag(r, isNewlyCreated)
}

func (d *ReplicatedDictionary) decodeEntryWithFlag(r *Reader, isNewlyCreated bool) error {
	key, err := r.ReadRefID()
	if err != nil {
		return err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, already := d.entries[key]; already {
		d.mu.Unlock()
		return nil // step 2: skip remainder; payload already consumed above
	}
	d.mu.Unlock()

	if d.registry != nil {
		if existing, ok := d.registry.Lookup(key); ok {
			if se, ok := existing.(SyncElement); ok {
				d.mu.Lock()
				d.entries[key] = se
				d.mu.Unlock()
				d.bumpVersion()
				if d.onElementAdded != nil {
					d.onElementAdded(key, se, false)
				}
				return nil
			}
		}
	}

	elem, err := d.createElementWithKey(key, NewReader(payload))
	if err != nil {
		return err
	}
	if elem == nil {
		return nil
	}
	d.mu.Lock()
	d.entries[key] = elem
	d.mu.Unlock()
	d.bumpVersion()
	if d.onElementAdded != nil {
		d.onElementAdded(key, elem, isNewlyCreated)
	}
	return nil
}

// Validate applies spec.md §4.7's authority-side staleness checks.
func (d *ReplicatedDictionary) Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	return d.ValidateAuthority(fromUser, senderStateVersion, senderSyncTick)
}

// Reject flips the dictionary invalid and fires the Invalidated callback.
func (d *ReplicatedDictionary) Reject() { d.rejectInternal(d) }
