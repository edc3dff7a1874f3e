package core

import "testing"

// testWorld is a minimal dirtyTracker double used across element tests.
type testWorld struct {
	authority bool
	dirtied   []RefID
	tick      uint64
}

func (w *testWorld) markDirty(id RefID) { w.dirtied = append(w.dirtied, id) }
func (w *testWorld) IsAuthority() bool  { return w.authority }
func (w *testWorld) SyncTick() uint64   { return w.tick }

// testListItem is a minimal SyncElement used to populate ElementList/
// Dictionary tests without pulling in a concrete variant.
type testListItem struct {
	BaseElement
}

func newTestListItem(id RefID, w dirtyTracker) *testListItem {
	b := NewBaseElement(id, w, nil)
	item := &testListItem{BaseElement: b}
	item.EndInitPhase()
	return item
}

func registerTestListItem(t *testing.T, registry *Registry, w dirtyTracker, id RefID) *testListItem {
	t.Helper()
	item := newTestListItem(id, w)
	if err := registry.Register(item); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return item
}

// testListItemCreate constructs a fresh *testListItem pinned at whatever
// RefID the registry's active allocation block assigns, mirroring how a real
// SyncElement factory closes over its World.
func testListItemCreate(registry *Registry, w dirtyTracker) func() (*testListItem, error) {
	return func() (*testListItem, error) {
		id, err := registry.Allocate()
		if err != nil {
			return nil, err
		}
		item := newTestListItem(id, w)
		if err := registry.Register(item); err != nil {
			return nil, err
		}
		return item, nil
	}
}

func TestElementListAddRemoveClear(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(0, nil)

	list := NewElementList[*testListItem](NewRefID(0, 1), w, nil, false, registry, testListItemCreate(registry, w))
	list.EndInitPhase()

	a := registerTestListItem(t, registry, w, NewRefID(0, 10))
	b := registerTestListItem(t, registry, w, NewRefID(0, 11))

	if err := list.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := list.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if list.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", list.Len())
	}
	if !list.IsDirty() {
		t.Fatal("expected list to be dirty after Add")
	}

	if err := list.Remove(a.RefID()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("Len after Remove: got %d, want 1", list.Len())
	}

	list.Clear()
	if list.Len() != 0 {
		t.Fatalf("Len after Clear: got %d, want 0", list.Len())
	}
}

func TestElementListAddThenRemoveSameTickCancels(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(0, nil)
	list := NewElementList[*testListItem](NewRefID(0, 1), w, nil, false, registry, testListItemCreate(registry, w))

	a := registerTestListItem(t, registry, w, NewRefID(0, 10))

	list.Add(a)
	list.Remove(a.RefID())

	w2 := NewWriter()
	list.EncodeDelta(w2)
	if w2.Len() != 1 {
		t.Fatalf("expected a 1-byte (zero-count) delta after add+remove cancel, got %d bytes", w2.Len())
	}
}

func TestElementListFullEncodeDecodeRoundTrip(t *testing.T) {
	srcWorld := &testWorld{}
	registry := NewRegistry(0, nil)

	src := NewElementList[*testListItem](NewRefID(0, 1), srcWorld, nil, false, registry, testListItemCreate(registry, srcWorld))
	items := []*testListItem{
		registerTestListItem(t, registry, srcWorld, NewRefID(0, 200)),
		registerTestListItem(t, registry, srcWorld, NewRefID(0, 50)),
		registerTestListItem(t, registry, srcWorld, NewRefID(0, 9000)),
	}
	for _, it := range items {
		if err := src.Add(it); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	w := NewWriter()
	src.EncodeFull(w)

	dst := NewElementList[*testListItem](NewRefID(0, 1), srcWorld, nil, false, registry, testListItemCreate(registry, srcWorld))
	if err := dst.DecodeFull(NewReader(w.Bytes())); err != nil {
		t.Fatalf("DecodeFull: %v", err)
	}
	if dst.Len() != len(items) {
		t.Fatalf("Len after DecodeFull: got %d, want %d", dst.Len(), len(items))
	}
	for i, it := range items {
		if dst.At(i).RefID() != it.RefID() {
			t.Fatalf("item %d: got %s, want %s", i, dst.At(i).RefID(), it.RefID())
		}
	}
}

// TestElementListDecodeDeltaConstructsUnresolvedTarget verifies spec.md
// §4.4's "allocate & create a new child at that RefID" behavior: a delta
// Add referencing a RefID the decoding side has never seen constructs a
// fresh element pinned at that exact id instead of failing.
func TestElementListDecodeDeltaConstructsUnresolvedTarget(t *testing.T) {
	srcWorld := &testWorld{}
	srcRegistry := NewRegistry(0, nil)
	src := NewElementList[*testListItem](NewRefID(0, 1), srcWorld, nil, false, srcRegistry, testListItemCreate(srcRegistry, srcWorld))
	ghost := registerTestListItem(t, srcRegistry, srcWorld, NewRefID(0, 77))
	src.Add(ghost)

	wbuf := NewWriter()
	src.EncodeDelta(wbuf)

	dstWorld := &testWorld{}
	dstRegistry := NewRegistry(0, nil)
	dst := NewElementList[*testListItem](NewRefID(0, 2), dstWorld, nil, false, dstRegistry, testListItemCreate(dstRegistry, dstWorld))
	if err := dst.DecodeDelta(NewReader(wbuf.Bytes())); err != nil {
		t.Fatalf("DecodeDelta: %v", err)
	}
	if dst.Len() != 1 {
		t.Fatalf("Len after DecodeDelta: got %d, want 1", dst.Len())
	}
	if got := dst.At(0).RefID(); got != ghost.RefID() {
		t.Fatalf("constructed item RefID: got %s, want %s", got, ghost.RefID())
	}
	if _, ok := dstRegistry.Lookup(ghost.RefID()); !ok {
		t.Fatal("expected constructed item to be registered at the target RefID")
	}
}
