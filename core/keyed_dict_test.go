package core

import "testing"

func encodeStringKey(w *Writer, k string) { w.WriteString(k) }
func decodeStringKey(r *Reader) (string, error) { return r.ReadString() }

func TestDictionarySetRemoveClear(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(0, nil)
	dict := NewDictionary[string, *testListItem](NewRefID(0, 1), w, nil, false, encodeStringKey, decodeStringKey, registry, testListItemCreate(registry, w))
	dict.EndInitPhase()

	a := registerTestListItem(t, registry, w, NewRefID(0, 10))
	if err := dict.Set("slot-a", a); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if dict.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", dict.Len())
	}
	if !dict.IsDirty() {
		t.Fatal("expected dictionary to be dirty after Set")
	}

	if err := dict.Remove("slot-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if dict.Len() != 0 {
		t.Fatalf("Len after Remove: got %d, want 0", dict.Len())
	}

	dict.Set("slot-b", a)
	dict.Clear()
	if dict.Len() != 0 {
		t.Fatalf("Len after Clear: got %d, want 0", dict.Len())
	}
}

func TestDictionarySetThenRemoveSameTickCancels(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(0, nil)
	dict := NewDictionary[string, *testListItem](NewRefID(0, 1), w, nil, false, encodeStringKey, decodeStringKey, registry, testListItemCreate(registry, w))

	a := registerTestListItem(t, registry, w, NewRefID(0, 10))
	dict.Set("k", a)
	dict.Remove("k")

	wbuf := NewWriter()
	dict.EncodeDelta(wbuf)
	delta, err := DecodeDictDelta(NewReader(wbuf.Bytes()), decodeStringKey)
	if err != nil {
		t.Fatalf("DecodeDictDelta: %v", err)
	}
	if delta.WasCleared {
		t.Fatal("did not expect WasCleared")
	}
	if len(delta.Removed) != 0 || len(delta.Added) != 0 {
		t.Fatalf("expected add+remove in the same tick to cancel, got removed=%v added=%v", delta.Removed, delta.Added)
	}
}

func TestDictionaryFullEncodeDecodeRoundTrip(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(0, nil)

	src := NewDictionary[string, *testListItem](NewRefID(0, 1), w, nil, false, encodeStringKey, decodeStringKey, registry, testListItemCreate(registry, w))
	items := map[string]*testListItem{
		"alpha": registerTestListItem(t, registry, w, NewRefID(0, 300)),
		"beta":  registerTestListItem(t, registry, w, NewRefID(0, 20)),
	}
	for k, v := range items {
		if err := src.Set(k, v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	wbuf := NewWriter()
	src.EncodeFull(wbuf)

	dst := NewDictionary[string, *testListItem](NewRefID(0, 1), w, nil, false, encodeStringKey, decodeStringKey, registry, testListItemCreate(registry, w))
	if err := dst.DecodeFull(NewReader(wbuf.Bytes())); err != nil {
		t.Fatalf("DecodeFull: %v", err)
	}
	if dst.Len() != len(items) {
		t.Fatalf("Len after DecodeFull: got %d, want %d", dst.Len(), len(items))
	}
	for k, v := range items {
		got, ok := dst.Get(k)
		if !ok || got.RefID() != v.RefID() {
			t.Fatalf("key %q: got %v ok=%v, want %s", k, got, ok, v.RefID())
		}
	}
}

// TestDictionaryDecodeDeltaConstructsUnresolvedTarget verifies spec.md
// §4.4/§4.6's construct-on-decode behavior: a delta Set referencing a RefID
// the decoding side has never seen constructs a fresh value pinned at that
// exact id instead of failing.
func TestDictionaryDecodeDeltaConstructsUnresolvedTarget(t *testing.T) {
	srcWorld := &testWorld{}
	srcRegistry := NewRegistry(0, nil)
	src := NewDictionary[string, *testListItem](NewRefID(0, 1), srcWorld, nil, false, encodeStringKey, decodeStringKey, srcRegistry, testListItemCreate(srcRegistry, srcWorld))
	ghost := registerTestListItem(t, srcRegistry, srcWorld, NewRefID(0, 77))
	src.Set("k", ghost)

	wbuf := NewWriter()
	src.EncodeDelta(wbuf)

	dstWorld := &testWorld{}
	dstRegistry := NewRegistry(0, nil)
	dst := NewDictionary[string, *testListItem](NewRefID(0, 2), dstWorld, nil, false, encodeStringKey, decodeStringKey, dstRegistry, testListItemCreate(dstRegistry, dstWorld))
	if err := dst.DecodeDelta(NewReader(wbuf.Bytes())); err != nil {
		t.Fatalf("DecodeDelta: %v", err)
	}
	got, ok := dst.Get("k")
	if !ok {
		t.Fatal("expected key \"k\" to be present after DecodeDelta")
	}
	if got.RefID() != ghost.RefID() {
		t.Fatalf("constructed value RefID: got %s, want %s", got.RefID(), ghost.RefID())
	}
	if _, ok := dstRegistry.Lookup(ghost.RefID()); !ok {
		t.Fatal("expected constructed value to be registered at the target RefID")
	}
}
