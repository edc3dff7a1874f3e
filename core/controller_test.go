package core

import "testing"

// testCodecElement is a minimal SyncElementCodec double for controller
// tests: a value field holding a single uint64, encoded identically for
// full and delta (spec.md §4.3 "for value fields, identical to full").
type testCodecElement struct {
	ConflictingElement
	value uint64
}

func newTestCodecElement(id RefID, w dirtyTracker) *testCodecElement {
	e := &testCodecElement{ConflictingElement: NewConflictingElement(id, w, nil, false)}
	e.EndInitPhase()
	return e
}

func (e *testCodecElement) EncodeFull(w *Writer)  { w.WriteVarUint(e.value) }
func (e *testCodecElement) EncodeDelta(w *Writer) { w.WriteVarUint(e.value) }
func (e *testCodecElement) DecodeFull(r *Reader) error {
	v, err := r.ReadVarUint()
	if err != nil {
		return err
	}
	e.value = v
	return nil
}
func (e *testCodecElement) DecodeDelta(r *Reader) error { return e.DecodeFull(r) }

func (e *testCodecElement) Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	return e.ValidateAuthority(fromUser, senderStateVersion, senderSyncTick)
}

func (e *testCodecElement) Reject() { e.rejectInternal(e) }

func (e *testCodecElement) set(v uint64) {
	e.value = v
	e.markDirtyLocal()
}

func TestSyncControllerCollectDeltaBatchOrdersByRefIDAscending(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	ids := []uint64{50, 5, 9000, 1}
	for _, pos := range ids {
		e := newTestCodecElement(NewRefID(0, pos), w)
		e.set(pos)
		if err := registry.Register(e); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := controller.AddDirtySyncElement(e); err != nil {
			t.Fatalf("AddDirtySyncElement: %v", err)
		}
	}

	batch, err := controller.CollectDeltaBatch(BatchHeader{Type: MsgDelta})
	if err != nil {
		t.Fatalf("CollectDeltaBatch: %v", err)
	}
	if len(batch.Records) != len(ids) {
		t.Fatalf("got %d records, want %d", len(batch.Records), len(ids))
	}
	for i := 1; i < len(batch.Records); i++ {
		if uint64(batch.Records[i-1].TargetID) >= uint64(batch.Records[i].TargetID) {
			t.Fatalf("records not ascending at index %d: %s >= %s", i, batch.Records[i-1].TargetID, batch.Records[i].TargetID)
		}
	}
}

// TestSyncControllerCollectDeltaBatchClearsDirtyFlags exercises spec.md §8:
// "After a successful tick with no new mutations, dirty_set is empty and no
// element has is_dirty = true."
func TestSyncControllerCollectDeltaBatchClearsDirtyFlags(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	e := newTestCodecElement(NewRefID(0, 1), w)
	e.set(7)
	registry.Register(e)
	controller.AddDirtySyncElement(e)

	if _, err := controller.CollectDeltaBatch(BatchHeader{Type: MsgDelta}); err != nil {
		t.Fatalf("CollectDeltaBatch: %v", err)
	}
	if e.IsDirty() {
		t.Fatal("expected element to be clean after CollectDeltaBatch")
	}

	empty, err := controller.CollectDeltaBatch(BatchHeader{Type: MsgDelta})
	if err != nil {
		t.Fatalf("second CollectDeltaBatch: %v", err)
	}
	if len(empty.Records) != 0 {
		t.Fatalf("expected an empty batch with no new mutations, got %d records", len(empty.Records))
	}
}

func TestSyncControllerAddDirtyFailsWhileCollecting(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	e := newTestCodecElement(NewRefID(0, 1), w)
	registry.Register(e)

	controller.mu.Lock()
	controller.collecting = true
	controller.mu.Unlock()

	if err := controller.AddDirtySyncElement(e); err != ErrClosedForCollection {
		t.Fatalf("AddDirtySyncElement while collecting: got %v, want ErrClosedForCollection", err)
	}
}

func TestSyncControllerValidateDeltaBatchSplitsAcceptedAndRejected(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	ok := newTestCodecElement(NewRefID(0, 1), w)
	registry.Register(ok)

	bad := newTestCodecElement(NewRefID(0, 2), w)
	bad.isValid = false // pre-rejected, forcing Validate to return ErrConflict
	registry.Register(bad)

	builder := NewBatchBuilder(BatchHeader{Type: MsgDelta})
	for _, target := range []*testCodecElement{ok, bad} {
		wbuf, err := builder.BeginNewDataRecord(target.RefID())
		if err != nil {
			t.Fatalf("BeginNewDataRecord: %v", err)
		}
		wbuf.WriteVarUint(99)
		if err := builder.FinishDataRecord(target.RefID()); err != nil {
			t.Fatalf("FinishDataRecord: %v", err)
		}
	}
	batch, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result, pending := controller.ValidateDeltaBatch(batch, 1, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}
	if len(result.Accepted) != 1 || result.Accepted[0].TargetID != ok.RefID() {
		t.Fatalf("Accepted = %v, want exactly %s", result.Accepted, ok.RefID())
	}
	if len(result.Rejected) != 1 || result.Rejected[0].TargetID != bad.RefID() {
		t.Fatalf("Rejected = %v, want exactly %s", result.Rejected, bad.RefID())
	}
}

func TestSyncControllerValidateDeltaBatchParksUnregisteredTarget(t *testing.T) {
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	ghost := NewRefID(0, 999)
	builder := NewBatchBuilder(BatchHeader{Type: MsgDelta})
	wbuf, _ := builder.BeginNewDataRecord(ghost)
	wbuf.WriteVarUint(1)
	builder.FinishDataRecord(ghost)
	batch, _ := builder.Build()

	result, pending := controller.ValidateDeltaBatch(batch, 1, 1)
	if len(result.Accepted) != 0 || len(result.Rejected) != 0 {
		t.Fatalf("expected no accepted/rejected records, got accepted=%v rejected=%v", result.Accepted, result.Rejected)
	}
	if len(pending) != 1 || pending[0].TargetID != ghost {
		t.Fatalf("expected %s parked as pending, got %v", ghost, pending)
	}
}

func TestSyncControllerCollectFullBatchSkipsLocalElements(t *testing.T) {
	w := &testWorld{}
	registry := NewRegistry(GlobalUserByte, nil)
	controller := NewSyncController(registry, nil)

	global := newTestCodecElement(NewRefID(0, 1), w)
	registry.Register(global)

	local := newTestCodecElement(NewRefID(LocalUserByte, 1), w)
	registry.Register(local)

	batch, err := controller.CollectFullBatch(BatchHeader{Type: MsgFull})
	if err != nil {
		t.Fatalf("CollectFullBatch: %v", err)
	}
	if len(batch.Records) != 1 || batch.Records[0].TargetID != global.RefID() {
		t.Fatalf("CollectFullBatch records = %v, want exactly [%s]", batch.Records, global.RefID())
	}
}
