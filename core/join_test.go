package core

import "testing"

func TestHostHandleJoinRequestAssignsDistinctUserBytesAndBlocks(t *testing.T) {
	w := NewWorld(true, GlobalUserByte, nil)
	conn1, conn2 := NewLoopbackPair(1, 2)

	g1, err := w.HostHandleJoinRequest(&JoinRequest{UserName: "a", UserID: 1}, conn1, 8)
	if err != nil {
		t.Fatalf("HostHandleJoinRequest: %v", err)
	}
	g2, err := w.HostHandleJoinRequest(&JoinRequest{UserName: "b", UserID: 2}, conn2, 8)
	if err != nil {
		t.Fatalf("HostHandleJoinRequest: %v", err)
	}

	u1 := RefID(g1.AssignedUserID).UserByte()
	u2 := RefID(g2.AssignedUserID).UserByte()
	if u1 == u2 {
		t.Fatalf("expected distinct user bytes, got %#x twice", u1)
	}
	if g1.AllocationIDStart == g1.AllocationIDEnd {
		t.Fatal("expected a non-empty allocation block")
	}

	if _, ok := w.User(u1); !ok {
		t.Fatal("expected UserInfo registered for the first joiner")
	}
	if _, ok := w.User(u2); !ok {
		t.Fatal("expected UserInfo registered for the second joiner")
	}
}

func TestHostHandleJoinRequestRejectsOnNonAuthority(t *testing.T) {
	w := NewWorld(false, GlobalUserByte, nil)
	conn, _ := NewLoopbackPair(1, 2)
	if _, err := w.HostHandleJoinRequest(&JoinRequest{UserName: "a"}, conn, 8); err == nil {
		t.Fatal("expected an error from a guest world handling a join request")
	}
}

func TestHostHandleJoinRequestExhaustsUserBytes(t *testing.T) {
	w := NewWorld(true, GlobalUserByte, nil)
	conn, _ := NewLoopbackPair(1, 2)

	for b := byte(1); b < LocalUserByte; b++ {
		if _, err := w.HostHandleJoinRequest(&JoinRequest{UserName: "x"}, conn, 255); err != nil {
			t.Fatalf("HostHandleJoinRequest for byte %d: %v", b, err)
		}
	}
	if _, err := w.HostHandleJoinRequest(&JoinRequest{UserName: "overflow"}, conn, 255); err == nil {
		t.Fatal("expected an error once every user byte is taken")
	}
}

func TestGuestHandleJoinGrantAdoptsStateVersionAndInitializes(t *testing.T) {
	w := NewWorld(false, GlobalUserByte, nil)
	grant := &JoinGrant{
		AssignedUserID:    uint64(NewRefID(3, 0)),
		AllocationIDStart: uint64(NewRefID(3, 1)),
		AllocationIDEnd:   uint64(NewRefID(3, positionMask)),
		StateVersion:      42,
	}
	w.GuestHandleJoinGrant(grant)

	if w.StateVersion() != 42 {
		t.Fatalf("StateVersion: got %d, want 42", w.StateVersion())
	}
	if w.State() != StateInitializingDataModel {
		t.Fatalf("State: got %v, want StateInitializingDataModel", w.State())
	}
	if _, assigned := w.LocalUser(); assigned {
		t.Fatal("LocalUser should not be set until GuestLinkLocalUser is called")
	}
}

func TestGuestLinkLocalUserSetsLocalUserByte(t *testing.T) {
	w := NewWorld(false, GlobalUserByte, nil)
	id := NewRefID(5, 0)

	w.GuestLinkLocalUser(id)

	got, ok := w.LocalUser()
	if !ok || got != 5 {
		t.Fatalf("LocalUser: got (%#x, %v), want (0x05, true)", got, ok)
	}
}

func TestGuestHandleJoinStartDeltaReplaysQueuedPendingRecords(t *testing.T) {
	w := NewWorld(false, GlobalUserByte, nil)
	enc, dec, eq := Int64Codec()
	field := NewValueField(NewRefID(GlobalUserByte, 1), w, nil, false, int64(0), enc, dec, eq)
	field.EndInitPhase()
	if err := w.registry.Register(field); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Build a delta record the way the authority's controller would, by
	// marking the field dirty and collecting it into a batch.
	field.Set(7)
	batch, err := w.controller.CollectDeltaBatch(BatchHeader{Type: MsgDelta})
	if err != nil {
		t.Fatalf("CollectDeltaBatch: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected exactly one dirty record, got %d", len(batch.Records))
	}

	// Queue it as if it arrived before the guest started accepting deltas.
	w.ParkPending(batch.Records[0], false, 0)

	applied := w.GuestHandleJoinStartDelta()
	if applied != 1 {
		t.Fatalf("expected 1 replayed record, got %d", applied)
	}
	if w.State() != StateRunning {
		t.Fatalf("State: got %v, want StateRunning", w.State())
	}
	if !w.AcceptDeltas() {
		t.Fatal("expected AcceptDeltas to be true after JoinStartDelta")
	}
}

func TestGuestHandleJoinStartDeltaDropsUnresolvablePendingRecords(t *testing.T) {
	w := NewWorld(false, GlobalUserByte, nil)
	// Park a record whose target was never registered.
	w.ParkPending(DataRecord{TargetID: NewRefID(GlobalUserByte, 99), Payload: []byte{0}}, false, 0)

	applied := w.GuestHandleJoinStartDelta()
	if applied != 0 {
		t.Fatalf("expected 0 records applied for an unregistered target, got %d", applied)
	}
}
