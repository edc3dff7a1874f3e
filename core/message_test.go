package core

import "testing"

func TestBatchBuilderOrdersRecordsByTargetID(t *testing.T) {
	b := NewBatchBuilder(BatchHeader{Type: MsgDelta, SenderStateVersion: 3, SenderSyncTick: 7, SenderWallTime: 1.5})

	ids := []RefID{NewRefID(0, 50), NewRefID(0, 10), NewRefID(0, 30)}
	for _, id := range ids {
		w, err := b.BeginNewDataRecord(id)
		if err != nil {
			t.Fatalf("BeginNewDataRecord(%s): %v", id, err)
		}
		w.WriteVarUint(uint64(id.Position()))
		if err := b.FinishDataRecord(id); err != nil {
			t.Fatalf("FinishDataRecord(%s): %v", id, err)
		}
	}

	batch, err := b.Build()
	if err != nil {
		t.Fatalf("Build: unexpected error %v", err)
	}
	if len(batch.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batch.Records))
	}
	for i := 1; i < len(batch.Records); i++ {
		if !batch.Records[i-1].TargetID.Less(batch.Records[i].TargetID) {
			t.Fatalf("records not sorted ascending: %s then %s", batch.Records[i-1].TargetID, batch.Records[i].TargetID)
		}
	}
}

func TestBatchBuilderRejectsDoubleInFlightRecord(t *testing.T) {
	b := NewBatchBuilder(BatchHeader{Type: MsgDelta})
	if _, err := b.BeginNewDataRecord(NewRefID(0, 1)); err != nil {
		t.Fatalf("BeginNewDataRecord: unexpected error %v", err)
	}
	if _, err := b.BeginNewDataRecord(NewRefID(0, 2)); err != ErrRecordInFlight {
		t.Fatalf("expected ErrRecordInFlight, got %v", err)
	}
}

func TestBatchBuilderRejectsMismatchedFinish(t *testing.T) {
	b := NewBatchBuilder(BatchHeader{Type: MsgDelta})
	if _, err := b.BeginNewDataRecord(NewRefID(0, 1)); err != nil {
		t.Fatalf("BeginNewDataRecord: unexpected error %v", err)
	}
	if err := b.FinishDataRecord(NewRefID(0, 2)); err == nil {
		t.Fatal("expected mismatched FinishDataRecord to fail")
	}
}

func TestMessageRoundTripDeltaBatch(t *testing.T) {
	b := NewBatchBuilder(BatchHeader{Type: MsgDelta, SenderStateVersion: 7, SenderSyncTick: 42, SenderWallTime: 9.25})
	w, _ := b.BeginNewDataRecord(NewRefID(0, 1))
	w.WriteString("payload")
	b.FinishDataRecord(NewRefID(0, 1))
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	msg := &Message{Type: MsgDelta, Batch: batch}
	w2 := NewWriter()
	if err := msg.Encode(w2); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeMessage(NewReader(w2.Bytes()))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Type != MsgDelta {
		t.Fatalf("Type: got %d, want MsgDelta", decoded.Type)
	}
	if decoded.Batch.Header.SenderStateVersion != 7 || decoded.Batch.Header.SenderSyncTick != 42 {
		t.Fatalf("header mismatch: %+v", decoded.Batch.Header)
	}
	if len(decoded.Batch.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(decoded.Batch.Records))
	}
	payload, err := NewReader(decoded.Batch.Records[0].Payload).ReadString()
	if err != nil || payload != "payload" {
		t.Fatalf("record payload round-trip failed: %q, %v", payload, err)
	}
}

func TestMessageRoundTripConfirmation(t *testing.T) {
	b := NewBatchBuilder(BatchHeader{Type: MsgConfirmation, ConfirmTick: 99})
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := &Message{Type: MsgConfirmation, Batch: batch}
	w := NewWriter()
	if err := msg.Encode(w); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeMessage(NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Batch.Header.ConfirmTick != 99 {
		t.Fatalf("ConfirmTick: got %d, want 99", decoded.Batch.Header.ConfirmTick)
	}
}

func TestMessageRoundTripStream(t *testing.T) {
	s := &StreamMessage{UserID: 3, StreamStateVersion: 5, StreamTime: 100.0, StreamGroup: 7, IsAsync: false, Payload: []byte("voice-frame")}
	msg := &Message{Type: MsgStream, Stream: s}
	w := NewWriter()
	if err := msg.Encode(w); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeMessage(NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Stream.UserID != 3 || decoded.Stream.StreamGroup != 7 || string(decoded.Stream.Payload) != "voice-frame" {
		t.Fatalf("stream round-trip mismatch: %+v", decoded.Stream)
	}
	if !decoded.Stream.IsExpired(200.0, 50.0) {
		t.Fatal("expected stream older than max_age to be reported expired")
	}
	if decoded.Stream.IsExpired(110.0, 50.0) {
		t.Fatal("expected recent stream to not be expired")
	}
}

func TestMessageRoundTripControlJoinRequest(t *testing.T) {
	w := NewWriter()
	w.WriteByte(byte(MsgControl))
	if err := EncodeControlMessage(w, ControlJoinRequest, &JoinRequest{UserName: "alice", MachineID: "m1", UserID: 5, HeadDevice: "quest3"}); err != nil {
		t.Fatalf("EncodeControlMessage: %v", err)
	}

	decoded, err := DecodeMessage(NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Type != MsgControl || decoded.Control.Subtype != ControlJoinRequest {
		t.Fatalf("unexpected control message: %+v", decoded)
	}
	req, err := decoded.Control.DecodeJoinRequest()
	if err != nil {
		t.Fatalf("DecodeJoinRequest: %v", err)
	}
	if req.UserName != "alice" || req.UserID != 5 || req.HeadDevice != "quest3" {
		t.Fatalf("JoinRequest round-trip mismatch: %+v", req)
	}
}

func TestDecodeMessageBadTypeTag(t *testing.T) {
	r := NewReader([]byte{0xEE})
	if _, err := DecodeMessage(r); err == nil {
		t.Fatal("expected an error for an unrecognized type tag")
	}
}
