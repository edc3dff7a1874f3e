package core

import "testing"

func TestValueFieldSetIsNoopWhenUnchanged(t *testing.T) {
	w := &testWorld{authority: true}
	enc, dec, eq := Int64Codec()
	f := NewValueField(NewRefID(0, 1), w, nil, false, int64(5), enc, dec, eq)
	f.EndInitPhase()

	if err := f.Set(5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if f.IsDirty() {
		t.Fatal("setting the same value should not mark the field dirty")
	}

	if err := f.Set(6); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !f.IsDirty() {
		t.Fatal("setting a new value should mark the field dirty")
	}
	if f.Value() != 6 {
		t.Fatalf("Value: got %d, want 6", f.Value())
	}
}

func TestValueFieldHostOnlyRejectsNonAuthoritySet(t *testing.T) {
	w := &testWorld{authority: false}
	enc, dec, eq := BoolCodec()
	f := NewValueField(NewRefID(0, 1), w, nil, true, false, enc, dec, eq)

	if err := f.Set(true); err != ErrDriven {
		t.Fatalf("expected ErrDriven from a non-authority Set on a host-only field, got %v", err)
	}
}

func TestValueFieldFullEncodeDecodeRoundTrip(t *testing.T) {
	w := &testWorld{authority: true}
	enc, dec, eq := StringCodec()
	src := NewValueField(NewRefID(0, 1), w, nil, false, "hello", enc, dec, eq)

	wbuf := NewWriter()
	src.EncodeFull(wbuf)

	dst := NewValueField(NewRefID(0, 1), w, nil, false, "", enc, dec, eq)
	if err := dst.DecodeFull(NewReader(wbuf.Bytes())); err != nil {
		t.Fatalf("DecodeFull: %v", err)
	}
	if dst.Value() != "hello" {
		t.Fatalf("Value: got %q, want %q", dst.Value(), "hello")
	}
}

func TestValueFieldRollbackRestoresLastConfirmed(t *testing.T) {
	w := &testWorld{authority: true}
	enc, dec, eq := Int64Codec()
	f := NewValueField(NewRefID(0, 1), w, nil, false, int64(1), enc, dec, eq)

	f.Confirm(1) // snapshot 1 as the confirmed baseline
	f.Set(2)
	if f.Value() != 2 {
		t.Fatalf("Value before rollback: got %d, want 2", f.Value())
	}

	f.Rollback()
	if f.Value() != 1 {
		t.Fatalf("Value after rollback: got %d, want 1", f.Value())
	}
}

func TestVector3CodecEpsilonEquality(t *testing.T) {
	_, _, eq := Vector3Codec(0.01)
	a := Vector3{X: 1.0, Y: 2.0, Z: 3.0}
	b := Vector3{X: 1.005, Y: 2.0, Z: 3.0}
	if !eq(a, b) {
		t.Fatal("expected vectors within epsilon to compare equal")
	}
	c := Vector3{X: 1.1, Y: 2.0, Z: 3.0}
	if eq(a, c) {
		t.Fatal("expected vectors outside epsilon to compare unequal")
	}
}
