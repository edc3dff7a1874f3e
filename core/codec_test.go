package core

import "testing"

func TestWriteReadVarUint(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1, 1 << 63, ^uint64(0)}
	for _, v := range cases {
		w := NewWriter()
		w.WriteVarUint(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadVarUint()
		if err != nil {
			t.Fatalf("ReadVarUint(%d): unexpected error %v", v, err)
		}
		if got != v {
			t.Fatalf("ReadVarUint round-trip: got %d, want %d", got, v)
		}
		if r.Remaining() != 0 {
			t.Fatalf("ReadVarUint(%d) left %d unread bytes", v, r.Remaining())
		}
	}
}

func TestReadVarUintTruncated(t *testing.T) {
	r := NewReader([]byte{0x80, 0x80})
	if _, err := r.ReadVarUint(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadVarUintOverlong(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0x80
	}
	buf[10] = 0x01
	r := NewReader(buf)
	if _, err := r.ReadVarUint(); err != ErrOverlong {
		t.Fatalf("expected ErrOverlong, got %v", err)
	}
}

func TestWriteReadVarInt(t *testing.T) {
	cases := []int64{0, -1, 1, -128, 128, 1 << 40, -(1 << 40)}
	for _, v := range cases {
		w := NewWriter()
		w.WriteVarInt(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadVarInt()
		if err != nil {
			t.Fatalf("ReadVarInt(%d): unexpected error %v", v, err)
		}
		if got != v {
			t.Fatalf("ReadVarInt round-trip: got %d, want %d", got, v)
		}
	}
}

func TestWriteReadFloatsAndStrings(t *testing.T) {
	w := NewWriter()
	w.WriteFloat64(3.14159)
	w.WriteFloat32(2.5)
	w.WriteString("hello, world")
	w.WriteBool(true)
	w.WriteBool(false)

	r := NewReader(w.Bytes())
	f64, err := r.ReadFloat64()
	if err != nil || f64 != 3.14159 {
		t.Fatalf("ReadFloat64: got (%v, %v)", f64, err)
	}
	f32, err := r.ReadFloat32()
	if err != nil || f32 != 2.5 {
		t.Fatalf("ReadFloat32: got (%v, %v)", f32, err)
	}
	s, err := r.ReadString()
	if err != nil || s != "hello, world" {
		t.Fatalf("ReadString: got (%q, %v)", s, err)
	}
	b1, err := r.ReadBool()
	if err != nil || b1 != true {
		t.Fatalf("ReadBool: got (%v, %v)", b1, err)
	}
	b2, err := r.ReadBool()
	if err != nil || b2 != false {
		t.Fatalf("ReadBool: got (%v, %v)", b2, err)
	}
}

func TestRefIDOffsetCompression(t *testing.T) {
	ids := []RefID{NewRefID(1, 1000), NewRefID(1, 1005), NewRefID(1, 999999)}
	min := MinRefID(ids)
	if min != ids[0] {
		t.Fatalf("MinRefID: got %s, want %s", min, ids[0])
	}

	w := NewWriter()
	for _, id := range ids {
		w.WriteRefIDOffset(id, min)
	}
	r := NewReader(w.Bytes())
	for _, want := range ids {
		got, err := r.ReadRefIDOffset(min)
		if err != nil {
			t.Fatalf("ReadRefIDOffset: unexpected error %v", err)
		}
		if got != want {
			t.Fatalf("ReadRefIDOffset: got %s, want %s", got, want)
		}
	}
}

func TestSortRefIDsAscending(t *testing.T) {
	ids := []RefID{NewRefID(2, 5), NewRefID(0, 10), NewRefID(0, 1)}
	SortRefIDsAscending(ids)
	for i := 1; i < len(ids); i++ {
		if !ids[i-1].Less(ids[i]) {
			t.Fatalf("ids not ascending at index %d: %s then %s", i, ids[i-1], ids[i])
		}
	}
}
