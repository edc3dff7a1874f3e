package core

import "math"

// Equal reports whether two values of T should be considered identical for
// dirty-checking purposes. Floats and vector-ish types use an epsilon
// comparison; everything else can use Go's == via EqualComparable.
type Equal[T any] func(a, b T) bool

// Encode writes v's wire representation using w.
type Encode[T any] func(w *Writer, v T)

// Decode reads a wire representation written by the matching Encode.
type Decode[T any] func(r *Reader) (T, error)

// EqualComparable builds an Equal[T] from Go's built-in == for comparable
// types (bool, string, integers).
func EqualComparable[T comparable]() Equal[T] {
	return func(a, b T) bool { return a == b }
}

// LocalFilter lets a ValueField reject an incoming remote write before it is
// ever applied locally, e.g. to keep a client-authoritative field from being
// overwritten by a stale server echo (spec.md §4.3 Variants: Value field).
type LocalFilter[T any] func(incoming T) bool

// ValueField is a single replicated value of type T (spec.md §4.3). Authority
// rejection rolls the value back to lastConfirmedValue.
type ValueField[T any] struct {
	ConflictingElement

	encode Encode[T]
	decode Decode[T]
	equal  Equal[T]
	filter LocalFilter[T]

	value         T
	lastConfirmed T
}

// NewValueField constructs a ValueField with the given codec/equality
// injection (spec.md §9 redesign note (a): explicit registration, not
// reflection).
func NewValueField[T any](id RefID, world dirtyTracker, parent SyncElement, isHostOnly bool, initial T, enc Encode[T], dec Decode[T], eq Equal[T]) *ValueField[T] {
	f := &ValueField[T]{
		ConflictingElement: NewConflictingElement(id, world, parent, isHostOnly),
		encode:             enc,
		decode:             dec,
		equal:              eq,
		value:              initial,
		lastConfirmed:      initial,
	}
	f.OnInvalidated(func(ConflictingSyncElement) { f.Rollback() })
	return f
}

// SetLocalFilter installs a hook that can veto incoming remote writes.
func (f *ValueField[T]) SetLocalFilter(filter LocalFilter[T]) {
	f.filter = filter
}

// Value returns the field's current value.
func (f *ValueField[T]) Value() T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Set assigns a new local value. It is a no-op (no dirty flag, no version
// bump) if v equals the current value, per spec.md §4.3's "no spurious
// deltas for unchanged values" edge case.
func (f *ValueField[T]) Set(v T) error {
	if f.IsDisposed() {
		return ErrDisposed
	}
	if f.IsHostOnly() && f.World() != nil && !f.World().IsAuthority() {
		return ErrDriven
	}
	f.mu.Lock()
	if f.equal(f.value, v) {
		f.mu.Unlock()
		return nil
	}
	f.value = v
	f.mu.Unlock()
	f.markDirtyLocal()
	return nil
}

// ApplyRemote is invoked by the decode path when a delta/full record for
// this field arrives from the network. It honors LocalFilter and never
// marks the field dirty (a remote write is already in sync with its
// source).
func (f *ValueField[T]) ApplyRemote(v T) {
	if f.filter != nil && !f.filter(v) {
		return
	}
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
	f.bumpVersion()
}

// EncodeFull writes the field's entire current value.
func (f *ValueField[T]) EncodeFull(w *Writer) {
	f.mu.RLock()
	v := f.value
	f.mu.RUnlock()
	f.encode(w, v)
}

// DecodeFull reads a full-record payload and applies it as a remote write.
func (f *ValueField[T]) DecodeFull(r *Reader) error {
	v, err := f.decode(r)
	if err != nil {
		return err
	}
	f.ApplyRemote(v)
	return nil
}

// EncodeDelta is identical to EncodeFull for value fields: the smallest
// delta for a single scalar is the whole value (spec.md §4.3).
func (f *ValueField[T]) EncodeDelta(w *Writer) { f.EncodeFull(w) }

// DecodeDelta is identical to DecodeFull for value fields.
func (f *ValueField[T]) DecodeDelta(r *Reader) error { return f.DecodeFull(r) }

// Rollback restores the value to the last authority-confirmed state, called
// when Reject fires after a failed Validate.
func (f *ValueField[T]) Rollback() {
	f.mu.Lock()
	f.value = f.lastConfirmed
	f.mu.Unlock()
	f.bumpVersion()
}

// Validate applies spec.md §4.7's authority-side staleness checks against
// this field's conflict bookkeeping, without mutating it.
func (f *ValueField[T]) Validate(fromUser byte, senderStateVersion, senderSyncTick uint64) error {
	return f.ValidateAuthority(fromUser, senderStateVersion, senderSyncTick)
}

// Reject rolls the field back to its last confirmed value via the
// Invalidated callback NewValueField installs.
func (f *ValueField[T]) Reject() { f.rejectInternal(f) }

// Confirm snapshots the current value as the new rollback point in addition
// to the ConflictingElement tick bookkeeping.
func (f *ValueField[T]) Confirm(tick uint64) {
	f.mu.Lock()
	f.lastConfirmed = f.value
	f.mu.Unlock()
	f.ConflictingElement.Confirm(tick)
}

// --- Common codecs -------------------------------------------------------

// Float64Codec provides Encode/Decode/Equal for plain float64 fields, using
// an epsilon comparison so floating point jitter doesn't generate deltas
// every tick.
func Float64Codec(epsilon float64) (Encode[float64], Decode[float64], Equal[float64]) {
	enc := func(w *Writer, v float64) { w.WriteFloat64(v) }
	dec := func(r *Reader) (float64, error) { return r.ReadFloat64() }
	eq := func(a, b float64) bool { return math.Abs(a-b) <= epsilon }
	return enc, dec, eq
}

// StringCodec provides Encode/Decode/Equal for string fields.
func StringCodec() (Encode[string], Decode[string], Equal[string]) {
	return func(w *Writer, v string) { w.WriteString(v) },
		func(r *Reader) (string, error) { return r.ReadString() },
		EqualComparable[string]()
}

// BoolCodec provides Encode/Decode/Equal for bool fields.
func BoolCodec() (Encode[bool], Decode[bool], Equal[bool]) {
	return func(w *Writer, v bool) { w.WriteBool(v) },
		func(r *Reader) (bool, error) { return r.ReadBool() },
		EqualComparable[bool]()
}

// Int64Codec provides Encode/Decode/Equal for int64 fields.
func Int64Codec() (Encode[int64], Decode[int64], Equal[int64]) {
	return func(w *Writer, v int64) { w.WriteVarInt(v) },
		func(r *Reader) (int64, error) { return r.ReadVarInt() },
		EqualComparable[int64]()
}

// Vector3 is a minimal 3-component float vector, used by position/velocity
// style value fields.
type Vector3 struct {
	X, Y, Z float64
}

// Vector3Codec provides Encode/Decode/Equal for Vector3 fields, with an
// epsilon-based equality across all three components.
func Vector3Codec(epsilon float64) (Encode[Vector3], Decode[Vector3], Equal[Vector3]) {
	enc := func(w *Writer, v Vector3) {
		w.WriteFloat64(v.X)
		w.WriteFloat64(v.Y)
		w.WriteFloat64(v.Z)
	}
	dec := func(r *Reader) (Vector3, error) {
		x, err := r.ReadFloat64()
		if err != nil {
			return Vector3{}, err
		}
		y, err := r.ReadFloat64()
		if err != nil {
			return Vector3{}, err
		}
		z, err := r.ReadFloat64()
		if err != nil {
			return Vector3{}, err
		}
		return Vector3{X: x, Y: y, Z: z}, nil
	}
	eq := func(a, b Vector3) bool {
		return math.Abs(a.X-b.X) <= epsilon && math.Abs(a.Y-b.Y) <= epsilon && math.Abs(a.Z-b.Z) <= epsilon
	}
	return enc, dec, eq
}

// Quaternion is a minimal rotation quaternion used by orientation fields.
type Quaternion struct {
	X, Y, Z, W float64
}

// QuaternionCodec provides Encode/Decode/Equal for Quaternion fields. Two
// quaternions are considered equal (for dirty-checking) if their dot
// product magnitude is within epsilon of 1, which correctly treats q and -q
// as the same rotation.
func QuaternionCodec(epsilon float64) (Encode[Quaternion], Decode[Quaternion], Equal[Quaternion]) {
	enc := func(w *Writer, v Quaternion) {
		w.WriteFloat64(v.X)
		w.WriteFloat64(v.Y)
		w.WriteFloat64(v.Z)
		w.WriteFloat64(v.W)
	}
	dec := func(r *Reader) (Quaternion, error) {
		x, err := r.ReadFloat64()
		if err != nil {
			return Quaternion{}, err
		}
		y, err := r.ReadFloat64()
		if err != nil {
			return Quaternion{}, err
		}
		z, err := r.ReadFloat64()
		if err != nil {
			return Quaternion{}, err
		}
		w2, err := r.ReadFloat64()
		if err != nil {
			return Quaternion{}, err
		}
		return Quaternion{X: x, Y: y, Z: z, W: w2}, nil
	}
	eq := func(a, b Quaternion) bool {
		dot := a.X*b.X + a.Y*b.Y + a.Z*b.Z + a.W*b.W
		return math.Abs(math.Abs(dot)-1) <= epsilon
	}
	return enc, dec, eq
}
