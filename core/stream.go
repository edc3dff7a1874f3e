package core

// StreamGroup is an opaque tag carried in stream messages. Neither core nor
// transport/libp2p branches on its value; streams are sent per connection
// like every other message, and the receiving application may filter on it.
type StreamGroup uint16

// StreamMessage is an unreliable, best-effort, time-bounded payload (spec.md
// §4.8). A stream older than MaxAge on receipt is discarded rather than
// applied.
type StreamMessage struct {
	UserID             byte
	StreamStateVersion uint64
	StreamTime         float64
	StreamGroup        StreamGroup
	IsAsync            bool
	Payload            []byte
}

// Encode writes the stream body (not the leading type byte; MsgStream vs.
// MsgAsyncStream is the enclosing Message's Type, which Pipeline.emitStreams
// picks from IsAsync).
func (s *StreamMessage) Encode(w *Writer) {
	w.WriteByte(s.UserID)
	w.WriteVarUint(s.StreamStateVersion)
	w.WriteFloat64(s.StreamTime)
	w.WriteVarUint(uint64(s.StreamGroup))
	w.WriteBool(s.IsAsync)
	w.WriteBytes(s.Payload)
}

// DecodeStreamMessage reads a stream body written by Encode.
func DecodeStreamMessage(r *Reader) (*StreamMessage, error) {
	s := &StreamMessage{}
	var err error
	if s.UserID, err = r.ReadByte(); err != nil {
		return nil, err
	}
	if s.StreamStateVersion, err = r.ReadVarUint(); err != nil {
		return nil, err
	}
	if s.StreamTime, err = r.ReadFloat64(); err != nil {
		return nil, err
	}
	group, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	s.StreamGroup = StreamGroup(group)
	if s.IsAsync, err = r.ReadBool(); err != nil {
		return nil, err
	}
	if s.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsExpired reports whether the stream is older than maxAge (seconds) as of
// nowWallTime, and should be discarded rather than applied (spec.md §4.8).
func (s *StreamMessage) IsExpired(nowWallTime, maxAge float64) bool {
	return nowWallTime-s.StreamTime > maxAge
}
