package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ControlSubtype discriminates the payload following a Control message's
// type byte (spec.md §4.11, §6).
type ControlSubtype byte

const (
	ControlJoinRequest ControlSubtype = iota + 1
	ControlJoinGrant
	ControlJoinStartDelta
	ControlJoinReject
	ControlServerClose
	ControlRequestFullState
)

// JoinRequest is sent client -> host to begin the join handshake.
type JoinRequest struct {
	UserName   string
	MachineID  string
	UserID     uint64
	HeadDevice string
}

// JoinGrant is sent host -> client once the host has allocated the joining
// user's RefID block.
type JoinGrant struct {
	AssignedUserID    uint64
	AllocationIDStart uint64
	AllocationIDEnd   uint64
	MaxUsers          uint32
	WorldTime         float64
	StateVersion      uint64
}

// JoinStartDelta tells the client its full-batch initialization is complete
// and it should start accepting/emitting deltas.
type JoinStartDelta struct{}

// JoinReject carries a human-readable reason the host refused the join.
type JoinReject struct {
	Reason string
}

// ServerClose announces a graceful host shutdown.
type ServerClose struct {
	Reason string
}

// RequestFullState asks the host to resend a full batch, e.g. after a guest
// suspects its graph has drifted (spec.md §9: treated like a fresh join).
type RequestFullState struct{}

// ControlMessage pairs a subtype with its RLP-encoded body.
type ControlMessage struct {
	Subtype ControlSubtype
	Body    []byte
}

// EncodeControlMessage RLP-encodes payload (the teacher's own choice for
// message bodies whose exact byte layout is not spec-mandated) and wraps it
// with a varlen length prefix behind the subtype byte.
func EncodeControlMessage(w *Writer, subtype ControlSubtype, payload interface{}) error {
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return fmt.Errorf("core: rlp encode control message %d: %w", subtype, err)
	}
	w.WriteByte(byte(subtype))
	w.WriteBytes(body)
	return nil
}

// DecodeControlMessage reads the subtype and raw RLP body, without decoding
// the body itself (callers know which Go type to decode into from Subtype).
func DecodeControlMessage(r *Reader) (*ControlMessage, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	body, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &ControlMessage{Subtype: ControlSubtype(tag), Body: body}, nil
}

// DecodeJoinRequest RLP-decodes a ControlMessage's body as a JoinRequest.
func (c *ControlMessage) DecodeJoinRequest() (*JoinRequest, error) {
	var v JoinRequest
	if err := rlp.DecodeBytes(c.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DecodeJoinGrant RLP-decodes a ControlMessage's body as a JoinGrant.
func (c *ControlMessage) DecodeJoinGrant() (*JoinGrant, error) {
	var v JoinGrant
	if err := rlp.DecodeBytes(c.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DecodeJoinReject RLP-decodes a ControlMessage's body as a JoinReject.
func (c *ControlMessage) DecodeJoinReject() (*JoinReject, error) {
	var v JoinReject
	if err := rlp.DecodeBytes(c.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// DecodeServerClose RLP-decodes a ControlMessage's body as a ServerClose.
func (c *ControlMessage) DecodeServerClose() (*ServerClose, error) {
	var v ServerClose
	if err := rlp.DecodeBytes(c.Body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Message is a fully decoded, type-tagged wire message (spec.md §6). Exactly
// one of the payload fields is non-nil, selected by Type.
type Message struct {
	Type MessageType

	Batch   *Batch
	Stream  *StreamMessage
	Control *ControlMessage
}

// Encode writes the full wire frame: the leading type byte followed by the
// type-specific body.
func (m *Message) Encode(w *Writer) error {
	w.WriteByte(byte(m.Type))
	switch m.Type {
	case MsgDelta, MsgFull, MsgConfirmation:
		if m.Batch == nil {
			return fmt.Errorf("core: message type %d missing batch body", m.Type)
		}
		m.Batch.Encode(w)
	case MsgStream, MsgAsyncStream:
		if m.Stream == nil {
			return fmt.Errorf("core: message type %d missing stream body", m.Type)
		}
		m.Stream.Encode(w)
	case MsgControl:
		if m.Control == nil {
			return fmt.Errorf("core: control message missing body")
		}
		w.WriteByte(byte(m.Control.Subtype))
		w.WriteBytes(m.Control.Body)
	case MsgPing, MsgDisconnect:
		// no body
	default:
		return fmt.Errorf("%w: %d", ErrBadTypeTag, m.Type)
	}
	return nil
}

// DecodeMessage reads a full wire frame, dispatching on the leading type
// byte (spec.md §6).
func DecodeMessage(r *Reader) (*Message, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	msgType := MessageType(tag)
	m := &Message{Type: msgType}

	switch msgType {
	case MsgDelta, MsgFull, MsgConfirmation:
		batch, err := DecodeBatch(r, msgType)
		if err != nil {
			return nil, err
		}
		m.Batch = batch
	case MsgStream, MsgAsyncStream:
		stream, err := DecodeStreamMessage(r)
		if err != nil {
			return nil, err
		}
		m.Stream = stream
	case MsgControl:
		ctrl, err := DecodeControlMessage(r)
		if err != nil {
			return nil, err
		}
		m.Control = ctrl
	case MsgPing, MsgDisconnect:
		// no body
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadTypeTag, tag)
	}
	return m, nil
}
