package core

import "fmt"

// MessageType is the leading byte of every framed message (spec.md §6):
// 1=Delta, 2=Full, 3=Confirmation, 4=Control, 5=Stream, 6=AsyncStream,
// 7=Ping, 8=Disconnect.
type MessageType byte

const (
	MsgDelta        MessageType = 1
	MsgFull         MessageType = 2
	MsgConfirmation MessageType = 3
	MsgControl      MessageType = 4
	MsgStream       MessageType = 5
	MsgAsyncStream  MessageType = 6
	MsgPing         MessageType = 7
	MsgDisconnect   MessageType = 8
)

// DataRecord is one per-element payload inside a batch: the element it
// targets plus the bytes its own delta/full encoder produced (spec.md §4.8).
// Validity/processed bookkeeping used during authority-side validation lives
// alongside it rather than on the wire.
type DataRecord struct {
	TargetID RefID
	Payload  []byte

	// Valid and Processed are set by the sync controller while validating an
	// inbound delta batch (spec.md §4.9); never serialized.
	Valid     bool
	Processed bool
}

// BatchHeader is the common prefix shared by Delta, Full and Confirmation
// batches (spec.md §4.8).
type BatchHeader struct {
	Type               MessageType
	SenderStateVersion uint64
	SenderSyncTick     uint64
	SenderWallTime     float64
	ConfirmTick        uint64 // only written/read when Type == Confirmation
}

// WriteBatchHeader writes a BatchHeader's fields (not including the leading
// type byte, which message.go owns).
func WriteBatchHeader(w *Writer, h BatchHeader) {
	w.WriteVarUint(h.SenderStateVersion)
	w.WriteVarUint(h.SenderSyncTick)
	w.WriteFloat64(h.SenderWallTime)
	if h.Type == MsgConfirmation {
		w.WriteVarUint(h.ConfirmTick)
	}
}

// ReadBatchHeader reads the fields WriteBatchHeader wrote for the given
// type; the caller must already know the type from the outer message tag.
func ReadBatchHeader(r *Reader, msgType MessageType) (BatchHeader, error) {
	h := BatchHeader{Type: msgType}
	var err error
	if h.SenderStateVersion, err = r.ReadVarUint(); err != nil {
		return h, err
	}
	if h.SenderSyncTick, err = r.ReadVarUint(); err != nil {
		return h, err
	}
	if h.SenderWallTime, err = r.ReadFloat64(); err != nil {
		return h, err
	}
	if msgType == MsgConfirmation {
		if h.ConfirmTick, err = r.ReadVarUint(); err != nil {
			return h, err
		}
	}
	return h, nil
}

// WriteRecords writes a record_count-prefixed sequence of DataRecords. The
// caller is responsible for having already sorted records ascending by
// TargetID (spec.md §4.9 "Ordering guarantee").
func WriteRecords(w *Writer, records []DataRecord) {
	w.WriteVarUint(uint64(len(records)))
	for _, rec := range records {
		w.WriteRefID(rec.TargetID)
		w.WriteBytes(rec.Payload)
	}
}

// ReadRecords reads a record_count-prefixed sequence of DataRecords.
func ReadRecords(r *Reader) ([]DataRecord, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out := make([]DataRecord, n)
	for i := range out {
		id, err := r.ReadRefID()
		if err != nil {
			return nil, err
		}
		payload, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		out[i] = DataRecord{TargetID: id, Payload: payload}
	}
	return out, nil
}

// Batch is a fully decoded Delta, Full or Confirmation message body.
type Batch struct {
	Header  BatchHeader
	Records []DataRecord
}

// Encode writes the batch body (not the leading type byte).
func (b *Batch) Encode(w *Writer) {
	WriteBatchHeader(w, b.Header)
	WriteRecords(w, b.Records)
}

// DecodeBatch reads a batch body for the given message type.
func DecodeBatch(r *Reader, msgType MessageType) (*Batch, error) {
	h, err := ReadBatchHeader(r, msgType)
	if err != nil {
		return nil, err
	}
	records, err := ReadRecords(r)
	if err != nil {
		return nil, err
	}
	return &Batch{Header: h, Records: records}, nil
}

// BatchBuilder assembles a Batch one record at a time, enforcing the
// single-in-flight-record discipline of BeginNewDataRecord/FinishDataRecord
// (spec.md §4.8).
type BatchBuilder struct {
	header  BatchHeader
	records []DataRecord

	inFlight    bool
	inFlightID  RefID
	inFlightBuf *Writer
}

// NewBatchBuilder starts a new builder for the given header.
func NewBatchBuilder(header BatchHeader) *BatchBuilder {
	return &BatchBuilder{header: header}
}

// BeginNewDataRecord opens a record targeting id and returns a Writer the
// caller fills with that element's delta/full payload. It is an error to
// call this again before FinishDataRecord.
func (b *BatchBuilder) BeginNewDataRecord(id RefID) (*Writer, error) {
	if b.inFlight {
		return nil, ErrRecordInFlight
	}
	b.inFlight = true
	b.inFlightID = id
	b.inFlightBuf = NewWriter()
	return b.inFlightBuf, nil
}

// FinishDataRecord seals the in-flight record. id must match the one passed
// to BeginNewDataRecord; a mismatch indicates an out-of-order finish, a
// programmer error per spec.md §4.8.
func (b *BatchBuilder) FinishDataRecord(id RefID) error {
	if !b.inFlight {
		return ErrNoRecordInFlight
	}
	if id != b.inFlightID {
		return fmt.Errorf("core: FinishDataRecord(%s) does not match in-flight record %s", id, b.inFlightID)
	}
	b.records = append(b.records, DataRecord{TargetID: id, Payload: b.inFlightBuf.Bytes()})
	b.inFlight = false
	b.inFlightBuf = nil
	return nil
}

// Build sorts the accumulated records ascending by TargetID and returns the
// finished Batch (spec.md §4.9 "Ordering guarantee").
func (b *BatchBuilder) Build() (*Batch, error) {
	if b.inFlight {
		return nil, ErrRecordInFlight
	}
	ids := make([]RefID, len(b.records))
	byID := make(map[RefID]DataRecord, len(b.records))
	for i, rec := range b.records {
		ids[i] = rec.TargetID
		byID[rec.TargetID] = rec
	}
	SortRefIDsAscending(ids)
	sorted := make([]DataRecord, len(ids))
	for i, id := range ids {
		sorted[i] = byID[id]
	}
	return &Batch{Header: b.header, Records: sorted}, nil
}
