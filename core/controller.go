package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncElementCodec is the uniform surface the controller needs from every
// concrete element variant: identity/conflict bookkeeping plus full/delta
// codec methods. ValueField, ElementList, Dictionary and
// ReplicatedDictionary all satisfy it.
type SyncElementCodec interface {
	ConflictingSyncElement
	EncodeFull(w *Writer)
	DecodeFull(r *Reader) error
	EncodeDelta(w *Writer)
	DecodeDelta(r *Reader) error
}

// SyncController owns the per-tick dirty set and the batch-level operations
// built on top of it: collecting a DeltaBatch, producing a FullBatch on
// demand, and authority-side validation (spec.md §4.9).
type SyncController struct {
	mu       sync.Mutex
	registry *Registry
	logger   *logrus.Logger

	dirty      map[RefID]SyncElementCodec
	collecting bool
}

// NewSyncController builds a controller bound to registry for full-batch
// enumeration and pending-record resolution.
func NewSyncController(registry *Registry, logger *logrus.Logger) *SyncController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SyncController{
		registry: registry,
		logger:   logger,
		dirty:    make(map[RefID]SyncElementCodec),
	}
}

// AddDirtySyncElement enqueues e for the next delta batch. Fails with
// ErrClosedForCollection while CollectDeltaBatch is mid-emission; an element
// already present is a no-op since the element's own is_dirty flag is the
// real de-duplication guard (spec.md §4.9 "Dirty-set contract").
func (c *SyncController) AddDirtySyncElement(e SyncElementCodec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collecting {
		return ErrClosedForCollection
	}
	c.dirty[e.RefID()] = e
	return nil
}

// CollectDeltaBatch snapshots and clears the dirty set, emits one record per
// element in ascending RefID order, and clears each element's dirty flag
// (spec.md §4.9 "Ordering guarantee"). header.Type must be MsgDelta.
func (c *SyncController) CollectDeltaBatch(header BatchHeader) (*Batch, error) {
	c.mu.Lock()
	c.collecting = true
	snapshot := c.dirty
	c.dirty = make(map[RefID]SyncElementCodec)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.collecting = false
		c.mu.Unlock()
	}()

	ids := make([]RefID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	SortRefIDsAscending(ids)

	builder := NewBatchBuilder(header)
	for _, id := range ids {
		elem := snapshot[id]
		w, err := builder.BeginNewDataRecord(id)
		if err != nil {
			return nil, err
		}
		elem.EncodeDelta(w)
		if err := builder.FinishDataRecord(id); err != nil {
			return nil, err
		}
		elem.clearDirty()
	}
	return builder.Build()
}

// CollectFullBatch enumerates every non-local element currently registered
// and emits a full-state record for each, for new-joiner initialization
// (spec.md §4.9).
func (c *SyncController) CollectFullBatch(header BatchHeader) (*Batch, error) {
	all := c.registry.Snapshot()
	ids := make([]RefID, 0, len(all))
	byID := make(map[RefID]SyncElementCodec, len(all))
	for _, e := range all {
		if e.RefID().IsLocal() {
			continue
		}
		codec, ok := e.(SyncElementCodec)
		if !ok {
			continue
		}
		ids = append(ids, e.RefID())
		byID[e.RefID()] = codec
	}
	SortRefIDsAscending(ids)

	builder := NewBatchBuilder(header)
	for _, id := range ids {
		elem := byID[id]
		w, err := builder.BeginNewDataRecord(id)
		if err != nil {
			return nil, err
		}
		elem.EncodeFull(w)
		if err := builder.FinishDataRecord(id); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// ValidationResult splits an inbound DeltaBatch's records into the ones the
// authority accepts (to retransmit) and the ones it rejects (to correct),
// per spec.md §4.9 "Validate an incoming DeltaBatch (authority only)".
type ValidationResult struct {
	Accepted []DataRecord
	Rejected []DataRecord
}

// ValidateDeltaBatch runs each record's element-level Validate against the
// element's current conflict bookkeeping *before* touching its payload
// (spec.md §4.7): a record that fails Validate is rejected without ever
// being decoded, so a conflicting write never mutates authority state. A
// record that passes is decoded and then Accept()-ed, recording the new
// bookkeeping, and placed in Accepted for retransmission. Records whose
// target isn't registered are returned separately so the caller can park
// them as pending.
func (c *SyncController) ValidateDeltaBatch(batch *Batch, fromUser byte, hostStateVersion uint64) (ValidationResult, []DataRecord) {
	var result ValidationResult
	var pending []DataRecord
	for _, rec := range batch.Records {
		elem, ok := c.registry.Lookup(rec.TargetID)
		if !ok {
			pending = append(pending, rec)
			continue
		}
		codec, ok := elem.(SyncElementCodec)
		if !ok {
			continue
		}
		if err := codec.Validate(fromUser, batch.Header.SenderStateVersion, batch.Header.SenderSyncTick); err != nil {
			result.Rejected = append(result.Rejected, rec)
			continue
		}
		if err := codec.DecodeDelta(NewReader(rec.Payload)); err != nil {
			pending = append(pending, rec)
			continue
		}
		codec.Accept(fromUser, batch.Header.SenderSyncTick, hostStateVersion)
		result.Accepted = append(result.Accepted, rec)
	}
	return result, pending
}

// BuildCorrections assembles a Confirmation batch carrying the authoritative
// full-state of every rejected record, addressed back to the sender whose
// delta batch produced them (spec.md §4.7 "sends a Confirmation batch to the
// original sender that contains the authoritative full-state of each
// conflicted element"). confirmTick identifies the sender's sync tick being
// corrected.
func (c *SyncController) BuildCorrections(rejected []DataRecord, confirmTick uint64) (*Batch, error) {
	ids := make([]RefID, 0, len(rejected))
	for _, rec := range rejected {
		ids = append(ids, rec.TargetID)
	}
	SortRefIDsAscending(ids)

	builder := NewBatchBuilder(BatchHeader{Type: MsgConfirmation, ConfirmTick: confirmTick})
	for _, id := range ids {
		elem, ok := c.registry.Lookup(id)
		if !ok {
			continue
		}
		codec, ok := elem.(SyncElementCodec)
		if !ok {
			continue
		}
		w, err := builder.BeginNewDataRecord(id)
		if err != nil {
			return nil, err
		}
		codec.EncodeFull(w)
		if err := builder.FinishDataRecord(id); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// DecodeRecord applies one record against its registered target. It returns
// ErrNotInRegistry (wrapped) when the target isn't known yet, the signal the
// pipeline uses to park the record as pending (spec.md §4.10).
func (c *SyncController) DecodeRecord(rec DataRecord, isFull bool) error {
	elem, ok := c.registry.Lookup(rec.TargetID)
	if !ok {
		return ErrNotInRegistry
	}
	codec, ok := elem.(SyncElementCodec)
	if !ok {
		return ErrNotInRegistry
	}
	r := NewReader(rec.Payload)
	if isFull {
		return codec.DecodeFull(r)
	}
	return codec.DecodeDelta(r)
}
