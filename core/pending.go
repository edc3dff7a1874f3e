package core

// ParkPending parks rec because its target RefID wasn't registered yet,
// keyed by target so a later duplicate park just resets the attempt clock
// (spec.md §4.10 "Pending records"). If the relevant queue is already at
// MaxQueueSize, the newest record is dropped with a warning, per spec.md §8
// "A pending-delta queue at its cap drops newest."
func (w *World) ParkPending(rec DataRecord, isFull bool, currentTick uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := w.pendingDelta
	if isFull {
		queue = w.pendingFull
	}
	if _, exists := queue[rec.TargetID]; !exists && len(queue) >= w.limits.MaxQueueSize {
		w.logger.WithField("ref_id", rec.TargetID.String()).Warn("pending queue at capacity, dropping newest record")
		if w.metrics != nil {
			w.metrics.PendingRecordsDropped.Inc()
		}
		return
	}
	queue[rec.TargetID] = &pendingRecord{record: rec, isFull: isFull, parkedTick: currentTick}
	if w.metrics != nil {
		w.metrics.PendingRecordsParked.Inc()
	}
}

// RetryPending returns every pending record (full and delta) still within
// MaxAgeTicks/MaxAttempts as of currentTick, incrementing each one's attempt
// counter. Records exceeding either bound are dropped with a warning and
// not returned (spec.md §4.10).
func (w *World) RetryPending(currentTick uint64) []pendingRecordRetry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []pendingRecordRetry
	for _, queue := range []map[RefID]*pendingRecord{w.pendingFull, w.pendingDelta} {
		for id, p := range queue {
			age := currentTick - p.parkedTick
			if age > w.limits.MaxAgeTicks || p.attempts >= w.limits.MaxAttempts {
				w.logger.WithFields(map[string]interface{}{
					"ref_id":   id.String(),
					"age":      age,
					"attempts": p.attempts,
				}).Warn("dropping expired pending record")
				delete(queue, id)
				if w.metrics != nil {
					w.metrics.PendingRecordsDropped.Inc()
				}
				continue
			}
			p.attempts++
			out = append(out, pendingRecordRetry{Record: p.record, IsFull: p.isFull})
		}
	}
	return out
}

// EvictPending removes a pending record for id from both queues, called
// once a retry successfully decodes (spec.md §4.10: "replayed ... and
// evicted").
func (w *World) EvictPending(id RefID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pendingFull, id)
	delete(w.pendingDelta, id)
}

// pendingRecordRetry is the value RetryPending hands back to the pipeline:
// enough to re-attempt DecodeRecord without exposing the internal
// bookkeeping struct.
type pendingRecordRetry struct {
	Record DataRecord
	IsFull bool
}

// RecordChangesToConfirm tracks the set of target_ref_ids a guest's outgoing
// delta batch at sync tick tick covers, so the matching Confirmation can
// later mark each one confirmed and evict any trash entry under it (spec.md
// §4.10 step 7/step 3 "evict corresponding trash entries").
func (w *World) RecordChangesToConfirm(tick uint64, ids []RefID) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changesToConfirm[tick] = append(w.changesToConfirm[tick], ids...)
}

// ChangesToConfirm returns the target ids recorded under tick, if any.
func (w *World) ChangesToConfirm(tick uint64) []RefID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.changesToConfirm[tick]
}

// ClearChangesToConfirm drops the bookkeeping for tick once its Confirmation
// has been fully applied.
func (w *World) ClearChangesToConfirm(tick uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.changesToConfirm, tick)
}
