package core

import "fmt"

// DefaultAllocationBlockSize is how many consecutive RefID positions a newly
// joined user is granted: positions 1 through positionMask inclusive, i.e.
// one more than `allocation_id_end - allocation_id_start`.
const DefaultAllocationBlockSize = 0x00FFFFFFFFFFFFFF

// HostHandleJoinRequest implements the authority side of spec.md §4.11: it
// allocates a RefID block for the joining user under a fresh user byte,
// constructs bookkeeping for it, and returns the JoinGrant to send back.
// The caller is responsible for actually constructing the world's User
// element inside registry.AllocationBlockBegin(grant.AllocationIDStart,...)
// once this returns, so the element's children receive consecutive IDs.
func (w *World) HostHandleJoinRequest(req *JoinRequest, conn Connection, maxUsers uint32) (*JoinGrant, error) {
	if !w.IsAuthority() {
		return nil, fmt.Errorf("core: HostHandleJoinRequest called on a non-authority world")
	}

	userByte, err := w.nextFreeUserByte()
	if err != nil {
		return nil, err
	}

	start := NewRefID(userByte, 1) // position 0 is reserved for the User element itself
	end := NewRefID(userByte, positionMask)

	info := &UserInfo{
		UserByte:        userByte,
		UserID:          req.UserID,
		AllocationStart: uint64(start),
		AllocationEnd:   uint64(end),
		Connection:      conn,
		Initializing:    true,
	}
	w.RegisterUser(info)

	grant := &JoinGrant{
		AssignedUserID:    uint64(NewRefID(userByte, 0)),
		AllocationIDStart: uint64(start),
		AllocationIDEnd:   uint64(end),
		MaxUsers:          maxUsers,
		WorldTime:         w.TotalTime(),
		StateVersion:      w.StateVersion(),
	}
	return grant, nil
}

// nextFreeUserByte finds the lowest user byte not already assigned, never
// reusing GlobalUserByte or LocalUserByte.
func (w *World) nextFreeUserByte() (byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for b := byte(1); b < LocalUserByte; b++ {
		if _, taken := w.users[b]; !taken {
			return b, nil
		}
	}
	return 0, fmt.Errorf("core: no free user byte available")
}

// GuestHandleJoinGrant applies a received JoinGrant to a guest world: it
// records the expected assigned user byte and transitions to
// InitializingDataModel while it waits for the matching full batch (spec.md
// §4.11). The User element itself is linked as LocalUser later, once it
// actually arrives and is decoded (see GuestLinkLocalUser).
func (w *World) GuestHandleJoinGrant(grant *JoinGrant) {
	w.OnJoinGrantReceived(grant)
}

// GuestLinkLocalUser is called once the User element matching the granted
// assigned_user_id has been decoded out of the initial FullBatch.
func (w *World) GuestLinkLocalUser(assignedUserID RefID) {
	w.SetLocalUser(assignedUserID.UserByte())
}

// GuestHandleJoinStartDelta implements the client side of spec.md §4.11's
// final step: flips to Running, starts accepting deltas, and replays
// whatever delta records were queued while initializing. pendingRecord is
// unexported, so the replay happens here rather than handing the flushed
// queue back to the caller, which would have no way to act on it.
func (w *World) GuestHandleJoinStartDelta() int {
	w.SetState(StateRunning)
	w.SetAcceptDeltas(true)

	flushed := w.FlushPendingAfterJoin()
	applied := 0
	for _, rec := range flushed {
		if err := w.controller.DecodeRecord(rec.record, rec.isFull); err == nil {
			applied++
		} else {
			w.logger.WithError(err).WithField("ref_id", rec.record.TargetID.String()).
				Warn("dropping post-join pending record: still unresolvable")
		}
	}
	return applied
}

// FlushPendingAfterJoin returns (and clears) every pending delta record
// accumulated while initializing, so the caller can replay them now that
// deltas are accepted.
func (w *World) FlushPendingAfterJoin() []*pendingRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*pendingRecord, 0, len(w.pendingDelta))
	for id, rec := range w.pendingDelta {
		out = append(out, rec)
		delete(w.pendingDelta, id)
	}
	return out
}
