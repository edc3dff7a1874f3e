package core

import "errors"

// Error taxonomy for the sync engine. These are sentinel errors so callers
// can use errors.Is across the wrapped chain produced by fmt.Errorf("%w", ...).
var (
	// Semantic errors (spec.md §7 "Semantic").
	ErrNamespaceExhausted = errors.New("core: refid namespace exhausted")
	ErrDuplicateID        = errors.New("core: duplicate refid registration")
	ErrNotInRegistry      = errors.New("core: target refid not in registry")
	ErrUnbalancedAlloc    = errors.New("core: allocation block end without matching begin")

	// Framing errors (spec.md §7 "Framing").
	ErrTruncated  = errors.New("core: truncated varlen integer")
	ErrOverlong   = errors.New("core: overlong varlen integer")
	ErrBadTypeTag = errors.New("core: unrecognized message type tag")
	ErrShortRead  = errors.New("core: payload shorter than declared length")

	// Schema errors (spec.md §7 "Schema").
	ErrUnknownElementKind = errors.New("core: replicated dictionary cannot create element of unknown kind")

	// Concurrency / programmer-misuse errors (spec.md §7 "Concurrency").
	ErrDisposed            = errors.New("core: operation on disposed element")
	ErrDriven              = errors.New("core: element is driven by a link and rejects external mutation")
	ErrClosedForCollection = errors.New("core: dirty set closed while controller is collecting a batch")
	ErrRecordInFlight      = errors.New("core: a data record is already in flight on this batch")
	ErrNoRecordInFlight    = errors.New("core: FinishDataRecord called with no in-flight record")

	// Protocol errors (spec.md §7 "Protocol") — these are not fatal; they
	// cause a message to be deferred or ignored, never propagated as a hard
	// failure. They're still named so callers can log/metric on them.
	ErrNotRunning         = errors.New("core: world is not Running")
	ErrDeltasNotAccepted  = errors.New("core: guest is not yet accepting deltas")
	ErrUnknownConfirmTick = errors.New("core: confirmation for unknown sync tick")
	ErrStaleConfirm       = errors.New("core: confirm() called with a tick <= last confirmed tick")
	ErrConflict           = errors.New("core: element rejected the incoming change as a conflict")
	ErrIgnore             = errors.New("core: element ignored the incoming change (driven/host-only)")
)
