package lock

import "errors"

// ErrAcquisitionTimeout means the resource stayed busy for the whole
// acquisition budget.  It is retryable and should be surfaced to users
// as "system busy".
var ErrAcquisitionTimeout = errors.New("lock: acquisition timeout")

// ErrQuorumLost means a held lease can no longer be proven by a majority
// of nodes, either because its validity window ran out or because an
// extension failed.  Callers must abort and persist nothing.
var ErrQuorumLost = errors.New("lock: quorum lost")

// ErrReleaseFailed is returned when at least one node could not be asked
// to drop the lease.  It is non-fatal: the TTL releases the key anyway.
var ErrReleaseFailed = errors.New("lock: release failed")

// ErrQuorumUnavailable means too few cache nodes answered for a majority
// to ever be reached.  The manager never degrades to single-node locking.
var ErrQuorumUnavailable = errors.New("lock: quorum unavailable")

// ErrNotHeld is returned when operating on a lease that was already
// released.
var ErrNotHeld = errors.New("lock: lease not held")

// ErrInvalidKey rejects malformed resource keys.
var ErrInvalidKey = errors.New("lock: invalid resource key")

// errContended is the internal result of an attempt that found the key
// held elsewhere.
var errContended = errors.New("lock: contended")
