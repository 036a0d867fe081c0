package tunnel

import "errors"

// Sentinel errors surfaced by the tunnel core. Callers should compare with
// errors.Is, since Start wraps ErrListenFailed with the underlying error.
var (
	// ErrPoolClosed is returned by Acquire once Close has completed, and by
	// any pending consumer that was parked when Close ran.
	ErrPoolClosed = errors.New("tunnel: socket pool closed")

	// ErrAlreadyStarted is returned by a second call to Start on the same
	// pool. It indicates a programming error in the caller, not client
	// behavior, and is not recovered from.
	ErrAlreadyStarted = errors.New("tunnel: socket pool already started")

	// ErrListenFailed wraps the underlying net.Listen error from Start.
	ErrListenFailed = errors.New("tunnel: failed to start listener")
)
