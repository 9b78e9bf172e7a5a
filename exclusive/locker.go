// Package exclusive arbitrates which execution context owns the active
// sync session for a logical database name. At most one holder exists
// per name at any instant; a holder that dies without releasing is
// recovered through lease expiry.
package exclusive

import "context"

// Lease is a granted exclusive hold on a name.
type Lease interface {
	// Done is closed when the hold ends, whether through Release or
	// through loss (expiry, holder death).
	Done() <-chan struct{}

	// Release gives the hold up, letting the next waiter acquire.
	// It is idempotent.
	Release() error
}

// Locker is a named mutual-exclusion primitive. Acquire blocks until
// the caller is the sole holder for name or ctx is canceled; a
// canceled wait leaves no waiter slot behind.
type Locker interface {
	Acquire(ctx context.Context, name, holderID string) (Lease, error)
}
