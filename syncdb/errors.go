package syncdb

import (
	"errors"
	"fmt"
)

// ErrApplyRejected wraps a Database Handle error that refused a batch.
// The frontier is left unadvanced and the stream stays resumable.
var ErrApplyRejected = errors.New("apply rejected by database handle")

// ErrTransportClosed is returned by transport operations after Close.
// Streams treat it as a terminal condition, not a failure to report.
var ErrTransportClosed = errors.New("transport closed")

// ErrSchemaMismatch is returned when a peer announces a schema identity
// different from the local one; no streaming starts toward that peer.
var ErrSchemaMismatch = errors.New("peer schema mismatch")

// ErrSessionStopped is returned when an operation runs against a
// session whose Stop has completed.
var ErrSessionStopped = errors.New("session stopped")

// CausalGapError reports an inbound batch that starts ahead of the
// recorded frontier. It is recovered locally: the stream has already
// requested a resend from Expected when this is returned, so callers
// treat it as informational.
type CausalGapError struct {
	Peer     SiteID
	Expected Version
	Got      Version
}

func (e *CausalGapError) Error() string {
	return fmt.Sprintf("causal gap from %s: batch starts at %d, frontier is %d", e.Peer, e.Got, e.Expected)
}
