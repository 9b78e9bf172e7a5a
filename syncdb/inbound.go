package syncdb

import (
	"context"
	"fmt"
	"sync"
)

// InboundStream consumes change batches from peers, enforces per-peer
// causal contiguity and advances the recorded frontier only after the
// database confirmed an apply.
type InboundStream struct {
	handle    DBHandle
	transport Transport

	mu       sync.Mutex
	frontier VersionFrontier
	prepared bool
}

// NewInboundStream wires an inbound stream to its database handle and
// the transport used for gap-recovery requests.
func NewInboundStream(handle DBHandle, transport Transport) *InboundStream {
	return &InboundStream{
		handle:    handle,
		transport: transport,
		frontier:  make(VersionFrontier),
	}
}

// Prepare seeds the per-peer expectation state. It must run before the
// transport delivers any batch.
func (s *InboundStream) Prepare(frontier VersionFrontier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontier = frontier.Clone()
	s.prepared = true
}

// LastSeen returns the recorded frontier for peer.
func (s *InboundStream) LastSeen(peer SiteID) Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontier[peer]
}

// ReceiveChanges validates and applies one inbound batch.
//
// A batch entirely at or below the frontier is a duplicate and is
// dropped without error. A batch overlapping the frontier has its
// already-seen prefix discarded. A batch starting past the frontier is
// a gap: a resend request from the current frontier is sent to the
// peer and a *CausalGapError is returned; nothing is applied. Frontier
// advancement happens only after the handle confirms the apply.
func (s *InboundStream) ReceiveChanges(ctx context.Context, batch ChangeBatch) error {
	s.mu.Lock()
	if !s.prepared {
		s.mu.Unlock()
		return fmt.Errorf("inbound stream not prepared")
	}
	seen := s.frontier[batch.Sender]
	s.mu.Unlock()

	if batch.To <= seen {
		// Duplicate delivery, already applied.
		return nil
	}
	if batch.From > seen {
		gap := &CausalGapError{Peer: batch.Sender, Expected: seen, Got: batch.From}
		if err := s.transport.SendResetStream(ctx, seen); err != nil && err != ErrTransportClosed {
			return fmt.Errorf("requesting resend after gap: %w", err)
		}
		return gap
	}

	// Discard the already-seen prefix of an overlapping batch.
	fresh := batch.Changes
	for len(fresh) > 0 && fresh[0].Version <= seen {
		fresh = fresh[1:]
	}

	if len(fresh) > 0 {
		if err := s.handle.ApplyChanges(ctx, batch.Sender, fresh); err != nil {
			return fmt.Errorf("%w: %v", ErrApplyRejected, err)
		}
	}
	if err := s.handle.RecordLastSeen(ctx, batch.Sender, batch.To); err != nil {
		return fmt.Errorf("recording last seen for %s: %w", batch.Sender, err)
	}

	s.mu.Lock()
	if batch.To > s.frontier[batch.Sender] {
		s.frontier[batch.Sender] = batch.To
	}
	s.mu.Unlock()
	return nil
}
