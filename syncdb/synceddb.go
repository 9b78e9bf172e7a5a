package syncdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// SyncedDB binds one database handle to one transport for the lifetime
// of a sync session. It implements Handler, so registering it on the
// transport is the entire inbound wiring.
type SyncedDB struct {
	name      string
	handle    DBHandle
	transport Transport
	in        *InboundStream
	out       *OutboundStream

	mu      sync.Mutex
	schema  SchemaIdentity
	started bool
	stopped bool
}

// NewSyncedDB assembles a session over an already constructed handle
// and transport. The session is inert until Start.
func NewSyncedDB(name string, handle DBHandle, transport Transport, batchSize int) *SyncedDB {
	return &SyncedDB{
		name:      name,
		handle:    handle,
		transport: transport,
		in:        NewInboundStream(handle, transport),
		out:       NewOutboundStream(handle, transport, batchSize),
	}
}

// Name returns the logical database name this session syncs.
func (s *SyncedDB) Name() string { return s.name }

// Start wires the streams to the transport and announces presence.
// The session is not observable to peers, and accepts no traffic,
// before Start completes.
func (s *SyncedDB) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %q already started", s.name)
	}
	s.mu.Unlock()

	frontier, err := s.handle.LastSeens(ctx)
	if err != nil {
		return fmt.Errorf("reading frontier: %w", err)
	}
	schema, err := s.handle.SchemaNameAndVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema identity: %w", err)
	}

	s.in.Prepare(frontier)

	s.mu.Lock()
	s.schema = schema
	s.started = true
	s.mu.Unlock()

	s.transport.Register(s)
	err = s.transport.AnnouncePresence(ctx, PresenceAnnouncement{
		LastSeens:     frontier,
		SchemaName:    schema.Name,
		SchemaVersion: schema.Version,
		Sender:        s.handle.SiteID(),
	})
	if err != nil {
		return fmt.Errorf("announcing presence: %w", err)
	}
	return nil
}

// Stop halts outbound production and closes the transport. It is
// idempotent: stopping an already stopped session is a no-op that
// still succeeds.
func (s *SyncedDB) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.out.Stop()
	if err := s.transport.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
		log.Printf("session %q: closing transport: %v", s.name, err)
	}
	return nil
}

// NotifyLocalChange tells the session new local mutations exist so the
// outbound stream resumes if it had drained.
func (s *SyncedDB) NotifyLocalChange() {
	s.out.NotifyLocalChange()
}

// HandlePresence checks schema compatibility and begins streaming to
// the announcing peer from the version it reports having seen from us.
func (s *SyncedDB) HandlePresence(ctx context.Context, p PresenceAnnouncement) error {
	s.mu.Lock()
	schema := s.schema
	s.mu.Unlock()

	if p.SchemaName != schema.Name || p.SchemaVersion != schema.Version {
		return fmt.Errorf("%w: peer %s has %s/%d, local is %s/%d",
			ErrSchemaMismatch, p.Sender, p.SchemaName, p.SchemaVersion, schema.Name, schema.Version)
	}
	return s.HandleStartStreaming(ctx, p.LastSeens[s.handle.SiteID()], p.Sender)
}

// HandleChanges feeds an inbound batch to the inbound stream. A causal
// gap is recovered by the stream itself and only logged here.
func (s *SyncedDB) HandleChanges(ctx context.Context, batch ChangeBatch) error {
	err := s.in.ReceiveChanges(ctx, batch)
	var gap *CausalGapError
	if errors.As(err, &gap) {
		log.Printf("session %q: %v, requested resend", s.name, gap)
		return nil
	}
	return err
}

// HandleStartStreaming repositions outbound production for the peer.
func (s *SyncedDB) HandleStartStreaming(ctx context.Context, from Version, peer SiteID) error {
	return s.out.StartStreaming(ctx, from, peer)
}

// HandleResetStream rewinds outbound production to newFrom.
func (s *SyncedDB) HandleResetStream(ctx context.Context, newFrom Version) error {
	s.out.ResetStream(newFrom)
	return nil
}
