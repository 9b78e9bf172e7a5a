package syncdb

import "context"

// DBHandle is the engine's view of the local database. The store owns
// identity, frontier persistence and the actual merge of applied
// changes; the engine only sequences what flows through it.
type DBHandle interface {
	// SiteID returns the local replica identity.
	SiteID() SiteID

	// LastSeens returns the persisted per-peer frontier for the
	// current schema.
	LastSeens(ctx context.Context) (VersionFrontier, error)

	// SchemaNameAndVersion returns the local schema identity.
	SchemaNameAndVersion(ctx context.Context) (SchemaIdentity, error)

	// ApplyChanges merges changes originating at peer into the local
	// database. An error means nothing from this call may be treated
	// as applied.
	ApplyChanges(ctx context.Context, peer SiteID, changes []Change) error

	// RecordLastSeen persists that every change from peer up to and
	// including version has been applied.
	RecordLastSeen(ctx context.Context, peer SiteID, version Version) error

	// ChangesSince returns up to limit local changes with
	// Version > since, ordered by ascending Version.
	ChangesSince(ctx context.Context, since Version, limit int) ([]Change, error)
}

// Handler receives inbound protocol events from a Transport. SyncedDB
// implements it; the transport dispatches to whatever was registered.
type Handler interface {
	// HandlePresence is invoked when a peer announces itself.
	HandlePresence(ctx context.Context, p PresenceAnnouncement) error

	// HandleChanges is invoked for every inbound change batch.
	HandleChanges(ctx context.Context, batch ChangeBatch) error

	// HandleStartStreaming is invoked when a peer asks for changes
	// beginning after from.
	HandleStartStreaming(ctx context.Context, from Version, peer SiteID) error

	// HandleResetStream is invoked when a peer rejects previously
	// sent changes and wants production rewound to newFrom.
	HandleResetStream(ctx context.Context, newFrom Version) error
}

// Transport moves protocol messages to and from one peer. Concrete
// implementations live outside the engine; the engine only requires
// that sends block for flow control and that operations after Close
// return ErrTransportClosed instead of panicking.
type Transport interface {
	// Register installs the handler inbound events are dispatched to.
	// It must be called before any traffic is delivered.
	Register(h Handler)

	// AnnouncePresence broadcasts the session handshake.
	AnnouncePresence(ctx context.Context, p PresenceAnnouncement) error

	// SendChanges delivers a change batch to the peer. It blocks until
	// the wire accepts the batch, providing backpressure.
	SendChanges(ctx context.Context, batch ChangeBatch) error

	// SendResetStream asks the peer to rewind its outbound production
	// so that the next batch starts after newFrom.
	SendResetStream(ctx context.Context, newFrom Version) error

	// Close tears the transport down. Further sends return
	// ErrTransportClosed.
	Close() error
}
