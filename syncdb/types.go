package syncdb

// SiteID uniquely identifies a database replica. It is assigned by the
// store when the database is first created and never changes.
type SiteID string

// Version is a per-site change version. Each site numbers its own
// changes with a strictly increasing counter.
type Version int64

// VersionFrontier maps a peer site to the highest version causally
// received from it. The Database Handle persists it across sessions so
// re-sync resumes incrementally.
type VersionFrontier map[SiteID]Version

// Clone returns a copy of the frontier that the caller may mutate.
func (f VersionFrontier) Clone() VersionFrontier {
	out := make(VersionFrontier, len(f))
	for site, v := range f {
		out[site] = v
	}
	return out
}

// SchemaIdentity names the local schema shape. Peers exchange it during
// presence announcement to detect incompatibility before streaming.
type SchemaIdentity struct {
	Name    string
	Version int64
}

// Change is a single record-level change. Data is opaque to the sync
// engine; the store owns its encoding and merge semantics.
type Change struct {
	ID      string
	Data    []byte
	Version Version
}

// ChangeBatch carries an ordered run of changes produced by Sender.
// From is the frontier the sender believed the receiver holds; the
// batch covers the half-open version range (From, To]. Changes are
// sorted by ascending Version.
//
// Relative to the receiver's recorded frontier f:
//   - To <= f          pure duplicate, dropped
//   - From <= f < To   overlap, only the suffix with Version > f applies
//   - From > f         gap, nothing applies
type ChangeBatch struct {
	Sender  SiteID
	From    Version
	To      Version
	Changes []Change
}

// PresenceAnnouncement is the handshake a session broadcasts when it
// starts. It is the one message shape the engine defines; all other
// framing belongs to the transport.
type PresenceAnnouncement struct {
	LastSeens     VersionFrontier
	SchemaName    string
	SchemaVersion int64
	Sender        SiteID
}
