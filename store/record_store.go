package store

import (
	"context"
	"errors"

	"github.com/Azarattum/CRSqlite/syncdb"
)

// ErrSetConflict is returned when a local write carries a stale
// expected version for the record it updates.
var ErrSetConflict = errors.New("set conflict")

// StoredRecord is one record as the store holds it, together with the
// site that produced its current value and that site's version.
type StoredRecord struct {
	Id      string
	Data    []byte
	Origin  syncdb.SiteID
	Version syncdb.Version
}

// RecordStore is a database handle with a local mutation surface. The
// sync engine consumes the embedded DBHandle; applications write
// through SetRecord and read through GetRecord.
type RecordStore interface {
	syncdb.DBHandle

	// SetRecord writes a record locally. existingVersion is the
	// version the caller last observed for id (0 for a new record);
	// a mismatch returns ErrSetConflict. On success the record is
	// stamped with the local site and the next local version, which
	// is returned.
	SetRecord(ctx context.Context, id string, data []byte, existingVersion syncdb.Version) (syncdb.Version, error)

	// GetRecord returns the current value of one record.
	GetRecord(ctx context.Context, id string) (StoredRecord, error)

	Close() error
}

// ErrNotFound is returned by GetRecord for an absent record.
var ErrNotFound = errors.New("record not found")
