package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/Azarattum/CRSqlite/store"
	"github.com/Azarattum/CRSqlite/syncdb"
	"github.com/google/uuid"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	metaSiteID        = "site_id"
	metaSchemaName    = "schema_name"
	metaSchemaVersion = "schema_version"
)

// SQLiteRecordStore implements store.RecordStore over a single SQLite
// file. Records live next to the sync bookkeeping: the per-peer
// frontier, the local version counter and the site identity.
type SQLiteRecordStore struct {
	db       *sql.DB
	siteID   syncdb.SiteID
	schema   syncdb.SchemaIdentity
	onChange func()
}

// New opens (creating and migrating if needed) the record store at
// file. A fresh database is assigned a random site identity; the given
// schema identity is persisted for presence announcements.
func New(file string, schema syncdb.SchemaIdentity) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, file, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	s := &SQLiteRecordStore{db: db, schema: schema}
	if err := s.initMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initMeta loads or assigns the site identity and persists the schema
// identity.
func (s *SQLiteRecordStore) initMeta() error {
	var site string
	err := s.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", metaSiteID).Scan(&site)
	if err == sql.ErrNoRows {
		site = uuid.NewString()
		if _, err := s.db.Exec("INSERT INTO sync_meta (key, value) VALUES (?, ?)", metaSiteID, site); err != nil {
			return fmt.Errorf("failed to assign site id: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read site id: %w", err)
	}
	s.siteID = syncdb.SiteID(site)

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?), (?, ?)",
		metaSchemaName, s.schema.Name,
		metaSchemaVersion, fmt.Sprintf("%d", s.schema.Version))
	if err != nil {
		return fmt.Errorf("failed to persist schema identity: %w", err)
	}
	return nil
}

// SetChangeListener registers fn to run after every successful local
// write. The sync session's NotifyLocalChange is the intended target.
func (s *SQLiteRecordStore) SetChangeListener(fn func()) {
	s.onChange = fn
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRecordStore) SiteID() syncdb.SiteID {
	return s.siteID
}

func (s *SQLiteRecordStore) SchemaNameAndVersion(ctx context.Context) (syncdb.SchemaIdentity, error) {
	return s.schema, nil
}

func (s *SQLiteRecordStore) SetRecord(ctx context.Context, id string, data []byte, existingVersion syncdb.Version) (syncdb.Version, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// check that the existing version is the one the caller expects
	var version int64
	err = tx.QueryRow("SELECT version FROM records WHERE id = ?", id).Scan(&version)
	if err != sql.ErrNoRows {
		if err != nil {
			return 0, fmt.Errorf("failed to get record's latest version: %w", err)
		}
		if int64(existingVersion) != version {
			return 0, store.ErrSetConflict
		}
	}

	// bump the local site's version counter
	var newVersion int64
	err = tx.QueryRow("SELECT version FROM site_versions WHERE site_id = ?", string(s.siteID)).Scan(&newVersion)
	if err != sql.ErrNoRows && err != nil {
		return 0, fmt.Errorf("failed to get site's latest version: %w", err)
	}
	if newVersion == 0 {
		err = tx.QueryRow("INSERT INTO site_versions (site_id, version) VALUES (?, ?) RETURNING version",
			string(s.siteID), 1).Scan(&newVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to insert site's version: %w", err)
		}
	} else {
		err = tx.QueryRow("UPDATE site_versions SET version = version + 1 WHERE site_id = ? RETURNING version",
			string(s.siteID)).Scan(&newVersion)
		if err != nil {
			return 0, fmt.Errorf("failed to update site's version: %w", err)
		}
	}

	_, err = tx.Exec("INSERT OR REPLACE INTO records (id, data, origin, version) VALUES (?, ?, ?, ?)",
		id, data, string(s.siteID), newVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	if s.onChange != nil {
		s.onChange()
	}
	return syncdb.Version(newVersion), nil
}

func (s *SQLiteRecordStore) GetRecord(ctx context.Context, id string) (store.StoredRecord, error) {
	record := store.StoredRecord{Id: id}
	var origin string
	err := s.db.QueryRowContext(ctx, "SELECT data, origin, version FROM records WHERE id = ?", id).
		Scan(&record.Data, &origin, &record.Version)
	if err == sql.ErrNoRows {
		return record, store.ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("failed to read record: %w", err)
	}
	record.Origin = syncdb.SiteID(origin)
	return record, nil
}

func (s *SQLiteRecordStore) ChangesSince(ctx context.Context, since syncdb.Version, limit int) ([]syncdb.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, version FROM records WHERE origin = ? AND version > ? ORDER BY version LIMIT ?",
		string(s.siteID), int64(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]syncdb.Change, 0)
	for rows.Next() {
		var c syncdb.Change
		if err := rows.Scan(&c.ID, &c.Data, &c.Version); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// ApplyChanges merges peer changes at record granularity: a change
// wins over the stored value when its (version, origin) pair orders
// higher, which keeps concurrent replicas convergent without
// coordination.
func (s *SQLiteRecordStore) ApplyChanges(ctx context.Context, peer syncdb.SiteID, changes []syncdb.Change) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		var version int64
		var origin string
		err := tx.QueryRow("SELECT version, origin FROM records WHERE id = ?", c.ID).Scan(&version, &origin)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read record %s: %w", c.ID, err)
		}
		if err == nil && !wins(int64(c.Version), string(peer), version, origin) {
			continue
		}
		_, err = tx.Exec("INSERT OR REPLACE INTO records (id, data, origin, version) VALUES (?, ?, ?, ?)",
			c.ID, c.Data, string(peer), int64(c.Version))
		if err != nil {
			return fmt.Errorf("failed to apply change %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wins orders two record values by (version, origin), the tiebreak
// making concurrent writes resolve identically on every replica.
func wins(version int64, origin string, oldVersion int64, oldOrigin string) bool {
	if version != oldVersion {
		return version > oldVersion
	}
	return origin > oldOrigin
}

func (s *SQLiteRecordStore) LastSeens(ctx context.Context) (syncdb.VersionFrontier, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT peer, version FROM last_seens")
	if err != nil {
		return nil, fmt.Errorf("failed to query last seens: %w", err)
	}
	defer rows.Close()

	frontier := make(syncdb.VersionFrontier)
	for rows.Next() {
		var peer string
		var version int64
		if err := rows.Scan(&peer, &version); err != nil {
			return nil, fmt.Errorf("failed to scan last seen: %w", err)
		}
		frontier[syncdb.SiteID(peer)] = syncdb.Version(version)
	}
	return frontier, rows.Err()
}

// RecordLastSeen persists the frontier for peer. The guard keeps the
// stored value monotonic even under redundant calls.
func (s *SQLiteRecordStore) RecordLastSeen(ctx context.Context, peer syncdb.SiteID, version syncdb.Version) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_seens (peer, version) VALUES (?, ?)
		 ON CONFLICT (peer) DO UPDATE SET version = excluded.version
		 WHERE excluded.version > last_seens.version`,
		string(peer), int64(version))
	if err != nil {
		return fmt.Errorf("failed to record last seen: %w", err)
	}
	return nil
}
