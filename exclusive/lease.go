package exclusive

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LeaseConfig tunes the lease protocol. LeaseDuration is how long a
// hold survives without renewal; a holder killed without releasing is
// recovered after at most LeaseDuration.
type LeaseConfig struct {
	LeaseDuration        time.Duration
	RenewInterval        time.Duration
	AcquireRetryInterval time.Duration
}

// DefaultLeaseConfig returns the production lease timings.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		LeaseDuration:        10 * time.Second,
		RenewInterval:        3 * time.Second,
		AcquireRetryInterval: time.Second,
	}
}

// LeaseLocker is the cross-process Locker. Processes sharing one
// database coordinate through a lease table in an auxiliary SQLite
// file: the holder renews its row periodically and anyone finding an
// expired row may take the name over with a higher epoch.
type LeaseLocker struct {
	db  *sql.DB
	cfg LeaseConfig
}

// NewLeaseLocker opens (creating if needed) the lease table at path.
// Zero fields in cfg fall back to DefaultLeaseConfig values.
func NewLeaseLocker(path string, cfg LeaseConfig) (*LeaseLocker, error) {
	def := DefaultLeaseConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = def.RenewInterval
	}
	if cfg.AcquireRetryInterval <= 0 {
		cfg.AcquireRetryInterval = def.AcquireRetryInterval
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lease table: %w", err)
	}
	return &LeaseLocker{db: db, cfg: cfg}, nil
}

// Close releases the underlying database. Outstanding leases stop
// renewing and expire on their own.
func (l *LeaseLocker) Close() error {
	return l.db.Close()
}

// Acquire polls until the lease row for name is free (absent, expired,
// or already ours) or ctx is canceled.
func (l *LeaseLocker) Acquire(ctx context.Context, name, holderID string) (Lease, error) {
	for {
		epoch, ok, err := l.tryAcquire(ctx, name, holderID)
		if err != nil {
			return nil, err
		}
		if ok {
			lease := &sqlLease{
				locker:   l,
				name:     name,
				holderID: holderID,
				epoch:    epoch,
				done:     make(chan struct{}),
				stop:     make(chan struct{}),
			}
			go lease.renewLoop(ctx)
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.AcquireRetryInterval):
		}
	}
}

// tryAcquire performs one take-over attempt inside a transaction.
func (l *LeaseLocker) tryAcquire(ctx context.Context, name, holderID string) (int64, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	expiry := now + l.cfg.LeaseDuration.Milliseconds()

	var holder string
	var epoch, expiresAt int64
	err = tx.QueryRowContext(ctx, "SELECT holder_id, epoch, expires_at FROM leases WHERE name = ?", name).
		Scan(&holder, &epoch, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO leases (name, holder_id, epoch, expires_at) VALUES (?, ?, 1, ?)",
			name, holderID, expiry)
		if err != nil {
			return 0, false, fmt.Errorf("failed to insert lease: %w", err)
		}
		epoch = 1
	case err != nil:
		return 0, false, fmt.Errorf("failed to read lease: %w", err)
	case holder == holderID || expiresAt <= now:
		epoch++
		_, err = tx.ExecContext(ctx,
			"UPDATE leases SET holder_id = ?, epoch = ?, expires_at = ? WHERE name = ?",
			holderID, epoch, expiry, name)
		if err != nil {
			return 0, false, fmt.Errorf("failed to take lease over: %w", err)
		}
	default:
		return 0, false, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit lease transaction: %w", err)
	}
	return epoch, true, nil
}

type sqlLease struct {
	locker   *LeaseLocker
	name     string
	holderID string
	epoch    int64
	done     chan struct{}
	stop     chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

func (l *sqlLease) Done() <-chan struct{} { return l.done }

// renewLoop extends the lease row until Release or until a renewal no
// longer matches our holder and epoch, which means the hold was lost.
// Death of the holder's context stops renewal without deleting the
// row; expiry then hands the name to the next waiter.
func (l *sqlLease) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(l.locker.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			l.markDone()
			return
		case <-ticker.C:
			expiry := time.Now().UnixMilli() + l.locker.cfg.LeaseDuration.Milliseconds()
			res, err := l.locker.db.Exec(
				"UPDATE leases SET expires_at = ? WHERE name = ? AND holder_id = ? AND epoch = ?",
				expiry, l.name, l.holderID, l.epoch)
			if err != nil {
				log.Printf("lease %q: renewal failed: %v", l.name, err)
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				l.markDone()
				return
			}
		}
	}
}

// Release stops renewing and deletes the lease row so the next waiter
// does not have to sit out the remaining lease duration.
func (l *sqlLease) Release() error {
	l.stopOnce.Do(func() { close(l.stop) })
	_, err := l.locker.db.Exec(
		"DELETE FROM leases WHERE name = ? AND holder_id = ? AND epoch = ?",
		l.name, l.holderID, l.epoch)
	l.markDone()
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

func (l *sqlLease) markDone() {
	l.once.Do(func() { close(l.done) })
}
