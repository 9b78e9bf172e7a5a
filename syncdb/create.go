package syncdb

import (
	"context"
	"fmt"

	"github.com/Azarattum/CRSqlite/exclusive"
)

// Options carries the constructors a session needs. The engine does
// not own handles or transports; callers supply how to build both for
// a given database name.
type Options struct {
	// OpenHandle constructs the database handle for name.
	OpenHandle func(ctx context.Context, name string) (DBHandle, error)

	// Dial constructs the transport for name.
	Dial func(ctx context.Context, name string) (Transport, error)

	// BatchSize caps outbound batches; 0 selects DefaultBatchSize.
	BatchSize int

	// Coordinator arbitrates exclusive sessions. Required for
	// CreateSyncedDBExclusive, ignored otherwise.
	Coordinator *exclusive.Coordinator
}

// CreateSyncedDB builds a non-exclusive session for name. It returns
// only after the handle and transport are constructed; the caller
// decides when to Start.
func CreateSyncedDB(ctx context.Context, name string, opts Options) (*SyncedDB, error) {
	if opts.OpenHandle == nil || opts.Dial == nil {
		return nil, fmt.Errorf("both OpenHandle and Dial are required")
	}
	handle, err := opts.OpenHandle(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening handle for %q: %w", name, err)
	}
	transport, err := opts.Dial(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dialing transport for %q: %w", name, err)
	}
	return NewSyncedDB(name, handle, transport, opts.BatchSize), nil
}

// CreateSyncedDBExclusive builds and starts a session for name once
// the calling context becomes the sole holder of the name's lock. The
// returned controller may still be waiting on the lock; Stop before
// grant withdraws the request and the session never starts.
func CreateSyncedDBExclusive(ctx context.Context, name string, opts Options) (*exclusive.Controller, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("a coordinator is required for exclusive sessions")
	}
	ctl := opts.Coordinator.AcquireExclusive(ctx, name, func(ctx context.Context) (exclusive.Session, error) {
		session, err := CreateSyncedDB(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		if err := session.Start(ctx); err != nil {
			session.Stop()
			return nil, err
		}
		return session, nil
	})
	return ctl, nil
}
