package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Azarattum/CRSqlite/config"
	"github.com/Azarattum/CRSqlite/exclusive"
	"github.com/Azarattum/CRSqlite/middleware"
	"github.com/Azarattum/CRSqlite/store/sqlite"
	"github.com/Azarattum/CRSqlite/syncdb"
	"github.com/Azarattum/CRSqlite/transport"
	"google.golang.org/grpc"
)

// SyncPeerServer serves one sync session per accepted Channel stream.
// Sessions for the same database name are serialized through the
// exclusivity coordinator, so two peers can never sync one replica
// concurrently.
type SyncPeerServer struct {
	config      *config.Config
	coordinator *exclusive.Coordinator

	mu     sync.Mutex
	stores map[string]*sqlite.SQLiteRecordStore
}

func NewSyncPeerServer(config *config.Config) (*SyncPeerServer, error) {
	if err := os.MkdirAll(config.DatabasesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create databases dir: %w", err)
	}

	// With a lease database the lock also holds across processes, so
	// several daemons can share one databases dir.
	var locker exclusive.Locker = exclusive.NewRegistryLocker()
	if config.LeaseDatabasePath != "" {
		leaseLocker, err := exclusive.NewLeaseLocker(config.LeaseDatabasePath, exclusive.LeaseConfig{
			LeaseDuration:        config.LeaseDuration,
			RenewInterval:        config.LeaseRenew,
			AcquireRetryInterval: config.LeaseRetry,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open lease database: %w", err)
		}
		locker = leaseLocker
	}

	return &SyncPeerServer{
		config:      config,
		coordinator: exclusive.NewCoordinator(locker),
		stores:      make(map[string]*sqlite.SQLiteRecordStore),
	}, nil
}

// Channel authenticates the handshake, binds a session to the stream
// and blocks until either side ends it.
func (s *SyncPeerServer) Channel(stream grpc.ServerStream) error {
	ctx, database, err := middleware.Authenticate(stream.Context())
	if err != nil {
		return err
	}

	tr := transport.Serve(stream)
	ctl, err := syncdb.CreateSyncedDBExclusive(ctx, database, syncdb.Options{
		OpenHandle: func(ctx context.Context, name string) (syncdb.DBHandle, error) {
			return s.openStore(name)
		},
		Dial: func(ctx context.Context, name string) (syncdb.Transport, error) {
			return tr, nil
		},
		BatchSize:   s.config.SyncBatchSize,
		Coordinator: s.coordinator,
	})
	if err != nil {
		return err
	}
	defer ctl.Stop()

	// Surface a session that failed to start (bad name, store open
	// failure) instead of leaving the client on a silent channel.
	select {
	case <-ctl.Ready():
		if err := ctl.Err(); err != nil {
			return err
		}
	case <-tr.Done():
		return nil
	case <-stream.Context().Done():
		return nil
	}

	select {
	case <-tr.Done():
	case <-stream.Context().Done():
	}
	return nil
}

// openStore returns the cached replica for name, opening it on first
// use. Stores outlive sessions; the per-peer frontier persists there.
func (s *SyncPeerServer) openStore(name string) (*sqlite.SQLiteRecordStore, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid database name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st, err := sqlite.New(filepath.Join(s.config.DatabasesDir, name+".db"), syncdb.SchemaIdentity{
		Name:    s.config.SchemaName,
		Version: s.config.SchemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %q: %w", name, err)
	}
	s.stores[name] = st
	return st, nil
}
