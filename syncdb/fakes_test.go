package syncdb

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeHandle is an in-memory DBHandle for stream tests.
type fakeHandle struct {
	mu       sync.Mutex
	site     SiteID
	schema   SchemaIdentity
	frontier VersionFrontier
	applied  map[SiteID][]Change
	recorded VersionFrontier
	local    []Change
	applyErr error
}

func newFakeHandle(site SiteID) *fakeHandle {
	return &fakeHandle{
		site:     site,
		schema:   SchemaIdentity{Name: "testschema", Version: 1},
		frontier: make(VersionFrontier),
		applied:  make(map[SiteID][]Change),
		recorded: make(VersionFrontier),
	}
}

func (h *fakeHandle) SiteID() SiteID { return h.site }

func (h *fakeHandle) LastSeens(ctx context.Context) (VersionFrontier, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frontier.Clone(), nil
}

func (h *fakeHandle) SchemaNameAndVersion(ctx context.Context) (SchemaIdentity, error) {
	return h.schema, nil
}

func (h *fakeHandle) ApplyChanges(ctx context.Context, peer SiteID, changes []Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applyErr != nil {
		return h.applyErr
	}
	h.applied[peer] = append(h.applied[peer], changes...)
	return nil
}

func (h *fakeHandle) RecordLastSeen(ctx context.Context, peer SiteID, version Version) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version > h.recorded[peer] {
		h.recorded[peer] = version
	}
	return nil
}

func (h *fakeHandle) ChangesSince(ctx context.Context, since Version, limit int) ([]Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Change
	for _, c := range h.local {
		if c.Version > since {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *fakeHandle) setLocal(changes ...Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.local = changes
}

func (h *fakeHandle) appliedFrom(peer SiteID) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Change(nil), h.applied[peer]...)
}

func (h *fakeHandle) recordedLastSeen(peer SiteID) Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recorded[peer]
}

// fakeTransport records outgoing traffic and exposes sent batches on a
// channel so tests can wait for asynchronous production.
type fakeTransport struct {
	mu        sync.Mutex
	handler   Handler
	presences []PresenceAnnouncement
	resets    []Version
	batches   chan ChangeBatch
	closes    int
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{batches: make(chan ChangeBatch, 64)}
}

func (t *fakeTransport) Register(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *fakeTransport) AnnouncePresence(ctx context.Context, p PresenceAnnouncement) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.presences = append(t.presences, p)
	return nil
}

func (t *fakeTransport) SendChanges(ctx context.Context, batch ChangeBatch) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case t.batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) SendResetStream(ctx context.Context, newFrom Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.resets = append(t.resets, newFrom)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *fakeTransport) sentResets() []Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Version(nil), t.resets...)
}

func (t *fakeTransport) sentPresences() []PresenceAnnouncement {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PresenceAnnouncement(nil), t.presences...)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// recvBatch waits for the next produced batch.
func recvBatch(t *testing.T, tr *fakeTransport) ChangeBatch {
	t.Helper()
	select {
	case batch := <-tr.batches:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return ChangeBatch{}
	}
}

// expectNoBatch asserts nothing is produced for a short window.
func expectNoBatch(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case batch := <-tr.batches:
		t.Fatalf("unexpected batch (%d, %d]", batch.From, batch.To)
	case <-time.After(100 * time.Millisecond):
	}
}
