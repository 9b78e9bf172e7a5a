package transport

import (
	"context"
	"sync"

	"github.com/Azarattum/CRSqlite/syncdb"
)

// memInboxSize bounds how many undelivered envelopes one endpoint
// buffers before senders block.
const memInboxSize = 16

// MemTransport is one endpoint of an in-process transport pair. Sends
// block once the peer's inbox is full, which is the flow-control
// signal the outbound stream relies on.
type MemTransport struct {
	peer *MemTransport

	inbox  chan envelope
	closed chan struct{}

	mu         sync.Mutex
	handler    syncdb.Handler
	dispatched bool
	closeOnce  sync.Once
}

// NewPair returns two connected in-memory endpoints.
func NewPair() (*MemTransport, *MemTransport) {
	a := &MemTransport{inbox: make(chan envelope, memInboxSize), closed: make(chan struct{})}
	b := &MemTransport{inbox: make(chan envelope, memInboxSize), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Register installs the handler and begins delivering buffered and
// future envelopes to it.
func (t *MemTransport) Register(h syncdb.Handler) {
	t.mu.Lock()
	t.handler = h
	start := !t.dispatched
	t.dispatched = true
	t.mu.Unlock()
	if start {
		go t.dispatchLoop()
	}
}

func (t *MemTransport) dispatchLoop() {
	for {
		select {
		case <-t.closed:
			return
		case env := <-t.inbox:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			dispatch(context.Background(), h, env)
		}
	}
}

// send queues an envelope at the peer, blocking for backpressure.
func (t *MemTransport) send(ctx context.Context, env envelope) error {
	select {
	case <-t.closed:
		return syncdb.ErrTransportClosed
	case <-t.peer.closed:
		return syncdb.ErrTransportClosed
	default:
	}
	select {
	case t.peer.inbox <- env:
		return nil
	case <-t.closed:
		return syncdb.ErrTransportClosed
	case <-t.peer.closed:
		return syncdb.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemTransport) AnnouncePresence(ctx context.Context, p syncdb.PresenceAnnouncement) error {
	return t.send(ctx, envelope{Kind: kindPresence, Presence: &p})
}

func (t *MemTransport) SendChanges(ctx context.Context, batch syncdb.ChangeBatch) error {
	return t.send(ctx, envelope{Kind: kindChanges, Batch: &batch})
}

func (t *MemTransport) SendResetStream(ctx context.Context, newFrom syncdb.Version) error {
	return t.send(ctx, envelope{Kind: kindReset, NewFrom: newFrom})
}

// Close shuts this endpoint down. Sends from either side fail with
// ErrTransportClosed afterwards; nothing panics.
func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
