package syncdb

import (
	"context"
	"errors"
	"log"
	"sync"
)

// DefaultBatchSize bounds how many changes one outbound batch carries.
const DefaultBatchSize = 50

// OutboundStream produces local changes for one peer, in version
// order, starting at whatever version the peer asked for. A reset
// rewinds the production cursor; production resumes from the new
// position even if batches past it were already sent.
type OutboundStream struct {
	handle    DBHandle
	transport Transport
	batchSize int

	mu         sync.Mutex
	cursor     Version
	generation uint64
	started    bool
	running    bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
	wake       chan struct{}
}

// NewOutboundStream wires an outbound stream to its database handle and
// transport. batchSize <= 0 selects DefaultBatchSize.
func NewOutboundStream(handle DBHandle, transport Transport, batchSize int) *OutboundStream {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &OutboundStream{
		handle:    handle,
		transport: transport,
		batchSize: batchSize,
		wake:      make(chan struct{}, 1),
	}
}

// StartStreaming begins producing local changes with versions after
// from toward peer. Calling it again repositions the cursor.
func (s *OutboundStream) StartStreaming(ctx context.Context, from Version, peer SiteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	s.cursor = from
	s.generation++
	s.started = true
	s.ensurePumpLocked()
	s.wakeLocked()
	return nil
}

// ResetStream rewinds the production cursor to newFrom, which may be
// earlier than where production left off. An in-flight send's cursor
// advancement is discarded.
func (s *OutboundStream) ResetStream(newFrom Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cursor = newFrom
	s.generation++
	if s.started {
		s.ensurePumpLocked()
		s.wakeLocked()
	}
}

// NotifyLocalChange wakes a drained stream so freshly committed local
// mutations get sent.
func (s *OutboundStream) NotifyLocalChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.started {
		return
	}
	s.ensurePumpLocked()
	s.wakeLocked()
}

// Stop halts production and waits for any in-flight send to release.
// No sends happen after Stop returns. Stop is idempotent.
func (s *OutboundStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// wakeLocked nudges the pump without blocking. Callers hold s.mu.
func (s *OutboundStream) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ensurePumpLocked spawns the production goroutine if none is running.
// Callers hold s.mu.
func (s *OutboundStream) ensurePumpLocked() {
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	go s.pump(ctx, done)
}

// pump is the single production loop: read a batch after the cursor,
// send it, advance the cursor unless a reset intervened, repeat until
// drained, then sleep until woken.
func (s *OutboundStream) pump(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		s.mu.Lock()
		gen := s.generation
		cur := s.cursor
		s.mu.Unlock()

		changes, err := s.handle.ChangesSince(ctx, cur, s.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("outbound stream: reading changes after %d: %v", cur, err)
			}
			return
		}
		if len(changes) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		batch := ChangeBatch{
			Sender:  s.handle.SiteID(),
			From:    cur,
			To:      changes[len(changes)-1].Version,
			Changes: changes,
		}
		if err := s.transport.SendChanges(ctx, batch); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
				log.Printf("outbound stream: sending batch (%d, %d]: %v", batch.From, batch.To, err)
			}
			return
		}

		s.mu.Lock()
		if s.generation == gen {
			s.cursor = batch.To
		}
		s.mu.Unlock()
	}
}
