package exclusive

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Session is what the coordinator runs once it holds the lock.
type Session interface {
	Stop() error
}

// StartFunc builds and starts the session after the lock is granted.
// It runs at most once per AcquireExclusive call; if the request is
// withdrawn before grant it never runs.
type StartFunc func(ctx context.Context) (Session, error)

// Coordinator serializes sync sessions per database name over a
// Locker. It owns nothing beyond the locker reference; per-name state
// lives inside the locker's tickets.
type Coordinator struct {
	locker Locker
}

// NewCoordinator creates a coordinator over the given locker.
func NewCoordinator(locker Locker) *Coordinator {
	return &Coordinator{locker: locker}
}

// AcquireExclusive requests sole ownership of name for the calling
// execution context, represented by ctx: cancellation of ctx before
// grant withdraws the request, cancellation after grant counts as
// context death and the lock is recovered for the next waiter.
//
// The returned controller is live immediately; its session may not
// have started yet if the lock is still contended.
func (c *Coordinator) AcquireExclusive(ctx context.Context, name string, start StartFunc) *Controller {
	acqCtx, cancel := context.WithCancel(ctx)
	ctl := &Controller{
		name:   name,
		cancel: cancel,
		ready:  make(chan struct{}),
	}

	go func() {
		defer close(ctl.ready)

		lease, err := c.locker.Acquire(acqCtx, name, uuid.NewString())
		if err != nil {
			ctl.finish(nil, nil, filterCanceled(err))
			return
		}
		if ctl.withdrawn() {
			// Stop raced the grant: never start the session.
			lease.Release()
			ctl.finish(nil, nil, nil)
			return
		}
		session, err := start(acqCtx)
		if err != nil {
			lease.Release()
			ctl.finish(nil, nil, filterCanceled(err))
			return
		}
		if !ctl.finish(session, lease, nil) {
			// Stopped while the session was starting.
			session.Stop()
			lease.Release()
			return
		}
		go func() {
			<-lease.Done()
			session.Stop()
		}()
	}()

	return ctl
}

// filterCanceled maps a withdrawn wait to success: a canceled request
// is not a failure, it simply never starts.
func filterCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Controller is the caller's handle on one exclusive session request.
type Controller struct {
	name   string
	cancel context.CancelFunc
	ready  chan struct{}

	mu      sync.Mutex
	stopped bool
	session Session
	lease   Lease
	err     error
}

// Ready is closed once the request settled: session started, request
// withdrawn, or acquisition failed. Check Err and Session afterwards.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Err reports why no session is running, if the request settled that
// way. A withdrawn request is not an error.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Session returns the running session, or nil before grant and after
// stop.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Stop withdraws a pending request or stops the running session and
// releases the lock. The session stops before the lock is handed off,
// so the next waiter never overlaps an explicitly stopped session.
// Stop is idempotent and always succeeds on repeat calls.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	session := c.session
	lease := c.lease
	c.session = nil
	c.lease = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Stop()
	}
	if lease != nil {
		lease.Release()
	}
	c.cancel()
	// Wait for a pending acquisition to settle; finish sees stopped
	// and the goroutine tears down anything it built meanwhile.
	<-c.ready
	return err
}

func (c *Controller) withdrawn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// finish records the settled outcome. It reports false if Stop won the
// race, in which case the caller must tear down what it built.
func (c *Controller) finish(session Session, lease Lease, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.session = session
	c.lease = lease
	c.err = err
	return true
}
