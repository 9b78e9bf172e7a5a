package exclusive

import (
	"context"
	"sync"
)

// RegistryLocker is the in-process Locker: goroutines within one
// process contend for names through a ticket map. A holder whose
// acquire context is canceled is treated as dead and its hold is
// released automatically.
type RegistryLocker struct {
	mu      sync.Mutex
	tickets map[string]*ticket
}

// ticket tracks one name's holder and waiters. It exists only while
// someone holds or waits; releaseLocked deletes it when both are gone.
type ticket struct {
	holder  *registryLease
	waiters []*waiter
}

type waiter struct {
	holderID string
	grant    chan *registryLease
}

// NewRegistryLocker creates an empty in-process locker.
func NewRegistryLocker() *RegistryLocker {
	return &RegistryLocker{tickets: make(map[string]*ticket)}
}

// Acquire blocks until the caller holds name or ctx is canceled.
// The returned lease is bound to ctx: cancellation after grant counts
// as holder death and releases the hold.
func (r *RegistryLocker) Acquire(ctx context.Context, name, holderID string) (Lease, error) {
	r.mu.Lock()
	t, ok := r.tickets[name]
	if !ok {
		t = &ticket{}
		r.tickets[name] = t
	}
	if t.holder == nil {
		lease := r.newLeaseLocked(name, holderID)
		t.holder = lease
		r.mu.Unlock()
		r.watchHolder(ctx, lease)
		return lease, nil
	}
	w := &waiter{holderID: holderID, grant: make(chan *registryLease, 1)}
	t.waiters = append(t.waiters, w)
	r.mu.Unlock()

	select {
	case lease := <-w.grant:
		r.watchHolder(ctx, lease)
		return lease, nil
	case <-ctx.Done():
		r.withdraw(name, w)
		return nil, ctx.Err()
	}
}

func (r *RegistryLocker) newLeaseLocked(name, holderID string) *registryLease {
	return &registryLease{
		locker:   r,
		name:     name,
		holderID: holderID,
		done:     make(chan struct{}),
	}
}

// watchHolder releases the lease if the holder's context dies first.
func (r *RegistryLocker) watchHolder(ctx context.Context, lease *registryLease) {
	go func() {
		select {
		case <-ctx.Done():
			lease.Release()
		case <-lease.done:
		}
	}()
}

// withdraw removes a waiter that gave up. If the grant raced the
// withdrawal, the granted lease is released so the next waiter is not
// starved.
func (r *RegistryLocker) withdraw(name string, w *waiter) {
	r.mu.Lock()
	t := r.tickets[name]
	if t != nil {
		for i, other := range t.waiters {
			if other == w {
				t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
				r.mu.Unlock()
				return
			}
		}
	}
	r.mu.Unlock()

	// Not in the queue anymore: the grant was already delivered.
	lease := <-w.grant
	lease.Release()
}

// releaseLocked hands the name to the next waiter, or deletes the
// ticket when no one is left. Callers hold r.mu.
func (r *RegistryLocker) releaseLocked(name string, lease *registryLease) {
	t := r.tickets[name]
	if t == nil || t.holder != lease {
		return
	}
	t.holder = nil
	if len(t.waiters) == 0 {
		delete(r.tickets, name)
		return
	}
	next := t.waiters[0]
	t.waiters = t.waiters[1:]
	granted := r.newLeaseLocked(name, next.holderID)
	t.holder = granted
	next.grant <- granted
}

// Holder reports the current holder ID for name, if any.
func (r *RegistryLocker) Holder(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tickets[name]
	if t == nil || t.holder == nil {
		return "", false
	}
	return t.holder.holderID, true
}

type registryLease struct {
	locker   *RegistryLocker
	name     string
	holderID string
	done     chan struct{}
	once     sync.Once
}

func (l *registryLease) Done() <-chan struct{} { return l.done }

func (l *registryLease) Release() error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		l.locker.releaseLocked(l.name, l)
		l.locker.mu.Unlock()
		close(l.done)
	})
	return nil
}
