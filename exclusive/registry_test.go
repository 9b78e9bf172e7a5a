package exclusive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	r := NewRegistryLocker()

	lease, err := r.Acquire(context.Background(), "notes.db", "a")
	require.NoError(t, err)

	holder, ok := r.Holder("notes.db")
	require.True(t, ok)
	require.Equal(t, "a", holder)

	require.NoError(t, lease.Release())
	_, ok = r.Holder("notes.db")
	require.False(t, ok)
}

func TestMutualExclusion(t *testing.T) {
	r := NewRegistryLocker()

	var holders int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := r.Acquire(context.Background(), "notes.db", "h")
			require.NoError(t, err)
			require.Equal(t, int32(1), atomic.AddInt32(&holders, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			lease.Release()
		}()
	}
	wg.Wait()
}

func TestHandoffToWaiter(t *testing.T) {
	r := NewRegistryLocker()

	first, err := r.Acquire(context.Background(), "notes.db", "a")
	require.NoError(t, err)

	granted := make(chan Lease, 1)
	go func() {
		lease, err := r.Acquire(context.Background(), "notes.db", "b")
		require.NoError(t, err)
		granted <- lease
	}()

	select {
	case <-granted:
		t.Fatal("second acquire completed while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Release())
	select {
	case lease := <-granted:
		holder, _ := r.Holder("notes.db")
		require.Equal(t, "b", holder)
		lease.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted the lock")
	}
}

func TestWithdrawnWaiterLeavesNoSlot(t *testing.T) {
	r := NewRegistryLocker()

	first, err := r.Acquire(context.Background(), "notes.db", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "notes.db", "b")
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	// The withdrawn waiter must not swallow the hand-off.
	require.NoError(t, first.Release())
	lease, err := r.Acquire(context.Background(), "notes.db", "c")
	require.NoError(t, err)
	lease.Release()
}

func TestHolderContextDeathReleases(t *testing.T) {
	r := NewRegistryLocker()

	holderCtx, kill := context.WithCancel(context.Background())
	_, err := r.Acquire(holderCtx, "notes.db", "a")
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		lease, err := r.Acquire(context.Background(), "notes.db", "b")
		require.NoError(t, err)
		defer lease.Release()
		close(granted)
	}()

	// Kill the holder without releasing; the waiter must proceed.
	kill()
	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not proceed after holder death")
	}
}

func TestTicketRemovedWhenIdle(t *testing.T) {
	r := NewRegistryLocker()

	lease, err := r.Acquire(context.Background(), "notes.db", "a")
	require.NoError(t, err)
	lease.Release()

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.tickets)
}
