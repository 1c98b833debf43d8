package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForQueued(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Queued == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(1, -1)
	require.Error(t, err)
}

func TestAcquireNeverExceedsSlots(t *testing.T) {
	t.Parallel()

	const slots = 3
	pool, err := New(slots, 64)
	require.NoError(t, err)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer slot.Release()

			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			if active := pool.Stats().Active; active > slots {
				t.Errorf("active slots %d exceed %d", active, slots)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(slots))
	require.Equal(t, Stats{Slots: slots}, pool.Stats())
}

func TestAcquireIsFIFO(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 8)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			slot.Release()
		}()
		waitForQueued(t, pool, i+1)
	}

	holder.Release()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestNewcomerNeverOvertakesQueuedWaiter(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 4)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	granted := make(chan *Slot, 1)
	go func() {
		slot, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		granted <- slot
	}()
	waitForQueued(t, pool, 1)

	// The slot freed here belongs to the queued waiter even if it has not
	// been scheduled yet.
	holder.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	slot := <-granted
	require.NotNil(t, slot)
	slot.Release()
	require.Equal(t, Stats{Slots: 1}, pool.Stats())
}

func TestRequeueIgnoresDepthButKeepsOrder(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 1)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	take := func(name string, acquire func(context.Context) (*Slot, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := acquire(context.Background())
			if err != nil {
				t.Errorf("%s: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			slot.Release()
		}()
	}

	take("first", pool.Acquire)
	waitForQueued(t, pool, 1)
	take("fallback", pool.Requeue)
	waitForQueued(t, pool, 2)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)

	holder.Release()
	wg.Wait()
	require.Equal(t, []string{"first", "fallback"}, order)
	require.EqualValues(t, 1, pool.Stats().Rejected)
}

func TestRequeueRefusedOnceClosed(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 0)
	require.NoError(t, err)
	pool.Close()

	_, err = pool.Requeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCanceledHeadPromotesNextWaiter(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 4)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	head := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		head <- err
	}()
	waitForQueued(t, pool, 1)

	next := make(chan *Slot, 1)
	go func() {
		slot, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		next <- slot
	}()
	waitForQueued(t, pool, 2)

	cancel()
	require.ErrorIs(t, <-head, context.Canceled)
	waitForQueued(t, pool, 1)

	holder.Release()
	select {
	case slot := <-next:
		slot.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter behind a canceled head never got the slot")
	}
}

func TestAcquireRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 1)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		slot, err := pool.Acquire(ctx)
		if err == nil {
			slot.Release()
		}
		done <- err
	}()
	waitForQueued(t, pool, 1)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
	require.EqualValues(t, 1, pool.Stats().Rejected)

	holder.Release()
	require.NoError(t, <-done)
}

func TestZeroDepthRejectsImmediately(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 0)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer holder.Release()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestCanceledWaiterFreesQueuePosition(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 1)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		done <- err
	}()
	waitForQueued(t, pool, 1)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	waitForQueued(t, pool, 0)
	require.Equal(t, 1, pool.Stats().Active)

	// The freed position is usable by a later caller, which gets the slot
	// once the holder releases it.
	next := make(chan *Slot, 1)
	go func() {
		slot, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("acquire: %v", err)
		}
		next <- slot
	}()
	waitForQueued(t, pool, 1)
	holder.Release()

	select {
	case slot := <-next:
		slot.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("later waiter was blocked by a canceled one")
	}
	require.Equal(t, 0, pool.Stats().Active)
}

func TestAcquireWithDoneContext(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, pool.Stats().Active)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	pool, err := New(2, 0)
	require.NoError(t, err)

	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
	slot.Release()
	require.Equal(t, 0, pool.Stats().Active)

	var nilSlot *Slot
	nilSlot.Release()
}

func TestDrainWaitsForHolders(t *testing.T) {
	t.Parallel()

	pool, err := New(2, 1)
	require.NoError(t, err)

	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	drained := make(chan error, 1)
	go func() { drained <- pool.Drain(context.Background()) }()

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.closed
	}, 2*time.Second, 5*time.Millisecond)
	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-drained:
		t.Fatal("drain returned while a slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	slot.Release()
	require.NoError(t, <-drained)
}

func TestDrainHonorsDeadline(t *testing.T) {
	t.Parallel()

	pool, err := New(1, 0)
	require.NoError(t, err)

	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Drain(ctx), context.DeadlineExceeded)
}
