// Package scheduler bounds how many engine invocations run at once.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrQueueFull = errors.New("scheduler queue is full")
	ErrClosed    = errors.New("scheduler is closed")
)

// Pool hands out a fixed number of slots. Callers that find every slot
// busy wait in strict arrival order, up to depth waiters; beyond that
// Acquire fails fast with ErrQueueFull.
//
// The wait queue is kept under mu and only its head blocks on the
// semaphore, so order is fixed the moment a caller is queued.
type Pool struct {
	sem   *semaphore.Weighted
	slots int64
	depth int

	mu     sync.Mutex
	queue  list.List // of *waiter
	closed bool

	active   atomic.Int64
	rejected atomic.Int64
}

// waiter is one queued caller. turn is closed when it reaches the head.
type waiter struct {
	turn chan struct{}
}

type Stats struct {
	Slots    int
	Active   int
	Queued   int
	Rejected int64
}

func New(slots, depth int) (*Pool, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("slots must be positive, got %d", slots)
	}
	if depth < 0 {
		return nil, fmt.Errorf("queue depth must not be negative, got %d", depth)
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(slots)),
		slots: int64(slots),
		depth: depth,
	}, nil
}

// Acquire blocks until a slot is free or ctx ends. A caller whose context
// ends while queued gives up its position without ever holding a slot.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	return p.acquire(ctx, true)
}

// Requeue is Acquire for work that was already admitted once, such as a
// fallback attempt. It waits in the same FIFO queue but is never turned
// away with ErrQueueFull. A closed pool still refuses it.
func (p *Pool) Requeue(ctx context.Context) (*Slot, error) {
	return p.acquire(ctx, false)
}

func (p *Pool) acquire(ctx context.Context, bounded bool) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.queue.Len() == 0 && p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return p.grant(start), nil
	}
	if bounded && p.queue.Len() >= p.depth {
		p.mu.Unlock()
		p.rejected.Add(1)
		return nil, ErrQueueFull
	}
	w := &waiter{turn: make(chan struct{})}
	elem := p.queue.PushBack(w)
	if p.queue.Front() == elem {
		close(w.turn)
	}
	p.mu.Unlock()

	select {
	case <-w.turn:
	case <-ctx.Done():
		p.leave(elem)
		return nil, ctx.Err()
	}

	err := p.sem.Acquire(ctx, 1)
	p.leave(elem)
	if err != nil {
		return nil, err
	}
	return p.grant(start), nil
}

// leave removes a queued caller and, if it was the head, promotes the next.
func (p *Pool) leave(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := p.queue.Front() == elem
	p.queue.Remove(elem)
	if !head {
		return
	}
	if next := p.queue.Front(); next != nil {
		close(next.Value.(*waiter).turn)
	}
}

func (p *Pool) grant(start time.Time) *Slot {
	p.active.Add(1)
	return &Slot{pool: p, Waited: time.Since(start)}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.queue.Len()
	p.mu.Unlock()
	return Stats{
		Slots:    int(p.slots),
		Active:   int(p.active.Load()),
		Queued:   queued,
		Rejected: p.rejected.Load(),
	}
}

// Close stops admitting new callers. Slots already held or waited for are
// unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Drain closes the pool and waits until every slot has been released.
func (p *Pool) Drain(ctx context.Context) error {
	p.Close()
	if err := p.sem.Acquire(ctx, p.slots); err != nil {
		return fmt.Errorf("drain scheduler: %w", err)
	}
	p.sem.Release(p.slots)
	return nil
}

// Slot is one concurrency permit. Release is idempotent.
type Slot struct {
	pool   *Pool
	once   sync.Once
	Waited time.Duration
}

func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.pool.active.Add(-1)
		s.pool.sem.Release(1)
	})
}
