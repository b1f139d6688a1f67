// Package barrier implements OrderedBarrier, the cooperative ordering
// primitive that lets a Measurement release its own lock mid-callback and
// continue heavy work concurrently with later blocks while guaranteeing its
// externally observable outputs still become visible in block order.
package barrier

import (
	"context"
	"sync"
)

// Ticket is returned by Queue and carries the monotonic instance id that
// Sync waits its turn on. Work under a ticket may run concurrently with work
// under later tickets; only the order of Sync/Release calls is serialized.
type Ticket struct {
	instanceID uint64
	b          *Barrier
	done       bool
}

// InstanceID returns the ticket's monotonic position in queue order.
func (t *Ticket) InstanceID() uint64 {
	return t.instanceID
}

// Barrier serializes a stream of tickets: ticket N's Sync call blocks until
// every ticket before it has called Sync or Release, then advances the
// barrier's current state, unblocking ticket N+1.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // next instance id to hand out
	current uint64 // instance id currently allowed to proceed
	pending int    // tickets queued but not yet synced or released
}

// New returns a Barrier ready to hand out tickets starting at instance 0.
func New() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Queue returns a fresh ticket. It does not block.
func (b *Barrier) Queue() *Ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &Ticket{instanceID: b.next, b: b}
	b.next++
	b.pending++
	return t
}

// WaitUntilFinished blocks until every queued ticket has called Sync or
// Release, draining the barrier.
func (b *Barrier) WaitUntilFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 {
		b.cond.Wait()
	}
}

// Sync blocks until the ticket's instance id equals the barrier's current
// state, then advances current, releasing the next ticket. If ctx is
// cancelled before the ticket's turn arrives, Sync returns ctx.Err() without
// advancing the barrier; the caller must still eventually call Sync or
// Release to avoid stalling every ticket queued after it.
func (t *Ticket) Sync(ctx context.Context) error {
	if t.done {
		return nil
	}
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if ctx != nil && ctx.Err() == nil {
		stopped := make(chan struct{})
		defer close(stopped)
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-stopped:
			}
		}()
	}

	for b.current != t.instanceID {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		b.cond.Wait()
	}

	b.advanceLocked(t)
	return nil
}

// Release advances the barrier past this ticket without waiting for its
// work's result to be used; used when the work is discardable.
func (t *Ticket) Release() {
	if t.done {
		return
	}
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.current != t.instanceID {
		b.cond.Wait()
	}
	b.advanceLocked(t)
}

// advanceLocked must be called with b.mu held.
func (b *Barrier) advanceLocked(t *Ticket) {
	b.current++
	b.pending--
	t.done = true
	b.cond.Broadcast()
}
