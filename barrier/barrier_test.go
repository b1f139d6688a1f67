package barrier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketsSyncInQueueOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []uint64

	tickets := make([]*Ticket, 5)
	for i := range tickets {
		tickets[i] = b.Queue()
	}

	var wg sync.WaitGroup
	for i := len(tickets) - 1; i >= 0; i-- {
		tk := tickets[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, tk.Sync(context.Background()))
			mu.Lock()
			order = append(order, tk.InstanceID())
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, order)
}

func TestReleaseAdvancesWithoutWaitingForResult(t *testing.T) {
	b := New()
	t0 := b.Queue()
	t1 := b.Queue()

	done := make(chan struct{})
	go func() {
		require.NoError(t, t1.Sync(context.Background()))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("t1 synced before t0 released")
	case <-time.After(20 * time.Millisecond):
	}

	t0.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("t1 never synced after t0 released")
	}
}

func TestWaitUntilFinishedBlocksUntilAllTicketsDone(t *testing.T) {
	b := New()
	t0 := b.Queue()
	t1 := b.Queue()

	finished := make(chan struct{})
	go func() {
		b.WaitUntilFinished()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("WaitUntilFinished returned before tickets completed")
	case <-time.After(20 * time.Millisecond):
	}

	t0.Release()
	t1.Release()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilFinished never returned")
	}
}

func TestSyncReturnsContextErrorWithoutAdvancing(t *testing.T) {
	b := New()
	t0 := b.Queue()
	t1 := b.Queue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := t1.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)

	// t0 still hasn't synced; a fresh, uncancelled Sync on t1 can now proceed
	// once t0 releases.
	t0.Release()
	require.NoError(t, t1.Sync(context.Background()))
}

func TestSyncIsIdempotentOnceDone(t *testing.T) {
	b := New()
	t0 := b.Queue()
	require.NoError(t, t0.Sync(context.Background()))
	require.NoError(t, t0.Sync(context.Background()))
}
