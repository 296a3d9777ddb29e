package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueSpawnsAndResolves(t *testing.T) {
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			return Result{Success: true, PaneID: "%1"}
		},
	})
	defer q.Shutdown()

	res := q.Enqueue(context.Background(), "s1", "t1")
	if !res.Success || res.PaneID != "%1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEnqueueCoalescesConcurrentCallsForSameSession(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			calls.Add(1)
			<-release
			return Result{Success: true, PaneID: "%2"}
		},
	})
	defer q.Shutdown()

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = q.Enqueue(context.Background(), "dup", "t")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 spawn call for coalesced session, got %d", calls.Load())
	}
	for _, r := range results {
		if !r.Success || r.PaneID != "%2" {
			t.Fatalf("expected all coalesced waiters to see same result, got %+v", r)
		}
	}
}

func TestEnqueueRetriesUpToMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	q := New(Options{
		MaxRetryAttempts: 2,
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			attempts.Add(1)
			return Result{}
		},
	})
	defer q.Shutdown()

	res := q.Enqueue(context.Background(), "s1", "t")
	if res.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestEnqueueSkipsStaleItem(t *testing.T) {
	var spawned atomic.Bool
	base := time.Now()
	var nowMu sync.Mutex
	now := base
	q := New(Options{
		StaleThreshold: time.Millisecond,
		// Each clock reading is an hour after the previous one, so the item
		// is already past StaleThreshold when the processor dequeues it.
		Now: func() time.Time {
			nowMu.Lock()
			defer nowMu.Unlock()
			now = now.Add(time.Hour)
			return now
		},
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			spawned.Store(true)
			return Result{Success: true}
		},
	})
	defer q.Shutdown()

	nowMu.Lock()
	now = base.Add(time.Hour)
	nowMu.Unlock()

	res := q.Enqueue(context.Background(), "s1", "t")
	if res.Success {
		t.Fatal("expected stale item to be skipped")
	}
	if spawned.Load() {
		t.Fatal("spawn should never have been called for a stale item")
	}
}

func TestPendingCountReflectsQueueAndInFlight(t *testing.T) {
	release := make(chan struct{})
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			<-release
			return Result{Success: true}
		},
	})
	defer q.Shutdown()

	go q.Enqueue(context.Background(), "s1", "t")
	time.Sleep(30 * time.Millisecond)
	go q.Enqueue(context.Background(), "s2", "t")
	time.Sleep(30 * time.Millisecond)

	if got := q.PendingCount(); got != 2 {
		t.Fatalf("expected pending count 2 (1 in-flight + 1 queued), got %d", got)
	}
	close(release)
}

func TestShutdownResolvesPendingAndInFlightAsFailure(t *testing.T) {
	release := make(chan struct{})
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			<-release
			return Result{Success: true}
		},
	})

	var wg sync.WaitGroup
	var inFlightResult, queuedResult Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		inFlightResult = q.Enqueue(context.Background(), "s1", "t")
	}()
	time.Sleep(30 * time.Millisecond)
	go func() {
		defer wg.Done()
		queuedResult = q.Enqueue(context.Background(), "s2", "t")
	}()
	time.Sleep(30 * time.Millisecond)

	q.Shutdown()
	close(release)
	wg.Wait()

	if inFlightResult.Success || queuedResult.Success {
		t.Fatalf("expected both to resolve as failure on shutdown, got %+v %+v", inFlightResult, queuedResult)
	}
}

func TestShutdownIsIdempotentAndRefusesFurtherEnqueues(t *testing.T) {
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			return Result{Success: true}
		},
	})
	q.Shutdown()
	q.Shutdown()

	res := q.Enqueue(context.Background(), "s1", "t")
	if res.Success {
		t.Fatal("expected Enqueue after shutdown to resolve as failure immediately")
	}
}

func TestOnQueueDrainedFiresAfterLastItem(t *testing.T) {
	drained := make(chan struct{}, 1)
	q := New(Options{
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) Result {
			return Result{Success: true}
		},
		OnQueueDrained: func() {
			select {
			case drained <- struct{}{}:
			default:
			}
		},
	})
	defer q.Shutdown()

	q.Enqueue(context.Background(), "s1", "t")
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("expected OnQueueDrained to fire")
	}
}
