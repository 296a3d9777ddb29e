// Package queue implements the spawn queue: an ordered, deduped, retrying
// scheduler that serializes pane creation against the single-writer
// multiplexer. A single processor goroutine drains items[]; concurrent
// Enqueue callers for the same sessionId are coalesced onto one in-flight
// spawn attempt.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"opentmuxd/internal/workerutil"
)

const (
	defaultStaleThreshold = 30 * time.Second
	defaultSpawnDelay     = 300 * time.Millisecond
	baseBackoff           = 250 * time.Millisecond
)

// Result is the outcome of a spawn attempt, shared by every waiter
// coalesced onto the same item.
type Result struct {
	Success bool
	PaneID  string
}

// SpawnFunc performs a single spawn attempt. retryCount is the 0-based
// attempt index within the current item's retry budget.
type SpawnFunc func(ctx context.Context, sessionID, title string, retryCount int) Result

// item is a transient, one-in-flight-or-queued record per sessionId.
type item struct {
	sessionID  string
	title      string
	enqueuedAt time.Time
	waiters    []chan Result
}

// Options configures Queue construction. A zero StaleThreshold, SpawnDelay
// or Now uses the package default; MaxRetryAttempts is used as given (0
// means a single attempt), and nil callbacks are simply not called.
type Options struct {
	StaleThreshold   time.Duration
	SpawnDelay       time.Duration
	MaxRetryAttempts int
	Spawn            SpawnFunc
	OnQueueUpdate    func(pending int)
	OnQueueDrained   func()
	Now              func() time.Time
}

// Queue is the spawn queue. Exactly one processor goroutine ever calls
// Spawn; callers only ever touch the public methods below.
type Queue struct {
	mu        sync.Mutex
	items     []*item
	inFlight  *item
	index     map[string]*item
	shutdown  bool
	processMu sync.Mutex // serializes the single processor's drain loop

	staleThreshold   time.Duration
	spawnDelay       time.Duration
	maxRetryAttempts int
	spawn            SpawnFunc
	onQueueUpdate    func(pending int)
	onQueueDrained   func()
	now              func() time.Time

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Queue and starts its processor goroutine under a
// panic-recovering supervisor.
func New(opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		index:            make(map[string]*item),
		staleThreshold:    orDefaultDuration(opts.StaleThreshold, defaultStaleThreshold),
		spawnDelay:        orDefaultDuration(opts.SpawnDelay, defaultSpawnDelay),
		maxRetryAttempts:  opts.MaxRetryAttempts,
		spawn:             opts.Spawn,
		onQueueUpdate:     opts.OnQueueUpdate,
		onQueueDrained:    opts.OnQueueDrained,
		now:               opts.Now,
		wake:              make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
	}
	if q.now == nil {
		q.now = time.Now
	}
	workerutil.RunWithPanicRecovery(ctx, "queue-processor", &q.wg, func(ctx context.Context) {
		q.processLoop()
	}, workerutil.RecoveryOptions{
		IsShutdown: q.isShutdown,
	})
	return q
}

func (q *Queue) isShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Enqueue blocks until sessionId's item is processed, ctx is cancelled, or
// the queue has shut down. Concurrent Enqueues for the same sessionId that
// arrive before the first completes are coalesced onto the same item and
// observe an identical result; no extra spawn is performed.
func (q *Queue) Enqueue(ctx context.Context, sessionID, title string) Result {
	waiter := make(chan Result, 1)

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return Result{}
	}
	if existing, ok := q.index[sessionID]; ok {
		existing.waiters = append(existing.waiters, waiter)
		q.mu.Unlock()
	} else {
		it := &item{sessionID: sessionID, title: title, enqueuedAt: q.now(), waiters: []chan Result{waiter}}
		q.index[sessionID] = it
		q.items = append(q.items, it)
		q.notifyUpdateLocked()
		q.mu.Unlock()
		q.signalWake()
	}

	select {
	case res := <-waiter:
		return res
	case <-ctx.Done():
		return Result{}
	}
}

// PendingCount returns len(items[]) plus one if something is in-flight.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.inFlight != nil {
		n++
	}
	return n
}

// Shutdown is idempotent. It resolves every waiter (queued and in-flight)
// as failure and refuses further Enqueues. It does not wait for an
// in-flight spawn attempt to actually return — that attempt may be blocked
// on a subprocess or HTTP call with no cancellable context, and spec.md §5
// requires Shutdown to be best-effort rather than wait arbitrarily long on
// it. The processor goroutine notices q.shutdown on its own and exits once
// its current attempt (if any) finishes.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	pending := q.items
	q.items = nil
	inFlight := q.inFlight
	q.index = make(map[string]*item)
	q.mu.Unlock()

	for _, it := range pending {
		resolveAll(it, Result{})
	}
	if inFlight != nil {
		resolveAll(inFlight, Result{})
	}
	q.signalWake()
	q.cancel()
}

// resolveAll delivers res to every waiter. Sends are non-blocking: each
// waiter channel is created with capacity 1 and read at most once by its
// Enqueue caller, but an item can be resolved twice in the shutdown race
// (once by Shutdown itself, once by the processor's own completion) — the
// second send must never block forever against a caller who already left.
func resolveAll(it *item, res Result) {
	for _, w := range it.waiters {
		select {
		case w <- res:
		default:
		}
	}
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// notifyUpdateLocked must be called with q.mu held.
func (q *Queue) notifyUpdateLocked() {
	if q.onQueueUpdate == nil {
		return
	}
	pending := len(q.items)
	if q.inFlight != nil {
		pending++
	}
	cb := q.onQueueUpdate
	go cb(pending)
}

// processLoop is the single spawn-worker. It is the only goroutine that
// ever dequeues an item or calls spawn.
func (q *Queue) processLoop() {
	for {
		it, shuttingDown := q.dequeue()
		if it == nil {
			if shuttingDown {
				return
			}
			<-q.wake
			continue
		}
		q.processItem(it)

		q.mu.Lock()
		empty := len(q.items) == 0 && q.inFlight == nil
		hasMore := len(q.items) > 0
		shutdown := q.shutdown
		delay := q.spawnDelay
		q.mu.Unlock()

		if empty && q.onQueueDrained != nil {
			q.onQueueDrained()
		}
		if hasMore && !shutdown {
			time.Sleep(delay)
		}
	}
}

func (q *Queue) dequeue() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return nil, true
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	q.inFlight = it
	q.notifyUpdateLocked()
	return it, false
}

func (q *Queue) processItem(it *item) {
	defer q.finishItem(it)

	if q.now().Sub(it.enqueuedAt) > q.staleThreshold {
		slog.Warn("[queue] item stale, skipping spawn", "sessionId", it.sessionID, "age", q.now().Sub(it.enqueuedAt))
		resolveAll(it, Result{})
		return
	}

	attempts := q.maxRetryAttempts + 1
	backoff := baseBackoff
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if q.isShutdown() {
				return
			}
			time.Sleep(backoff)
			backoff *= 2
			if q.isShutdown() {
				return
			}
		}
		res := q.spawn(context.Background(), it.sessionID, it.title, attempt)
		if res.Success {
			resolveAll(it, res)
			return
		}
		if attempt == attempts-1 {
			resolveAll(it, res)
		}
	}
}

func (q *Queue) finishItem(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = nil
	delete(q.index, it.sessionID)
	q.notifyUpdateLocked()
}
