// Package workerutil runs a background loop under panic recovery with
// exponential backoff, so one bad tick doesn't silently kill a daemon
// worker (queue processor, poller, reaper scan).
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetries     = 10
)

// RecoveryOptions configures RunWithPanicRecovery. Zero values use the
// package defaults; set MaxRetries to 1 to disable restarts entirely.
type RecoveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// OnPanic is called after each panic recovery, before the backoff wait.
	// attempt is 1-based. May be nil.
	OnPanic func(worker string, attempt int)

	// OnFatal is called once MaxRetries is exceeded. May be nil.
	OnFatal func(worker string, maxRetries int)

	// IsShutdown, if set, suppresses restart once it returns true.
	IsShutdown func() bool
}

func (opts RecoveryOptions) applyDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return opts
}

// RunWithPanicRecovery launches fn in a new goroutine tracked by wg. A
// panic is recovered, logged, and fn is restarted with exponential backoff
// up to opts.MaxRetries; a normal return from fn ends the loop.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	opts = opts.applyDefaults()
	wg.Go(func() {
		runRecoveryLoop(ctx, name, fn, opts)
	})
}

func runRecoveryLoop(
	ctx context.Context,
	name string,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	restartDelay := opts.InitialBackoff

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[worker] background goroutine recovered from panic",
						"worker", name,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					panicked = true
				}
			}()
			fn(ctx)
		}()

		if !panicked || ctx.Err() != nil {
			return
		}

		// Callbacks are skipped once shutdown is underway: the state they
		// would touch may already be torn down. The panic is still logged
		// above regardless.
		if opts.IsShutdown != nil && opts.IsShutdown() {
			slog.Info("[worker] worker shutdown detected, stopping restart", "worker", name)
			return
		}

		slog.Warn("[worker] restarting worker after panic",
			"worker", name,
			"restartDelay", restartDelay,
			"attempt", attempt+1,
		)

		if opts.OnPanic != nil {
			opts.OnPanic(name, attempt+1)
		}

		if attempt == opts.MaxRetries-1 {
			break
		}

		restartTimer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			restartTimer.Stop()
			return
		case <-restartTimer.C:
		}

		restartDelay = nextBackoff(restartDelay, opts.MaxBackoff)
	}

	slog.Error("[worker] worker exceeded max retries, giving up", "worker", name, "maxRetries", opts.MaxRetries)

	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	if current <= 0 {
		return defaultInitialBackoff
	}
	if current >= maxBackoff {
		return maxBackoff
	}
	next := current * 2
	if next > maxBackoff || next < current {
		return maxBackoff
	}
	return next
}
