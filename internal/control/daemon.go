package control

import (
	"sync"

	"opentmuxd/internal/config"
	"opentmuxd/internal/metrics"
	"opentmuxd/internal/session"
	"opentmuxd/internal/tmux"
)

// Daemon implements Handler, owning the one session.Manager created at
// Init. Before Init it answers every call with its before-Init semantics
// rather than panicking on a nil manager.
type Daemon struct {
	mu          sync.Mutex
	initialized bool
	manager     *session.Manager
	metrics     *metrics.Metrics

	cfg    config.Config
	onStop func(reason string)
}

// NewDaemon constructs a Daemon. cfg is the base config (already loaded and
// normalized); onStop, if non-nil, is invoked asynchronously on every
// Shutdown request.
func NewDaemon(cfg config.Config, onStop func(reason string)) *Daemon {
	return &Daemon{
		cfg:     cfg,
		metrics: &metrics.Metrics{},
		onStop:  onStop,
	}
}

// Init honors exactly one call; subsequent calls return an error.
func (d *Daemon) Init(params InitParams) (InitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return InitResult{}, errAlreadyInitialized
	}

	cfg := d.cfg
	if len(params.ConfigOverrides) > 0 {
		overrides := config.Config{MaxRetryAttempts: config.MaxRetryAttemptsUnset}
		if err := unmarshalParams(params.ConfigOverrides, &overrides); err == nil {
			cfg = config.Merge(cfg, overrides)
		}
	}
	cfg = config.Normalize(cfg)

	d.manager = session.New(cfg, params.ServerURL, tmux.NewAdapter(), d.metrics)
	d.cfg = cfg
	d.initialized = true

	return InitResult{Enabled: cfg.Enabled, Message: "initialized"}, nil
}

// OnSessionCreated always rejects before Init.
func (d *Daemon) OnSessionCreated(params SessionCreatedParams) (SessionCreatedResult, error) {
	d.mu.Lock()
	mgr := d.manager
	d.mu.Unlock()
	if mgr == nil {
		return SessionCreatedResult{Accepted: false}, nil
	}

	accepted := mgr.OnSessionCreated(session.CreatedEvent{
		Type:     params.Type,
		ID:       params.ID,
		ParentID: params.ParentID,
		Title:    params.Title,
	})
	return SessionCreatedResult{Accepted: accepted}, nil
}

// Shutdown is always idempotent and valid before Init (a no-op). The
// onStop callback, if set, fires asynchronously on every call.
func (d *Daemon) Shutdown(params ShutdownParams) (ShutdownResult, error) {
	d.mu.Lock()
	mgr := d.manager
	onStop := d.onStop
	d.mu.Unlock()

	if mgr != nil {
		mgr.Shutdown(params.Reason)
	}
	if onStop != nil {
		go onStop(params.Reason)
	}
	return ShutdownResult{OK: true}, nil
}

// Stats is valid before Init (returns all zero).
func (d *Daemon) Stats() (StatsResult, error) {
	d.mu.Lock()
	mgr := d.manager
	d.mu.Unlock()
	if mgr == nil {
		return StatsResult{}, nil
	}
	snap := mgr.Stats()
	return StatsResult{
		TrackedSessions: snap.TrackedSessions,
		PendingSessions: snap.PendingSessions,
		QueueDepth:      snap.QueueDepth,
	}, nil
}

type initError string

func (e initError) Error() string { return string(e) }

const errAlreadyInitialized = initError("control: Init already called")
