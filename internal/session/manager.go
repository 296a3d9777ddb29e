// Package session owns tracked sessions, drives the status poller, and
// orchestrates the spawn queue, zombie reaper, and multiplexer adapter. It
// is the single place holding the daemon's live session state; everything
// else (queue, reaper, adapter) is stateless with respect to sessions.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"opentmuxd/internal/config"
	"opentmuxd/internal/metrics"
	"opentmuxd/internal/queue"
	"opentmuxd/internal/reaper"
	"opentmuxd/internal/tmux"
	"opentmuxd/internal/workerutil"
)

const (
	pollInterval         = 2 * time.Second
	sessionMissingGraceN = 3 // multiple of pollInterval
	sessionTimeout       = 10 * time.Minute
	statusFetchTimeout   = 2 * time.Second

	// sustainedStatusFailures is how many consecutive /session/status
	// fetch failures trigger a host-health probe; if the host is still
	// unhealthy at that point the manager shuts down with
	// reasonServerUnreach rather than spinning forever on a dead host.
	sustainedStatusFailures = 3
)

// CreatedEvent mirrors the plugin shim's session.created notification.
type CreatedEvent struct {
	Type     string
	ID       string
	ParentID string
	Title    string
}

// TrackedSession is one successfully spawned pane. lastSeenAt/missingSince
// are mutated only by the poller; all other mutation goes through the
// manager's lock.
type TrackedSession struct {
	SessionID    string
	PaneID       string
	ParentID     string
	Title        string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	MissingSince *time.Time
}

type closeReason string

const (
	reasonIdle            closeReason = "idle"
	reasonMissingTooLong  closeReason = "missing_too_long"
	reasonTimeout         closeReason = "timeout"
	reasonShutdown        closeReason = "shutdown"
	reasonServerUnreach   closeReason = "server-unreachable"
)

// Manager owns tracked sessions and the background loops that maintain
// them. The zero value is not usable; construct with New.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*TrackedSession
	pending  map[string]bool

	cfg        config.Config
	serverURL  string
	adapter    *tmux.Adapter
	queue      *queue.Queue
	reaper     *reaper.Reaper
	metrics    *metrics.Metrics
	httpClient *http.Client

	pollerRunning bool
	pollerStop    chan struct{}
	pollerDone    chan struct{}
	pollerWG      sync.WaitGroup

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	statusFailures int

	shutdownOnce sync.Once
	shutdown     bool
}

// New constructs a Manager wired to its own spawn queue and zombie reaper.
// The reaper is started immediately when cfg.ReaperEnabled is set; the
// poller starts lazily on the first tracked session.
func New(cfg config.Config, serverURL string, adapter *tmux.Adapter, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		sessions:   make(map[string]*TrackedSession),
		pending:    make(map[string]bool),
		cfg:        cfg,
		serverURL:  serverURL,
		adapter:    adapter,
		metrics:    m,
		httpClient: &http.Client{},
	}
	mgr.queue = queue.New(queue.Options{
		StaleThreshold:   30 * time.Second,
		SpawnDelay:       time.Duration(cfg.SpawnDelayMs) * time.Millisecond,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		Spawn: func(ctx context.Context, sessionID, title string, retryCount int) queue.Result {
			res := adapter.SpawnPane(ctx, sessionID, title, cfg, serverURL)
			return queue.Result{Success: res.Success, PaneID: res.PaneID}
		},
		OnQueueUpdate: func(pending int) {
			if m != nil {
				m.SetQueueDepth(uint64(pending))
			}
		},
		OnQueueDrained: mgr.armLayoutDebounce,
	})
	mgr.reaper = reaper.New(reaper.Options{
		ServerURL:          serverURL,
		ScanInterval:       time.Duration(cfg.ReaperIntervalMs) * time.Millisecond,
		MinConsecutiveChks: cfg.ReaperMinZombieChks,
		GracePeriod:        time.Duration(cfg.ReaperGracePeriodMs) * time.Millisecond,
	})
	if cfg.ReaperEnabled {
		mgr.reaper.Start(context.Background())
	}
	return mgr
}

// OnSessionCreated implements the acceptance and dedup filters, then
// enqueues a spawn. It returns immediately after marking the session
// pending; the actual spawn and bookkeeping happen asynchronously.
func (m *Manager) OnSessionCreated(event CreatedEvent) bool {
	if !m.cfg.Enabled || !tmux.InsideMultiplexer() {
		return false
	}
	if event.Type != "session.created" || event.ID == "" || event.ParentID == "" {
		return false
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return false
	}
	if _, tracked := m.sessions[event.ID]; tracked || m.pending[event.ID] {
		m.mu.Unlock()
		return false
	}
	m.pending[event.ID] = true
	m.updateMetricsLocked()
	m.mu.Unlock()

	go m.spawnAndTrack(event)
	return true
}

func (m *Manager) spawnAndTrack(event CreatedEvent) {
	res := m.queue.Enqueue(context.Background(), event.ID, event.Title)

	m.mu.Lock()
	delete(m.pending, event.ID)
	if res.Success {
		now := time.Now()
		m.sessions[event.ID] = &TrackedSession{
			SessionID:  event.ID,
			PaneID:     res.PaneID,
			ParentID:   event.ParentID,
			Title:      event.Title,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		m.ensurePollerLocked()
	}
	m.updateMetricsLocked()
	m.mu.Unlock()
}

// ensurePollerLocked must be called with m.mu held.
func (m *Manager) ensurePollerLocked() {
	if m.pollerRunning {
		return
	}
	m.pollerRunning = true
	m.pollerStop = make(chan struct{})
	m.pollerDone = make(chan struct{})
	m.runPoller(m.pollerStop, m.pollerDone)
}

// runPoller starts the poll ticker loop under a panic-recovering supervisor.
// It returns immediately; done is closed once the loop has fully exited.
func (m *Manager) runPoller(stop, done chan struct{}) {
	workerutil.RunWithPanicRecovery(context.Background(), "session-poller", &m.pollerWG, func(ctx context.Context) {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.pollTick()
			case <-stop:
				return
			}
		}
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		},
	})
	go func() {
		m.pollerWG.Wait()
		close(done)
	}()
}

func (m *Manager) pollTick() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	statuses, ok := m.fetchSessionStatus()
	if !ok {
		m.handleStatusFetchFailure()
		return
	}
	m.mu.Lock()
	m.statusFailures = 0
	m.mu.Unlock()

	now := time.Now()
	missingGrace := sessionMissingGraceN * pollInterval

	m.mu.Lock()
	var toClose []struct {
		id     string
		reason closeReason
	}
	for _, id := range ids {
		ts, tracked := m.sessions[id]
		if !tracked {
			continue
		}
		if st, present := statuses[id]; present {
			ts.LastSeenAt = now
			ts.MissingSince = nil
			if st.Type == "idle" {
				toClose = append(toClose, struct {
					id     string
					reason closeReason
				}{id, reasonIdle})
				continue
			}
		} else {
			if ts.MissingSince == nil {
				missingAt := now
				ts.MissingSince = &missingAt
			} else if now.Sub(*ts.MissingSince) >= missingGrace {
				toClose = append(toClose, struct {
					id     string
					reason closeReason
				}{id, reasonMissingTooLong})
				continue
			}
		}
		if now.Sub(ts.CreatedAt) >= sessionTimeout {
			toClose = append(toClose, struct {
				id     string
				reason closeReason
			}{id, reasonTimeout})
		}
	}
	m.mu.Unlock()

	for _, c := range toClose {
		m.closeSession(c.id, c.reason)
	}

	m.mu.Lock()
	if len(m.sessions) == 0 && m.pollerRunning {
		m.stopPollerLocked()
	}
	m.updateMetricsLocked()
	m.mu.Unlock()
}

// stopPollerLocked must be called with m.mu held.
func (m *Manager) stopPollerLocked() {
	if !m.pollerRunning {
		return
	}
	close(m.pollerStop)
	m.pollerRunning = false
}

// handleStatusFetchFailure tracks consecutive /session/status failures.
// A poll failure alone is transient and is skipped (see pollTick); only
// once failures are sustained does this probe host health directly and,
// if the host is confirmed unhealthy, tear the manager down entirely
// rather than let tracked panes linger against a dead host.
func (m *Manager) handleStatusFetchFailure() {
	m.mu.Lock()
	m.statusFailures++
	failures := m.statusFailures
	m.mu.Unlock()

	if failures < sustainedStatusFailures {
		return
	}
	if m.adapter.HostHealthy(m.serverURL) {
		m.mu.Lock()
		m.statusFailures = 0
		m.mu.Unlock()
		return
	}
	slog.Warn("[session] host unreachable across sustained polling, shutting down",
		"serverUrl", m.serverURL, "consecutiveFailures", failures)
	go m.Shutdown(string(reasonServerUnreach))
}

type sessionStatusEntry struct {
	Type string `json:"type"`
}

func (m *Manager) fetchSessionStatus() (map[string]sessionStatusEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), statusFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(m.serverURL, "/")+"/session/status", nil)
	if err != nil {
		return nil, false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var body struct {
		Data map[string]sessionStatusEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false
	}
	// A missing "data" field decodes to a nil map, i.e. zero active
	// sessions — treated the same as an explicit empty object.
	return body.Data, true
}

// closeSession kills the pane and removes the bookkeeping entry.
func (m *Manager) closeSession(id string, reason closeReason) {
	m.mu.Lock()
	ts, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("[session] closing session", "sessionId", id, "reason", reason)
	m.adapter.ClosePane(context.Background(), ts.PaneID, m.cfg)
}

// armLayoutDebounce (re)arms the one-shot layout debounce timer. Repeated
// calls within layoutDebounceMs collapse into a single ApplyLayout.
func (m *Manager) armLayoutDebounce() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	delay := time.Duration(m.cfg.LayoutDebounceMs) * time.Millisecond
	m.debounceTimer = time.AfterFunc(delay, func() {
		m.adapter.ApplyLayout(context.Background(), m.cfg)
	})
}

// updateMetricsLocked must be called with m.mu held.
func (m *Manager) updateMetricsLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetTrackedSessions(uint64(len(m.sessions)))
	m.metrics.SetPendingSessions(uint64(len(m.pending)))
}

// Shutdown stops the poller and debounce timer, shuts down the queue and
// reaper, then closes every remaining tracked pane. Idempotent.
func (m *Manager) Shutdown(reason string) {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.stopPollerLocked()
		remaining := make([]*TrackedSession, 0, len(m.sessions))
		for _, ts := range m.sessions {
			remaining = append(remaining, ts)
		}
		m.sessions = make(map[string]*TrackedSession)
		m.mu.Unlock()

		m.debounceMu.Lock()
		if m.debounceTimer != nil {
			m.debounceTimer.Stop()
		}
		m.debounceMu.Unlock()

		m.queue.Shutdown()
		m.reaper.Shutdown()

		for _, ts := range remaining {
			slog.Info("[session] closing session on shutdown", "sessionId", ts.SessionID, "reason", reason)
			m.adapter.ClosePane(context.Background(), ts.PaneID, m.cfg)
		}
	})
}

// Stats returns the current counter values for the control service's Stats
// RPC.
func (m *Manager) Stats() metrics.Snapshot {
	if m.metrics == nil {
		return metrics.Snapshot{}
	}
	return m.metrics.Snapshot()
}
