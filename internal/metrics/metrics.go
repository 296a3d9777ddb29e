// Package metrics holds the process-wide atomic counters the control
// service's Stats RPC reads. Writers (the session manager and the spawn
// queue) update fields independently; Snapshot returns a by-value struct
// with no cross-field coherence guarantee — two fields read a moment apart
// may reflect different instants.
package metrics

import "sync/atomic"

// Snapshot is an eventually-consistent, by-value read of the counters.
type Snapshot struct {
	TrackedSessions uint64
	PendingSessions uint64
	QueueDepth      uint64
}

// Metrics holds the three counters backing Snapshot. The zero value is
// ready to use.
type Metrics struct {
	trackedSessions atomic.Uint64
	pendingSessions atomic.Uint64
	queueDepth      atomic.Uint64
}

// SetTrackedSessions records the current tracked-session count.
func (m *Metrics) SetTrackedSessions(n uint64) {
	m.trackedSessions.Store(n)
}

// SetPendingSessions records the current pending-session count.
func (m *Metrics) SetPendingSessions(n uint64) {
	m.pendingSessions.Store(n)
}

// SetQueueDepth records the current spawn queue depth (items[] + inFlight).
func (m *Metrics) SetQueueDepth(n uint64) {
	m.queueDepth.Store(n)
}

// Snapshot returns the current counter values. Callers must not assume any
// coherence between the three fields.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TrackedSessions: m.trackedSessions.Load(),
		PendingSessions: m.pendingSessions.Load(),
		QueueDepth:      m.queueDepth.Load(),
	}
}
