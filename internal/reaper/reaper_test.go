package reaper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestShutdownWithoutStartDoesNotBlock(t *testing.T) {
	r := New(Options{ServerURL: "http://127.0.0.1:1"})
	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked forever on a reaper that was never Started")
	}
}

func TestStartThenShutdownStopsCleanly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	}))
	defer srv.Close()

	r := New(Options{ServerURL: srv.URL, ScanInterval: time.Hour})
	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked after Start")
	}
}

func TestNormalizeOriginTreatsLocalhostAndLoopbackAsEqual(t *testing.T) {
	a := normalizeOrigin("http://localhost:4096")
	b := normalizeOrigin("http://127.0.0.1:4096")
	if a != b {
		t.Fatalf("expected equal origins, got %q vs %q", a, b)
	}
}

func TestBumpAndClearCandidate(t *testing.T) {
	r := New(Options{})
	r.bumpCandidate(foundProcess{pid: 123, url: "http://127.0.0.1:4096", sessionID: "s1"})
	r.bumpCandidate(foundProcess{pid: 123, url: "http://127.0.0.1:4096", sessionID: "s1"})

	r.mu.Lock()
	c := r.candidates[123]
	r.mu.Unlock()
	if c == nil || c.checks != 2 {
		t.Fatalf("expected 2 checks recorded, got %+v", c)
	}

	r.clearCandidate(123)
	r.mu.Lock()
	_, ok := r.candidates[123]
	r.mu.Unlock()
	if ok {
		t.Fatal("expected candidate to be cleared")
	}
}

func TestForgetVanishedRemovesMissingCandidates(t *testing.T) {
	r := New(Options{})
	r.bumpCandidate(foundProcess{pid: 1, url: "http://127.0.0.1:1", sessionID: "s1"})
	r.bumpCandidate(foundProcess{pid: 2, url: "http://127.0.0.1:1", sessionID: "s2"})

	r.forgetVanished(map[int]bool{1: true})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.candidates[1]; !ok {
		t.Fatal("pid 1 should remain, it was seen")
	}
	if _, ok := r.candidates[2]; ok {
		t.Fatal("pid 2 should have been forgotten, it was not seen")
	}
}

func TestKillReadyCandidatesRequiresBothThresholds(t *testing.T) {
	base := time.Now()
	var now time.Time
	var mu sync.Mutex
	now = base
	r := New(Options{
		MinConsecutiveChks: 2,
		GracePeriod:        time.Hour,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})

	r.bumpCandidate(foundProcess{pid: 999999, url: "http://127.0.0.1:1", sessionID: "s1"})
	r.bumpCandidate(foundProcess{pid: 999999, url: "http://127.0.0.1:1", sessionID: "s1"})

	// checks threshold met but grace period not yet elapsed: candidate stays.
	r.killReadyCandidates()
	r.mu.Lock()
	_, stillThere := r.candidates[999999]
	r.mu.Unlock()
	if !stillThere {
		t.Fatal("expected candidate to survive until grace period elapses")
	}

	mu.Lock()
	now = base.Add(2 * time.Hour)
	mu.Unlock()

	r.killReadyCandidates()
	r.mu.Lock()
	_, stillThere = r.candidates[999999]
	r.mu.Unlock()
	if stillThere {
		t.Fatal("expected candidate to be reaped once both thresholds are met")
	}
}

func TestFetchActiveSessionsParsesDataField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"s1": map[string]any{"type": "running"},
			},
		})
	}))
	defer srv.Close()

	active, ok := fetchActiveSessions(srv.Client(), srv.URL)
	if !ok {
		t.Fatal("expected successful fetch")
	}
	if !active["s1"] {
		t.Fatalf("expected s1 to be active, got %+v", active)
	}
}

func TestFetchActiveSessionsOnNon200ReturnsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, ok := fetchActiveSessions(srv.Client(), srv.URL)
	if ok {
		t.Fatal("expected failure on non-200 response")
	}
}

func TestScanOnceClearsCandidatesWhenNoAttachProcessesFound(t *testing.T) {
	r := New(Options{})
	r.bumpCandidate(foundProcess{pid: 1, url: "http://127.0.0.1:1", sessionID: "s1"})
	// findAttachProcesses scans real processes; in a test sandbox it will
	// not find any "opencode attach" command line, so scanOnce should take
	// the "found nothing" branch and clear all candidate state.
	r.scanOnce()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.candidates) != 0 {
		t.Fatalf("expected candidates cleared, got %+v", r.candidates)
	}
}

func TestReapAllWithNoAttachProcessesKillsNothing(t *testing.T) {
	// With no real attach processes present in a sandbox, ReapAll should
	// report zero kills rather than erroring.
	killed := ReapAll(nil, map[string]bool{"s1": true})
	if killed != 0 {
		t.Fatalf("expected 0 kills in a sandbox with no attach processes, got %d", killed)
	}
}
