package control

import (
	"path/filepath"
	"testing"
)

type stubHandler struct {
	initCalls int
}

func (s *stubHandler) Init(params InitParams) (InitResult, error) {
	s.initCalls++
	return InitResult{Enabled: true, Message: "ok"}, nil
}

func (s *stubHandler) OnSessionCreated(params SessionCreatedParams) (SessionCreatedResult, error) {
	return SessionCreatedResult{Accepted: params.ID != ""}, nil
}

func (s *stubHandler) Shutdown(params ShutdownParams) (ShutdownResult, error) {
	return ShutdownResult{OK: true}, nil
}

func (s *stubHandler) Stats() (StatsResult, error) {
	return StatsResult{TrackedSessions: 1, PendingSessions: 2, QueueDepth: 3}, nil
}

func newTestServer(t *testing.T, h Handler) (*Server, *Client) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, h)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, NewClient(sockPath)
}

func TestServerDispatchesInit(t *testing.T) {
	h := &stubHandler{}
	_, client := newTestServer(t, h)

	res, err := client.Init(InitParams{ServerURL: "http://127.0.0.1:4096"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !res.Enabled || res.Message != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.initCalls != 1 {
		t.Fatalf("expected 1 Init call, got %d", h.initCalls)
	}
}

func TestServerDispatchesStats(t *testing.T) {
	_, client := newTestServer(t, &stubHandler{})

	res, err := client.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if res.TrackedSessions != 1 || res.PendingSessions != 2 || res.QueueDepth != 3 {
		t.Fatalf("unexpected stats: %+v", res)
	}
}

func TestServerDispatchesOnSessionCreated(t *testing.T) {
	_, client := newTestServer(t, &stubHandler{})

	res, err := client.OnSessionCreated(SessionCreatedParams{Type: "session.created", ID: "s1", ParentID: "p1"})
	if err != nil {
		t.Fatalf("OnSessionCreated: %v", err)
	}
	if !res.Accepted {
		t.Fatal("expected accepted=true")
	}
}

func TestServerUnknownMethodReturnsError(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, &stubHandler{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(sockPath)
	var res struct{}
	err := client.call("Bogus", nil, &res)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestServerStartTwiceErrors(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, &stubHandler{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	if err := srv.Start(); err == nil {
		t.Fatal("expected error starting an already-started server")
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, &stubHandler{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}
