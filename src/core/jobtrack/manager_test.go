package jobtrack_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"scribed/src/core/jobtrack"
	"scribed/src/infrastructure/bus"
)

// failOnceSubscriber fails the first subscribe and delegates afterwards.
type failOnceSubscriber struct {
	inner *bus.Subscriber
	mu    sync.Mutex
	tried bool
}

func (s *failOnceSubscriber) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tried {
		s.tried = true
		return nil, errors.New("broker unavailable")
	}
	return s.inner.Subscribe(ctx)
}

func newTestManager(t *testing.T, repo *memJobRepo, active *memActiveSet) (*jobtrack.ConnectionManager, *jobtrack.Registry) {
	t.Helper()
	_, subscriber := newTestBus()
	registry := jobtrack.NewRegistry(repo, active, &stubDispatcher{}, time.Hour)
	manager, err := jobtrack.NewConnectionManager(subscriber, repo, active, registry, testManagerConfig())
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	t.Cleanup(manager.Shutdown)
	return manager, registry
}

func TestAttachReplacesExistingConnection(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())

	first := newFakeConn()
	second := newFakeConn()

	if _, err := manager.Attach(first, "J1"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if _, err := manager.Attach(second, "J1"); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	env := &jobtrack.Envelope{JobID: "J1", Status: jobtrack.JobStatusProcessing, Type: jobtrack.TypeJobUpdate}
	if !manager.Forward("J1", env) {
		t.Fatal("forward should reach the second connection")
	}

	if got := len(second.sentEnvelopes()); got != 1 {
		t.Errorf("second connection got %d envelopes, want 1", got)
	}
	if got := len(first.sentEnvelopes()); got != 0 {
		t.Errorf("evicted connection got %d envelopes, want 0", got)
	}
	if first.isClosed() {
		t.Error("evicted connection must not be force-closed")
	}
}

func TestDetachIdempotent(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())

	conn := newFakeConn()
	session, err := manager.Attach(conn, "J1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	manager.Detach("J1", session)
	manager.Detach("J1", session) // second call is a no-op

	if manager.Forward("J1", &jobtrack.Envelope{JobID: "J1"}) {
		t.Error("forward after detach should report no connection")
	}
}

func TestDetachOldSessionKeepsReplacement(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())

	old, err := manager.Attach(newFakeConn(), "J1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	replacement := newFakeConn()
	if _, err := manager.Attach(replacement, "J1"); err != nil {
		t.Fatalf("attach replacement: %v", err)
	}

	// Detaching the evicted session must not drop the replacement.
	manager.Detach("J1", old)

	if !manager.Forward("J1", &jobtrack.Envelope{JobID: "J1"}) {
		t.Fatal("replacement connection should still be tracked")
	}
	if got := len(replacement.sentEnvelopes()); got != 1 {
		t.Errorf("replacement got %d envelopes, want 1", got)
	}
}

func TestForwardWithoutConnection(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())

	if manager.Forward("unknown", &jobtrack.Envelope{JobID: "unknown"}) {
		t.Error("forward with no connection should return false")
	}
}

func TestForwardSendFailureDetaches(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())

	conn := newFakeConn()
	conn.sendErr = errPeerGone
	if _, err := manager.Attach(conn, "J1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if manager.Forward("J1", &jobtrack.Envelope{JobID: "J1"}) {
		t.Error("forward should report the send failure")
	}
	// The failing connection was detached.
	if manager.Forward("J1", &jobtrack.Envelope{JobID: "J1"}) {
		t.Error("connection should have been detached after send failure")
	}
}

func TestAcquireReleaseTeardown(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())
	ctx := context.Background()

	if err := manager.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !manager.ListenerRunning() {
		t.Fatal("listener should start on first acquire")
	}

	manager.Release(ctx)
	if manager.ListenerRunning() {
		t.Error("listener should stop at zero refs with nothing active")
	}
}

func TestReleaseKeepsListenerWhileJobsActive(t *testing.T) {
	active := newMemActiveSet()
	manager, _ := newTestManager(t, newMemJobRepo(), active)
	ctx := context.Background()

	if err := active.Add(ctx, "J1"); err != nil {
		t.Fatalf("seed active set: %v", err)
	}

	if err := manager.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	manager.Release(ctx)

	if !manager.ListenerRunning() {
		t.Error("listener must stay warm while the distributed set has members")
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())
	ctx := context.Background()

	// Release without acquire must not wedge the counter.
	manager.Release(ctx)
	manager.Release(ctx)

	if err := manager.Acquire(ctx); err != nil {
		t.Fatalf("acquire after spurious releases: %v", err)
	}
	if !manager.ListenerRunning() {
		t.Error("listener should start normally after spurious releases")
	}
}

func TestFailedAcquireHoldsNoReference(t *testing.T) {
	_, inner := newTestBus()
	subscriber := &failOnceSubscriber{inner: inner}
	repo := newMemJobRepo()
	active := newMemActiveSet()
	registry := jobtrack.NewRegistry(repo, active, &stubDispatcher{}, time.Hour)
	manager, err := jobtrack.NewConnectionManager(subscriber, repo, active, registry, testManagerConfig())
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	defer manager.Shutdown()
	ctx := context.Background()

	if err := manager.Acquire(ctx); err == nil {
		t.Fatal("first acquire should surface the subscribe failure")
	}
	if manager.ListenerRunning() {
		t.Fatal("listener must not be running after a failed subscribe")
	}

	// A transient broker failure must not pin the listener: one good
	// acquire/release pair still reaches logical zero and tears down.
	if err := manager.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !manager.ListenerRunning() {
		t.Fatal("listener should start once the broker recovers")
	}
	manager.Release(ctx)
	if manager.ListenerRunning() {
		t.Error("failed acquire leaked a reference, teardown never fired")
	}
}

func TestListenerRestartsAfterTeardown(t *testing.T) {
	manager, _ := newTestManager(t, newMemJobRepo(), newMemActiveSet())
	ctx := context.Background()

	if err := manager.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	manager.Release(ctx)
	if manager.ListenerRunning() {
		t.Fatal("expected teardown at zero refs")
	}

	if _, err := manager.Attach(newFakeConn(), "J1"); err != nil {
		t.Fatalf("attach after teardown: %v", err)
	}
	if !manager.ListenerRunning() {
		t.Error("attach should restart a torn-down listener")
	}
}
