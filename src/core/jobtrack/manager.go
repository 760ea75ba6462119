package jobtrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bwmarrin/snowflake"

	"scribed/src/log"
)

// UpdateSubscriber hands out the shared bus subscription for the update
// topic. The returned channel closes when ctx is cancelled.
type UpdateSubscriber interface {
	Subscribe(ctx context.Context) (<-chan *message.Message, error)
}

// ActiveTracker is the registry surface the connection manager and the
// update listener need: the union view of active jobs plus local cache
// pruning on terminal updates.
type ActiveTracker interface {
	ReconcileActive(ctx context.Context) map[string]struct{}
	Forget(id string)
}

// ManagerConfig tunes the listener loop and session keepalive. Zero
// values fall back to the defaults used in production.
type ManagerConfig struct {
	PollTimeout      time.Duration
	IdleDelay        time.Duration
	ReadTimeout      time.Duration
	PingFailureLimit int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 100 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.PingFailureLimit <= 0 {
		c.PingFailureLimit = 3
	}
	return c
}

// ConnectionManager owns the live client connections, at most one per
// job ID per process, and the lifecycle of the shared update listener.
// The listener is started lazily on the first acquire or attach and
// torn down when the last reference is released and no jobs remain
// active anywhere.
type ConnectionManager struct {
	subscriber UpdateSubscriber
	repo       JobRepository
	active     ActiveSet
	tracker    ActiveTracker
	config     ManagerConfig
	node       *snowflake.Node

	// connMu guards only the session map. Nothing blocking runs under it.
	connMu   sync.Mutex
	sessions map[string]*Session

	// stateMu guards the reference count and listener lifecycle.
	stateMu  sync.Mutex
	refs     int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewConnectionManager(
	subscriber UpdateSubscriber,
	repo JobRepository,
	active ActiveSet,
	tracker ActiveTracker,
	config ManagerConfig,
) (*ConnectionManager, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &ConnectionManager{
		subscriber: subscriber,
		repo:       repo,
		active:     active,
		tracker:    tracker,
		config:     config.withDefaults(),
		node:       node,
		sessions:   make(map[string]*Session),
	}, nil
}

// Acquire marks one more call site holding the shared subscription open
// and lazily starts the update listener. Every successful Acquire must
// be paired with a Release on all exit paths; a failed Acquire holds no
// reference.
func (m *ConnectionManager) Acquire(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if err := m.ensureListenerLocked(); err != nil {
		return err
	}
	m.refs++
	return nil
}

// Release drops one reference. When the count reaches zero and
// reconciliation reports no active job anywhere, the listener is
// cancelled and the subscription closed; otherwise resources stay warm
// for the next caller.
func (m *ConnectionManager) Release(ctx context.Context) {
	m.stateMu.Lock()
	m.refs--
	if m.refs < 0 {
		m.refs = 0
	}
	if m.refs > 0 || !m.running {
		m.stateMu.Unlock()
		return
	}
	m.stateMu.Unlock()

	// Reconciliation hits the store and the distributed set; it must not
	// run under stateMu. Re-check the count afterwards: a concurrent
	// Acquire wins over teardown.
	activeIDs := m.tracker.ReconcileActive(ctx)
	if len(activeIDs) > 0 {
		log.Debug("leaving update listener running", "active_jobs", len(activeIDs))
		return
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.refs > 0 || !m.running {
		return
	}
	m.stopListenerLocked()
}

// Attach registers a session-level connection for a job ID, atomically
// replacing any prior connection for the same ID. The replaced entry is
// only dropped from tracking; its transport teardown is left to its own
// session loop. The update listener is started if it is not running.
func (m *ConnectionManager) Attach(conn Conn, jobID string) (*Session, error) {
	session := newSession(m.node.Generate().String(), jobID, conn, m, m.config)

	m.connMu.Lock()
	if old, ok := m.sessions[jobID]; ok {
		log.Info("replacing connection for job", "job_id", jobID, "old_session", old.ID)
	}
	m.sessions[jobID] = session
	m.connMu.Unlock()

	m.stateMu.Lock()
	err := m.ensureListenerLocked()
	m.stateMu.Unlock()
	if err != nil {
		m.Detach(jobID, session)
		return nil, err
	}

	return session, nil
}

// Detach removes the session from tracking if it is still the one
// registered for the job ID. Idempotent and safe from error paths.
func (m *ConnectionManager) Detach(jobID string, session *Session) {
	m.connMu.Lock()
	if current, ok := m.sessions[jobID]; ok && current == session {
		delete(m.sessions, jobID)
	}
	m.connMu.Unlock()
}

// Forward delivers an envelope to the locally attached connection, if
// any. Returns whether a connection existed and the send succeeded. A
// failed send detaches the session; errors never reach the caller.
func (m *ConnectionManager) Forward(jobID string, env *Envelope) bool {
	m.connMu.Lock()
	session, ok := m.sessions[jobID]
	m.connMu.Unlock()
	if !ok {
		return false
	}

	if err := session.Send(env); err != nil {
		log.Error(err, "failed to forward update, detaching connection",
			"job_id", jobID, "session_id", session.ID)
		m.Detach(jobID, session)
		return false
	}
	return true
}

// CloseSession closes the attached connection for a job with a normal
// closure carrying the terminal status as reason. No-op when no
// connection is attached.
func (m *ConnectionManager) CloseSession(jobID string, status JobStatus) {
	m.connMu.Lock()
	session, ok := m.sessions[jobID]
	m.connMu.Unlock()
	if !ok {
		return
	}
	session.CloseWithStatus(status)
}

// Shutdown cancels the listener and waits for it to drain. Used on
// process exit; a later Attach would start a fresh listener.
func (m *ConnectionManager) Shutdown() {
	m.stateMu.Lock()
	done := m.done
	if m.running {
		m.stopListenerLocked()
	}
	m.stateMu.Unlock()

	if done != nil {
		<-done
	}
}

// ListenerRunning reports whether the update listener goroutine is
// currently considered live.
func (m *ConnectionManager) ListenerRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.running
}

func (m *ConnectionManager) ensureListenerLocked() error {
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := m.subscriber.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to update topic: %w", err)
	}

	listener := &UpdateListener{
		repo:        m.repo,
		active:      m.active,
		tracker:     m.tracker,
		manager:     m,
		pollTimeout: m.config.PollTimeout,
		idleDelay:   m.config.IdleDelay,
	}

	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.running = true
	go func() {
		defer close(done)
		listener.Run(ctx, messages)
	}()

	log.Info("update listener started")
	return nil
}

func (m *ConnectionManager) stopListenerLocked() {
	m.cancel()
	m.running = false
	log.Info("update listener stopped")
}
