package jobtrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scribed/src/log"
)

// CloseNormal is the normal-closure code passed to the transport when a
// session ends cleanly (websocket close code 1000).
const CloseNormal = 1000

// Conn is the bidirectional client transport a session drives. Receive
// returns ErrReceiveTimeout when no message arrived within the timeout;
// any other error means the peer is gone.
type Conn interface {
	SendJSON(v interface{}) error
	Receive(timeout time.Duration) (string, error)
	Close(code int, reason string) error
}

// SessionState is the lifecycle state of one client connection.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateConfirmed  SessionState = "confirmed"
	StateActive     SessionState = "active"
	StateClosing    SessionState = "closing"
	StateClosed     SessionState = "closed"
)

// validSessionTransition enforces the allowed session state edges.
// closed is terminal.
func validSessionTransition(from, to SessionState) bool {
	switch from {
	case StateConnecting:
		return to == StateConfirmed || to == StateClosing
	case StateConfirmed:
		return to == StateActive || to == StateClosing
	case StateActive:
		return to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// controlMessage is the session-level JSON sent for handshake,
// keepalive and echo traffic.
type controlMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Session handles one client connection for one job: handshake
// confirmation, keepalive pings, client echo and termination.
type Session struct {
	ID    string
	JobID string

	conn    Conn
	manager *ConnectionManager
	config  ManagerConfig

	mu    sync.Mutex
	state SessionState

	writeMu sync.Mutex
}

func newSession(id, jobID string, conn Conn, manager *ConnectionManager, config ManagerConfig) *Session {
	return &Session{
		ID:      id,
		JobID:   jobID,
		conn:    conn,
		manager: manager,
		config:  config,
		state:   StateConnecting,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send forwards an update envelope to the client. Fails once the
// session is closing or closed.
func (s *Session) Send(env *Envelope) error {
	if state := s.State(); state == StateClosing || state == StateClosed {
		return fmt.Errorf("session %s is %s", s.ID, state)
	}
	return s.sendJSON(env)
}

// Run confirms the connection and services the keepalive loop until the
// client disconnects, sends fail repeatedly or the session is closed by
// a terminal update. Always detaches before returning.
func (s *Session) Run(ctx context.Context) {
	confirm := controlMessage{
		Type:      TypeConnected,
		JobID:     s.JobID,
		SessionID: s.ID,
		Message:   "Connected to job updates",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err := s.sendJSON(confirm); err != nil {
		log.Error(err, "failed to confirm connection", "job_id", s.JobID, "session_id", s.ID)
		s.close("")
		return
	}
	s.transition(StateConfirmed)
	s.transition(StateActive)

	sendFailures := 0
	for s.State() == StateActive {
		select {
		case <-ctx.Done():
			s.close("")
			return
		default:
		}

		data, err := s.conn.Receive(s.config.ReadTimeout)
		switch {
		case err == nil:
			// Echo back for connection testing.
			echo := controlMessage{
				Type:      TypeEcho,
				SessionID: s.ID,
				Data:      data,
				Timestamp: time.Now().Format(time.RFC3339),
			}
			if sendErr := s.sendJSON(echo); sendErr != nil {
				sendFailures++
			} else {
				sendFailures = 0
			}
		case errors.Is(err, ErrReceiveTimeout):
			ping := controlMessage{
				Type:      TypePing,
				SessionID: s.ID,
				Timestamp: time.Now().Format(time.RFC3339),
			}
			if sendErr := s.sendJSON(ping); sendErr != nil {
				sendFailures++
			} else {
				sendFailures = 0
			}
		default:
			// Client disconnect.
			log.Debug("client disconnected", "job_id", s.JobID, "session_id", s.ID)
			s.close("")
			return
		}

		if sendFailures >= s.config.PingFailureLimit {
			log.Info("closing session after repeated send failures",
				"job_id", s.JobID, "session_id", s.ID, "failures", sendFailures)
			s.close("")
			return
		}
	}

	// Closed out from under the loop by a terminal update.
	s.close("")
}

// CloseWithStatus ends the session with a normal closure carrying the
// terminal job status as reason. Called by the update listener.
func (s *Session) CloseWithStatus(status JobStatus) {
	s.close(string(status))
}

// close moves the session through Closing to Closed, detaches it from
// the manager and attempts a best-effort transport close. Safe to call
// from multiple goroutines; only the first caller acts.
func (s *Session) close(reason string) {
	if !s.transition(StateClosing) {
		return
	}

	s.manager.Detach(s.JobID, s)

	if err := s.conn.Close(CloseNormal, reason); err != nil {
		log.Debug("transport close failed", "job_id", s.JobID, "session_id", s.ID, "error", err.Error())
	}

	s.transition(StateClosed)
}

func (s *Session) transition(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validSessionTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (s *Session) sendJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.SendJSON(v)
}
