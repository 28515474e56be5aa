// Package streamconn implements the stream transport: the HELLO/WELCOME/
// DATA/PING-PONG/BYE connection handshake and lifecycle on top of a
// framed byte stream, for any io.ReadWriteCloser carrying the VSTP codec
// directly (no datagram fragmentation involved — a stream has no MTU).
package streamconn

import (
	"fmt"
	"sync"
	"time"

	"github.com/vishurizz/vstp/internal/vstp"
)

// State is a connection's position in the HELLO/WELCOME/DATA/PING-PONG/BYE
// state machine.
type State string

const (
	StateNew     State = "NEW"     // accepted or dialed, handshake not complete
	StateActive  State = "ACTIVE"  // WELCOME exchanged, DATA/PING/PONG allowed
	StateClosing State = "CLOSING" // BYE sent or received, draining
	StateClosed  State = "CLOSED"
)

// Session tracks one stream connection's identity and lifecycle. It carries
// no transport reference of its own; the owning Conn updates it.
type Session struct {
	ID        vstp.SessionID
	State     State
	CreatedAt time.Time
	LastActive time.Time
	IdleTimeout time.Duration

	MessagesIn  int64
	MessagesOut int64
	BytesIn     int64
	BytesOut    int64
	ErrorCount  int64
	LastError   string

	mu sync.RWMutex
}

// NewSession creates a session in StateNew.
func NewSession(id vstp.SessionID, idleTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		State:       StateNew,
		CreatedAt:   now,
		LastActive:  now,
		IdleTimeout: idleTimeout,
	}
}

// IDString renders the session ID as hex, matching the logging idiom used
// across the codebase for fixed-size identifiers.
func (s *Session) IDString() string { return s.ID.String() }

// Activate transitions NEW -> ACTIVE once WELCOME has been sent/received.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateNew {
		return fmt.Errorf("streamconn: cannot activate session in state %s", s.State)
	}
	s.State = StateActive
	s.LastActive = time.Now()
	return nil
}

// BeginClose transitions ACTIVE -> CLOSING when a BYE is sent or received.
func (s *Session) BeginClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateActive || s.State == StateNew {
		s.State = StateClosing
	}
}

// Close transitions to CLOSED unconditionally; idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateClosed
}

// CurrentState returns the session's state under its own lock.
func (s *Session) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Touch refreshes the last-active timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActive = time.Now()
}

// IsIdle reports whether the session has exceeded its idle timeout.
func (s *Session) IsIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.IdleTimeout <= 0 {
		return false
	}
	return time.Since(s.LastActive) > s.IdleTimeout
}

// RecordMessage updates traffic counters.
func (s *Session) RecordMessage(outgoing bool, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActive = time.Now()
	if outgoing {
		s.MessagesOut++
		s.BytesOut += int64(size)
	} else {
		s.MessagesIn++
		s.BytesIn += int64(size)
	}
}

// RecordError records a transport-level error observed on this session.
func (s *Session) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCount++
	s.LastError = err.Error()
}

// Manager tracks the set of live sessions a stream server has accepted,
// bounding their count and evicting ones that have gone idle.
type Manager struct {
	mu       sync.RWMutex
	sessions map[vstp.SessionID]*Session
	maxLive  int

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a session manager with the given cap. A background
// goroutine prunes idle/closed sessions every interval; pass zero to
// disable it.
func NewManager(maxLive int, cleanupInterval time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[vstp.SessionID]*Session),
		maxLive:  maxLive,
		stopCleanup: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

// Register adds a session, returning an error if the manager is at
// capacity.
func (m *Manager) Register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxLive > 0 && len(m.sessions) >= m.maxLive {
		return fmt.Errorf("streamconn: maximum sessions reached (%d)", m.maxLive)
	}
	m.sessions[s.ID] = s
	return nil
}

// Remove drops a session from the table.
func (m *Manager) Remove(id vstp.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Get looks up a session by ID.
func (m *Manager) Get(id vstp.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pruneIdle()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) pruneIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.CurrentState() == StateClosed || s.IsIdle() {
			delete(m.sessions, id)
		}
	}
}

// Stop halts the cleanup goroutine. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
}
