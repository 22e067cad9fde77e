package session

import (
	"fmt"
	"sync"
)

// Manager tracks live sessions for the control surface. Each Open call
// produces an independent session sharing the manager's store and
// collaborators.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share cfg's collaborators.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open creates a new session and starts a turn for the query.
func (m *Manager) Open(query string, opts Options) (*Session, error) {
	s := New(m.cfg)
	if err := s.Start(query, opts); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session with the given id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Stop cancels the session's in-flight turn and releases it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Stop()
	return nil
}

// StopAll cancels every live session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
