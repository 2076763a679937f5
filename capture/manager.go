package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scan-station/binder"
	"scan-station/device"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by every session
type Deps struct {
	Camera   Camera
	Binder   *binder.Binder
	Surface  binder.Surface // nil disables the preview
	Analyzer Analyzer
	Activity ActivityLogger

	JPEGQuality    int
	MaxUploadBytes int64
}

// Manager owns the open sessions and hands the camera to one of them at a
// time
type Manager struct {
	deps        *Deps
	maxSessions int
	idleTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	holder    *Session
	holderGen uint64 // generation of the holder's claim
}

// NewManager creates a session manager. maxSessions <= 0 means unlimited;
// idleTimeout <= 0 disables reaping.
func NewManager(deps Deps, maxSessions int, idleTimeout time.Duration, logger *zap.Logger) *Manager {
	if deps.Activity == nil {
		deps.Activity = nopActivity{}
	}
	if deps.JPEGQuality <= 0 {
		deps.JPEGQuality = 92
	}
	return &Manager{
		deps:        &deps,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// Create starts a session for a UI with the given capabilities
func (m *Manager) Create(caps device.Capabilities) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, m.maxSessions)
	}

	s := newSession(uuid.NewString(), caps, m.deps, m, m.logger)
	m.sessions[s.id] = s

	m.logger.Info("Session created",
		zap.String("session_id", s.id),
		zap.String("platform", string(caps.Platform)),
		zap.String("facing", string(caps.PreferredFacing)))
	return s, nil
}

// Get returns the session with the given ID
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close closes and forgets the session
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Close()
}

// CloseAll closes every session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logger.Info("All sessions closed", zap.Int("count", len(sessions)))
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CameraHolder returns the ID of the session holding the camera, or ""
func (m *Manager) CameraHolder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == nil {
		return ""
	}
	return m.holder.id
}

// ReapIdle closes sessions untouched for longer than the idle timeout
func (m *Manager) ReapIdle(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) > m.idleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("Closing idle session", zap.String("session_id", s.id))
		s.Close()
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done, then closes the rest
func (m *Manager) Run(ctx context.Context) error {
	interval := m.idleTimeout / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return nil
		case now := <-ticker.C:
			m.ReapIdle(now)
		}
	}
}

// Status returns a summary for the status endpoint
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]int)
	for _, s := range m.sessions {
		states[string(s.Snapshot().State)]++
	}
	holder := ""
	if m.holder != nil {
		holder = m.holder.id
	}

	return map[string]interface{}{
		"sessions":      len(m.sessions),
		"max_sessions":  m.maxSessions,
		"states":        states,
		"camera_holder": holder,
	}
}

func (m *Manager) claimCamera(s *Session, gen uint64) {
	m.mu.Lock()
	prev := m.holder
	m.holder = s
	m.holderGen = gen
	m.mu.Unlock()

	if prev != nil && prev != s {
		prev.preempt()
	}
}

// releaseCamera drops s as holder unless s claimed again after gen
func (m *Manager) releaseCamera(s *Session, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == s && gen >= m.holderGen {
		m.holder = nil
		m.holderGen = 0
	}
}

type nopActivity struct{}

func (nopActivity) LogActivity(string, string, map[string]any) {}
