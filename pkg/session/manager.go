package session

import (
	"fmt"
	"sync"
)

// Manager tracks the calls in progress.
type Manager struct {
	mu    sync.RWMutex
	calls map[string]*CallSession
}

func NewManager() *Manager {
	return &Manager{calls: make(map[string]*CallSession)}
}

// Add registers s. A call id can only be active once.
func (m *Manager) Add(s *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[s.ID]; ok {
		return fmt.Errorf("session: call %s already active", s.ID)
	}
	m.calls[s.ID] = s
	return nil
}

func (m *Manager) Get(callID string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.calls[callID]
	return s, ok
}

// Remove forgets callID if it still maps to s.
func (m *Manager) Remove(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.calls[s.ID]; ok && cur == s {
		delete(m.calls, s.ID)
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// List returns the state of every active call.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.calls))
	for _, s := range m.calls {
		out = append(out, s.Info())
	}
	return out
}

// CloseAll hangs up every call and waits for them to stop.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	calls := make([]*CallSession, 0, len(m.calls))
	for _, s := range m.calls {
		calls = append(calls, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
			m.Remove(s)
		}()
	}
	wg.Wait()
}
