package tracking

import (
	"log/slog"
	"sync"
)

// Manager hands out at most one live all-shows Sync per authenticated user,
// which upholds the one-subscription-per-(user, scope) guarantee across the
// HTTP surface. Guests always get a fresh empty sync that never subscribes.
type Manager struct {
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	syncs map[string]*Sync
}

func NewManager(store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: store,
		log:   log,
		syncs: make(map[string]*Sync),
	}
}

// ForUser returns the user's live sync, starting one on first use.
func (m *Manager) ForUser(auth AuthContext) (*Sync, error) {
	if !auth.Authenticated() {
		guest := NewSync(m.store, auth, m.log)
		if err := guest.Start(); err != nil {
			return nil, err
		}
		return guest, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.syncs[auth.UserID]; ok {
		return existing, nil
	}

	s := NewSync(m.store, auth, m.log)
	if err := s.Start(); err != nil {
		return nil, err
	}
	m.syncs[auth.UserID] = s
	return s, nil
}

// Drop tears down the user's sync, for use when the authenticated user
// changes or signs out. No dangling listeners remain.
func (m *Manager) Drop(userID string) {
	m.mu.Lock()
	s, ok := m.syncs[userID]
	delete(m.syncs, userID)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Close tears down every live sync.
func (m *Manager) Close() {
	m.mu.Lock()
	syncs := m.syncs
	m.syncs = make(map[string]*Sync)
	m.mu.Unlock()

	for _, s := range syncs {
		s.Close()
	}
}
