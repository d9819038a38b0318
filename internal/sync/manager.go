package sync

import (
	"sort"
	"sync"
	"time"
)

// Manager tracks running syncs so that one account resource is never synced
// by two callers at once
type Manager struct {
	runners      map[string]time.Time
	runnersMutex sync.Mutex
	now          func() time.Time
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{
		runners: make(map[string]time.Time),
		now:     time.Now,
	}
}

func runnerKey(accountID, resource string) string {
	return accountID + ":" + resource
}

// Start marks the resource as running. The returned func ends the run; it
// is ErrSyncInProgress when the resource is already running.
func (m *Manager) Start(accountID, resource string) (func(), error) {
	key := runnerKey(accountID, resource)

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[key]; exists {
		return nil, ErrSyncInProgress
	}
	m.runners[key] = m.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.runnersMutex.Lock()
			delete(m.runners, key)
			m.runnersMutex.Unlock()
		})
	}, nil
}

// GetRunningSyncs returns the keys of currently running syncs
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	syncs := make([]string, 0, len(m.runners))
	for key := range m.runners {
		syncs = append(syncs, key)
	}
	sort.Strings(syncs)
	return syncs
}
