package roomhub

import (
	"context"
	"sync"

	"github.com/collabedit/core/internal/logger"
	"github.com/collabedit/core/internal/store"
)

// Manager owns the process-wide map of live room hubs, lazily starting one
// per room on first access and tearing it down once its Idle channel
// fires. Grounded on the teacher's ServerState.getOrCreateDocument plus
// StartCleaner/cleanupExpiredDocuments in pkg/server/server.go, generalized
// from one global document to many independently-idling room hubs.
type Manager struct {
	st  store.Store
	cfg Config

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager builds a Manager; cfg is applied to every hub it starts.
func NewManager(st store.Store, cfg Config) *Manager {
	return &Manager{st: st, cfg: cfg, hubs: make(map[string]*Hub)}
}

// Get returns the live hub for roomID, starting one if none exists yet.
func (m *Manager) Get(ctx context.Context, roomID string) (*Hub, error) {
	if _, err := m.st.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[roomID]; ok {
		return h, nil
	}
	h := New(m.st, roomID, m.cfg)
	m.hubs[roomID] = h
	go m.watchIdle(roomID, h)
	return h, nil
}

func (m *Manager) watchIdle(roomID string, h *Hub) {
	<-h.Idle()
	m.mu.Lock()
	if m.hubs[roomID] == h {
		delete(m.hubs, roomID)
	}
	m.mu.Unlock()
	h.Stop()
	logger.Info("room %s: hub torn down after idle timeout", roomID)
}

// Count reports the number of currently live room hubs, mainly for health
// reporting.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// StopAll terminates every live hub, used on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.hubs {
		h.Stop()
		delete(m.hubs, id)
	}
}
