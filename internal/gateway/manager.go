package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/metrics"
	"starlane-server/internal/wire"
)

// SessionManager maps session ids handed out by the session service to
// the per-connection routers holding their stream state.
type SessionManager struct {
	bus bus.Bus
	log zerolog.Logger
	met *metrics.Metrics

	mu      sync.Mutex
	routers map[string]*Router
}

func NewSessionManager(b bus.Bus, log zerolog.Logger, met *metrics.Metrics) *SessionManager {
	return &SessionManager{
		bus:     b,
		log:     log,
		met:     met,
		routers: make(map[string]*Router),
	}
}

func (m *SessionManager) Add(sessionID string, topics *wire.TopicSet, characterID uint32) *Router {
	router := NewRouter(m.bus, m.log, m.met, sessionID, topics, characterID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routers[sessionID] = router
	return router
}

func (m *SessionManager) Get(sessionID string) *Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routers[sessionID]
}

func (m *SessionManager) Remove(ctx context.Context, router *Router) {
	m.mu.Lock()
	delete(m.routers, router.SessionID())
	m.mu.Unlock()
	router.Shutdown(ctx)
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routers)
}

func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	routers := make([]*Router, 0, len(m.routers))
	for _, router := range m.routers {
		routers = append(routers, router)
	}
	m.routers = make(map[string]*Router)
	m.mu.Unlock()

	for _, router := range routers {
		router.Shutdown(ctx)
	}
}
