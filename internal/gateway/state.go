package gateway

import "sync"

// sessionState tracks what the gateway knows about one client session.
// The character id is fixed at session creation; the system id follows
// the character's live info as it arrives.
type sessionState struct {
	sessionID   string
	characterID uint32

	mu       sync.Mutex
	systemID uint32
}

func newSessionState(sessionID string, characterID uint32) *sessionState {
	return &sessionState{sessionID: sessionID, characterID: characterID}
}

func (s *sessionState) SystemID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemID
}

func (s *sessionState) SetSystemID(systemID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemID = systemID
}
