// Package session implements the session service: one live session per
// character, created on StartSession and destroyed on StopSession or by
// displacement when the same character logs in again.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/metrics"
	"starlane-server/internal/service"
	"starlane-server/internal/telemetry"
	"starlane-server/internal/wire"
)

type Service struct {
	service.Manager
	accounts map[string]uint32
	met      *metrics.Metrics

	mu          sync.Mutex
	bySession   map[string]*Instance
	byCharacter map[uint32]string
}

func New(b bus.Bus, accounts map[string]uint32, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		Manager:     service.NewManager(b, wire.ServiceTypeSession, log),
		accounts:    accounts,
		met:         met,
		bySession:   make(map[string]*Instance),
		byCharacter: make(map[uint32]string),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.Manager.Start(ctx)
	s.Bus.Subscribe(wire.SubjectSessionStart, telemetry.Traced("session.start", s.startCb), true)
	s.Bus.Subscribe(wire.SubjectSessionStop, telemetry.Traced("session.stop", s.stopCb), true)
}

func (s *Service) Stop(ctx context.Context) {
	s.Bus.Unsubscribe(wire.SubjectSessionStop)
	s.Bus.Unsubscribe(wire.SubjectSessionStart)

	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.bySession))
	for _, inst := range s.bySession {
		instances = append(instances, inst)
	}
	s.bySession = make(map[string]*Instance)
	s.byCharacter = make(map[uint32]string)
	s.mu.Unlock()

	for _, inst := range instances {
		inst.Stop(ctx)
	}
	s.updateGauge()
	s.Manager.Stop(ctx)
}

func (s *Service) updateGauge() {
	if s.met == nil {
		return
	}
	s.mu.Lock()
	n := len(s.bySession)
	s.mu.Unlock()
	s.met.SessionsActive.Set(float64(n))
}

// ActiveSessionID reports the live session for a character, if any.
func (s *Service) ActiveSessionID(characterID uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.byCharacter[characterID]
	return sessionID, ok
}

func (s *Service) startCb(ctx context.Context, _ string, payload []byte) []byte {
	var req wire.SessionStartRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed session start dropped")
		return nil
	}

	characterID, known := s.accounts[req.Username]
	if !known {
		s.Log.Info().Str("username", req.Username).Msg("unknown account")
		return s.reply(wire.SessionStartResponse{OK: false})
	}

	// Displacement: evict any prior session for this character. The evicted
	// instance's Stop does bus I/O, so the index entries are claimed and
	// the lock released before calling it; the index is re-checked after.
	for {
		s.mu.Lock()
		prevID, exists := s.byCharacter[characterID]
		if !exists {
			break
		}
		prev := s.bySession[prevID]
		delete(s.bySession, prevID)
		delete(s.byCharacter, characterID)
		s.mu.Unlock()
		if prev != nil {
			s.Log.Info().Str("session_id", prevID).Uint32("character_id", characterID).Msg("displacing prior session")
			prev.Stop(ctx)
		}
	}
	inst := NewInstance(s.Bus, s.Log, characterID)
	s.bySession[inst.SessionID] = inst
	s.byCharacter[characterID] = inst.SessionID
	s.mu.Unlock()

	inst.Start(ctx)
	s.updateGauge()

	return s.reply(wire.SessionStartResponse{
		OK:            true,
		CharacterID:   characterID,
		SessionID:     inst.SessionID,
		SessionTopics: inst.Topics(),
	})
}

func (s *Service) stopCb(ctx context.Context, _ string, payload []byte) []byte {
	var req wire.SessionStopRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed session stop dropped")
		return nil
	}

	s.mu.Lock()
	inst, ok := s.bySession[req.SessionID]
	if ok {
		delete(s.bySession, req.SessionID)
		delete(s.byCharacter, inst.CharacterID)
	}
	s.mu.Unlock()

	if !ok {
		return s.reply(wire.SessionStopResponse{OK: false, SessionID: req.SessionID})
	}
	inst.Stop(ctx)
	s.updateGauge()
	return s.reply(wire.SessionStopResponse{OK: true, SessionID: req.SessionID})
}

func (s *Service) reply(v any) []byte {
	payload, err := wire.Marshal(v)
	if err != nil {
		s.Log.Error().Err(err).Msg("marshal reply")
		return nil
	}
	return payload
}
