// Package character implements the character service: the static roster
// lookup plus one live instance per logged-in character.
package character

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/catalog"
	"starlane-server/internal/metrics"
	"starlane-server/internal/service"
	"starlane-server/internal/telemetry"
	"starlane-server/internal/wire"
)

type Service struct {
	service.Manager
	roster map[uint32]catalog.Character
	met    *metrics.Metrics

	mu     sync.Mutex
	active map[uint32]*Instance
}

func New(b bus.Bus, roster map[uint32]catalog.Character, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		Manager: service.NewManager(b, wire.ServiceTypeCharacter, log),
		roster:  roster,
		met:     met,
		active:  make(map[uint32]*Instance),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.Manager.Start(ctx)
	s.Bus.Subscribe(wire.SubjectCharacterStatic, telemetry.Traced("character.static", s.staticCb), true)
	s.Bus.Subscribe(wire.SubjectCharacterLogin, telemetry.Traced("character.login", s.loginCb), true)
	s.Bus.Subscribe(wire.SubjectCharacterLogout, telemetry.Traced("character.logout", s.logoutCb), true)
	s.Bus.Subscribe(wire.SubjectCharacterTopic, telemetry.Traced("character.topic", s.topicCb), true)
}

func (s *Service) Stop(ctx context.Context) {
	s.Bus.Unsubscribe(wire.SubjectCharacterTopic)
	s.Bus.Unsubscribe(wire.SubjectCharacterLogout)
	s.Bus.Unsubscribe(wire.SubjectCharacterLogin)
	s.Bus.Unsubscribe(wire.SubjectCharacterStatic)

	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.active))
	for _, inst := range s.active {
		instances = append(instances, inst)
	}
	s.active = make(map[uint32]*Instance)
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
	n := len(s.active)
	s.mu.Unlock()
	s.met.CharactersActive.Set(float64(n))
}

// IsActive reports whether a character currently has a live instance.
func (s *Service) IsActive(characterID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[characterID]
	return ok
}

func (s *Service) staticCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.CharacterStaticInfoRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed static info request dropped")
		return nil
	}

	entry, known := s.roster[req.CharacterID]
	if !known {
		return s.reply(wire.CharacterStaticInfoResponse{OK: false})
	}
	return s.reply(wire.CharacterStaticInfoResponse{
		OK: true,
		CharacterStaticInfo: &wire.CharacterStaticInfoMessage{
			CharacterID: req.CharacterID,
			Name:        entry.Name,
		},
	})
}

func (s *Service) loginCb(ctx context.Context, _ string, payload []byte) []byte {
	var req wire.CharacterLoginRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed login request dropped")
		return nil
	}

	// A character exists at most once. A repeated login stops the prior
	// instance before installing the new one; the evicted instance does
	// bus I/O in Stop, so the map entry is claimed and the lock released
	// before the call, then the map is re-checked.
	for {
		s.mu.Lock()
		prev, exists := s.active[req.CharacterID]
		if !exists {
			break
		}
		delete(s.active, req.CharacterID)
		s.mu.Unlock()
		s.Log.Info().Uint32("character_id", req.CharacterID).Msg("displacing prior character instance")
		prev.Stop(ctx)
	}

	entry, known := s.roster[req.CharacterID]
	if !known {
		s.mu.Unlock()
		return s.reply(wire.CharacterLoginResponse{OK: false, CharacterID: req.CharacterID})
	}

	inst := NewInstance(s.Bus, s.Log, req.CharacterID, entry.Name)
	s.active[req.CharacterID] = inst
	s.mu.Unlock()

	inst.Start(ctx)
	s.updateGauge()

	return s.reply(wire.CharacterLoginResponse{
		OK:                true,
		CharacterID:       inst.CharacterID,
		CharacterLiveInfo: inst.LiveInfo(true),
	})
}

func (s *Service) logoutCb(ctx context.Context, _ string, payload []byte) []byte {
	var req wire.CharacterLogoutRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed logout request dropped")
		return nil
	}

	s.mu.Lock()
	inst, ok := s.active[req.CharacterID]
	if ok {
		delete(s.active, req.CharacterID)
	}
	s.mu.Unlock()

	if !ok {
		return s.reply(wire.CharacterLogoutResponse{OK: false, CharacterID: req.CharacterID})
	}
	inst.Stop(ctx)
	s.updateGauge()
	return s.reply(wire.CharacterLogoutResponse{OK: true, CharacterID: req.CharacterID})
}

func (s *Service) topicCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.CharacterTopicRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed topic request dropped")
		return nil
	}

	s.mu.Lock()
	inst, ok := s.active[req.CharacterID]
	s.mu.Unlock()

	if !ok {
		return s.reply(wire.CharacterTopicResponse{OK: false, CharacterID: req.CharacterID})
	}
	return s.reply(wire.CharacterTopicResponse{
		OK:              true,
		CharacterID:     req.CharacterID,
		CharacterTopics: inst.Topics(),
	})
}

func (s *Service) reply(v any) []byte {
	payload, err := wire.Marshal(v)
	if err != nil {
		s.Log.Error().Err(err).Msg("marshal reply")
		return nil
	}
	return payload
}
