// Package system implements the system service: one eagerly created
// instance per star system, plus the universe topology query.
package system

import (
	"context"
	"sort"
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
	universe map[uint32]catalog.System
	met      *metrics.Metrics

	mu     sync.Mutex
	active map[uint32]*Instance
}

func New(b bus.Bus, universe map[uint32]catalog.System, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		Manager:  service.NewManager(b, wire.ServiceTypeSystem, log),
		universe: universe,
		met:      met,
		active:   make(map[uint32]*Instance),
	}
}

// Start brings every system in the universe online before accepting
// queries. Systems exist for the lifetime of the service.
func (s *Service) Start(ctx context.Context) {
	s.Manager.Start(ctx)

	for _, entry := range s.universe {
		inst := NewInstance(s.Bus, s.Log, s.met, entry)
		inst.Start(ctx)
		s.mu.Lock()
		s.active[entry.SystemID] = inst
		s.mu.Unlock()
	}

	s.Bus.Subscribe(wire.SubjectSystemStatic, telemetry.Traced("system.static", s.staticCb), true)
	s.Bus.Subscribe(wire.SubjectSystemTopic, telemetry.Traced("system.topic", s.topicCb), true)
	s.Bus.Subscribe(wire.SubjectUniverseStatic, telemetry.Traced("system.universe", s.universeCb), true)
}

func (s *Service) Stop(ctx context.Context) {
	s.Bus.Unsubscribe(wire.SubjectUniverseStatic)
	s.Bus.Unsubscribe(wire.SubjectSystemTopic)
	s.Bus.Unsubscribe(wire.SubjectSystemStatic)

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
	s.Manager.Stop(ctx)
}

func (s *Service) instance(systemID uint32) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.active[systemID]
	return inst, ok
}

func (s *Service) staticCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.SystemStaticInfoRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed static info request dropped")
		return nil
	}

	inst, ok := s.instance(req.SystemID)
	if !ok {
		return s.reply(wire.SystemStaticInfoResponse{OK: false, SystemID: req.SystemID})
	}
	return s.reply(wire.SystemStaticInfoResponse{
		OK:               true,
		SystemID:         req.SystemID,
		SystemStaticInfo: inst.StaticInfo(),
	})
}

func (s *Service) topicCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.SystemTopicRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed topic request dropped")
		return nil
	}

	inst, ok := s.instance(req.SystemID)
	if !ok {
		return s.reply(wire.SystemTopicResponse{OK: false, SystemID: req.SystemID})
	}
	return s.reply(wire.SystemTopicResponse{
		OK:           true,
		SystemID:     req.SystemID,
		SystemTopics: inst.Topics(),
	})
}

func (s *Service) universeCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.UniverseRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed universe request dropped")
		return nil
	}

	systems := make([]wire.SystemStaticInfoMessage, 0, len(s.universe))
	for _, entry := range s.universe {
		systems = append(systems, entry.StaticInfo())
	}
	sort.Slice(systems, func(a, b int) bool { return systems[a].SystemID < systems[b].SystemID })
	return s.reply(wire.UniverseResponse{OK: true, Systems: systems})
}

func (s *Service) reply(v any) []byte {
	payload, err := wire.Marshal(v)
	if err != nil {
		s.Log.Error().Err(err).Msg("marshal reply")
		return nil
	}
	return payload
}
