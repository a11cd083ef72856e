// Package chatter implements the chatter service: a per-system relay that
// fans messages posted on a system's chatter in-topic back out to every
// subscriber on the out-topic. Rooms are created lazily on first topic
// lookup and live until the service stops.
package chatter

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

// Instance is the relay for one system's chatter room.
type Instance struct {
	bus bus.Bus
	log zerolog.Logger
	met *metrics.Metrics

	SystemID uint32

	outTopic string
	inTopic  string
}

func NewInstance(b bus.Bus, log zerolog.Logger, met *metrics.Metrics, systemID uint32) *Instance {
	return &Instance{
		bus:      b,
		log:      log.With().Uint32("system_id", systemID).Logger(),
		met:      met,
		SystemID: systemID,
		outTopic: wire.ChatterOut(systemID),
		inTopic:  wire.ChatterIn(systemID),
	}
}

func (i *Instance) Topics() *wire.TopicSet {
	return &wire.TopicSet{
		SubscribeTopic: i.outTopic,
		PublishTopic:   i.inTopic,
	}
}

// relayCb forwards a chatter message verbatim. The relay does not inspect
// or rewrite the message beyond checking it decodes.
func (i *Instance) relayCb(ctx context.Context, _ string, payload []byte) []byte {
	var msg wire.ChatterMessage
	if err := wire.Unmarshal(payload, &msg); err != nil {
		i.log.Warn().Err(err).Msg("malformed chatter dropped")
		return nil
	}
	if err := i.bus.Publish(ctx, i.outTopic, payload); err != nil {
		i.log.Warn().Err(err).Msg("relay chatter")
		return nil
	}
	if i.met != nil {
		i.met.ChatterRelayed.Inc()
	}
	return nil
}

func (i *Instance) Start(_ context.Context) {
	i.bus.Subscribe(i.inTopic, i.relayCb, false)
	i.log.Info().Msg("chatter room open")
}

func (i *Instance) Stop(_ context.Context) {
	i.bus.Unsubscribe(i.inTopic)
	i.log.Info().Msg("chatter room closed")
}

type Service struct {
	service.Manager
	met *metrics.Metrics

	mu     sync.Mutex
	active map[uint32]*Instance
}

func New(b bus.Bus, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		Manager: service.NewManager(b, wire.ServiceTypeChatter, log),
		met:     met,
		active:  make(map[uint32]*Instance),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.Manager.Start(ctx)
	s.Bus.Subscribe(wire.SubjectChatterTopic, telemetry.Traced("chatter.topic", s.topicCb), true)
}

func (s *Service) Stop(ctx context.Context) {
	s.Bus.Unsubscribe(wire.SubjectChatterTopic)

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

// topicCb resolves (and lazily creates) the chatter room for a system.
func (s *Service) topicCb(ctx context.Context, _ string, payload []byte) []byte {
	var req wire.ChatterTopicRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed chatter topic request dropped")
		return nil
	}

	s.mu.Lock()
	inst, ok := s.active[req.SystemID]
	if !ok {
		inst = NewInstance(s.Bus, s.Log, s.met, req.SystemID)
		s.active[req.SystemID] = inst
	}
	s.mu.Unlock()
	if !ok {
		inst.Start(ctx)
	}

	resp := wire.ChatterTopicResponse{
		OK:            true,
		SystemID:      req.SystemID,
		ChatterTopics: inst.Topics(),
	}
	out, err := wire.Marshal(resp)
	if err != nil {
		s.Log.Error().Err(err).Msg("marshal reply")
		return nil
	}
	return out
}
