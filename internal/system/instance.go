package system

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/catalog"
	"starlane-server/internal/metrics"
	"starlane-server/internal/wire"
)

// Instance is one star system. It owns the presence set of characters
// currently in the system and republishes the full membership vector on
// every change.
type Instance struct {
	bus bus.Bus
	log zerolog.Logger
	met *metrics.Metrics

	system catalog.System

	mu       sync.Mutex
	presence map[uint32]struct{}

	outTopic     string
	inTopic      string
	requestTopic string
}

func NewInstance(b bus.Bus, log zerolog.Logger, met *metrics.Metrics, system catalog.System) *Instance {
	return &Instance{
		bus:          b,
		log:          log.With().Uint32("system_id", system.SystemID).Logger(),
		met:          met,
		system:       system,
		presence:     make(map[uint32]struct{}),
		outTopic:     wire.SystemOut(system.SystemID),
		inTopic:      wire.SystemIn(system.SystemID),
		requestTopic: wire.SystemLive(system.SystemID),
	}
}

func (i *Instance) Topics() *wire.TopicSet {
	return &wire.TopicSet{
		SubscribeTopic: i.outTopic,
		PublishTopic:   i.inTopic,
		RequestTopic:   i.requestTopic,
	}
}

func (i *Instance) StaticInfo() *wire.SystemStaticInfoMessage {
	info := i.system.StaticInfo()
	return &info
}

// LiveInfo snapshots the membership vector, sorted for stable output.
func (i *Instance) LiveInfo() *wire.SystemLiveInfoMessage {
	i.mu.Lock()
	members := make([]uint32, 0, len(i.presence))
	for id := range i.presence {
		members = append(members, id)
	}
	i.mu.Unlock()
	sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
	return &wire.SystemLiveInfoMessage{SystemID: i.system.SystemID, CharacterID: members}
}

func (i *Instance) liveRequestCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.SystemLiveInfoRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		i.log.Warn().Err(err).Msg("malformed live info request dropped")
		return nil
	}

	resp := wire.SystemLiveInfoResponse{OK: false, SystemID: req.SystemID}
	if req.SystemID == i.system.SystemID {
		resp = wire.SystemLiveInfoResponse{
			OK:             true,
			SystemID:       i.system.SystemID,
			SystemLiveInfo: i.LiveInfo(),
		}
	}
	out, err := wire.Marshal(resp)
	if err != nil {
		i.log.Error().Err(err).Msg("marshal live info response")
		return nil
	}
	return out
}

// presenceCb applies a presence delta. Replays are no-ops: the vector is
// republished only when the set actually changed. The publish happens
// outside the lock.
func (i *Instance) presenceCb(ctx context.Context, _ string, payload []byte) []byte {
	var delta wire.SystemSetLiveCharacterRequest
	if err := wire.Unmarshal(payload, &delta); err != nil {
		i.log.Warn().Err(err).Msg("malformed presence delta dropped")
		return nil
	}
	if delta.SystemID != i.system.SystemID {
		i.log.Error().Uint32("delta_system_id", delta.SystemID).Msg("presence delta for foreign system rejected")
		return nil
	}

	i.mu.Lock()
	_, present := i.presence[delta.CharacterID]
	changed := false
	if delta.Present && !present {
		i.presence[delta.CharacterID] = struct{}{}
		changed = true
	} else if !delta.Present && present {
		delete(i.presence, delta.CharacterID)
		changed = true
	}
	size := len(i.presence)
	i.mu.Unlock()

	if !changed {
		return nil
	}
	if i.met != nil {
		i.met.PresenceSize.WithLabelValues(strconv.FormatUint(uint64(i.system.SystemID), 10)).Set(float64(size))
	}
	i.publishLiveInfo(ctx)
	return nil
}

func (i *Instance) publishLiveInfo(ctx context.Context) {
	payload, err := wire.Marshal(i.LiveInfo())
	if err != nil {
		i.log.Error().Err(err).Msg("marshal live info")
		return
	}
	if err := i.bus.Publish(ctx, i.outTopic, payload); err != nil {
		i.log.Warn().Err(err).Msg("publish live info")
	}
}

func (i *Instance) Start(_ context.Context) {
	i.bus.Subscribe(i.requestTopic, i.liveRequestCb, true)
	i.bus.Subscribe(i.inTopic, i.presenceCb, false)
	i.log.Info().Str("name", i.system.Name).Msg("system online")
}

func (i *Instance) Stop(_ context.Context) {
	i.bus.Unsubscribe(i.inTopic)
	i.bus.Unsubscribe(i.requestTopic)
	i.log.Info().Msg("system offline")
}
