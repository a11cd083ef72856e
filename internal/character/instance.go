package character

import (
	"context"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// defaultSystemID is where every character materializes on login.
const defaultSystemID uint32 = 1

// Instance is one logged-in character. It answers live-info requests on
// its request topic, accepts (and currently only logs) commands on its
// in-topic, and announces state changes on its out-topic.
type Instance struct {
	bus bus.Bus
	log zerolog.Logger

	CharacterID uint32
	Name        string
	SystemID    uint32

	outTopic     string
	inTopic      string
	requestTopic string
}

func NewInstance(b bus.Bus, log zerolog.Logger, characterID uint32, name string) *Instance {
	return &Instance{
		bus:          b,
		log:          log.With().Uint32("character_id", characterID).Logger(),
		CharacterID:  characterID,
		Name:         name,
		SystemID:     defaultSystemID,
		outTopic:     wire.CharacterOut(characterID),
		inTopic:      wire.CharacterIn(characterID),
		requestTopic: wire.CharacterLive(characterID),
	}
}

func (i *Instance) Topics() *wire.TopicSet {
	return &wire.TopicSet{
		SubscribeTopic: i.outTopic,
		PublishTopic:   i.inTopic,
		RequestTopic:   i.requestTopic,
	}
}

func (i *Instance) LiveInfo(active bool) *wire.CharacterLiveInfoMessage {
	return &wire.CharacterLiveInfoMessage{
		CharacterID: i.CharacterID,
		SystemID:    i.SystemID,
		Active:      active,
	}
}

func (i *Instance) liveRequestCb(_ context.Context, _ string, payload []byte) []byte {
	var req wire.CharacterLiveInfoRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		i.log.Warn().Err(err).Msg("malformed live info request dropped")
		return nil
	}

	resp := wire.CharacterLiveInfoResponse{OK: false, CharacterID: req.CharacterID}
	if req.CharacterID == i.CharacterID {
		resp = wire.CharacterLiveInfoResponse{
			OK:                true,
			CharacterID:       i.CharacterID,
			CharacterLiveInfo: i.LiveInfo(true),
		}
	}
	out, err := wire.Marshal(resp)
	if err != nil {
		i.log.Error().Err(err).Msg("marshal live info response")
		return nil
	}
	return out
}

func (i *Instance) inboundCb(_ context.Context, _ string, payload []byte) []byte {
	var msg wire.SessionMessageRequest
	if err := wire.Unmarshal(payload, &msg); err != nil {
		i.log.Warn().Err(err).Msg("malformed character frame dropped")
		return nil
	}
	i.log.Debug().Str("type", string(msg.Type)).Msg("character frame")
	return nil
}

// updateSystemPresence resolves the character's system topics and posts a
// presence delta on the system's in-topic. The system side treats replayed
// deltas as no-ops, so a double send is harmless.
func (i *Instance) updateSystemPresence(ctx context.Context, present bool) {
	req, err := wire.Marshal(wire.SystemTopicRequest{SystemID: i.SystemID})
	if err != nil {
		i.log.Error().Err(err).Msg("marshal system topic request")
		return
	}
	reply, err := i.bus.Request(ctx, wire.SubjectSystemTopic, req, bus.DefaultRequestTimeout)
	if err != nil {
		i.log.Warn().Err(err).Uint32("system_id", i.SystemID).Msg("resolve system topics")
		return
	}
	var resp wire.SystemTopicResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		i.log.Warn().Err(err).Msg("malformed system topic response dropped")
		return
	}
	if !resp.OK || resp.SystemTopics == nil {
		i.log.Warn().Uint32("system_id", i.SystemID).Msg("system topics unavailable")
		return
	}

	delta, err := wire.Marshal(wire.SystemSetLiveCharacterRequest{
		CharacterID: i.CharacterID,
		SystemID:    i.SystemID,
		Present:     present,
	})
	if err != nil {
		i.log.Error().Err(err).Msg("marshal presence delta")
		return
	}
	if err := i.bus.Publish(ctx, resp.SystemTopics.PublishTopic, delta); err != nil {
		i.log.Warn().Err(err).Msg("publish presence delta")
	}
}

func (i *Instance) publishLiveInfo(ctx context.Context, active bool) {
	payload, err := wire.Marshal(i.LiveInfo(active))
	if err != nil {
		i.log.Error().Err(err).Msg("marshal live info")
		return
	}
	if err := i.bus.Publish(ctx, i.outTopic, payload); err != nil {
		i.log.Warn().Err(err).Msg("publish live info")
	}
}

// Start binds the instance topics, announces the character live, and joins
// the system presence set.
func (i *Instance) Start(ctx context.Context) {
	i.bus.Subscribe(i.requestTopic, i.liveRequestCb, true)
	i.bus.Subscribe(i.inTopic, i.inboundCb, false)

	i.publishLiveInfo(ctx, true)
	i.updateSystemPresence(ctx, true)
	i.log.Info().Uint32("system_id", i.SystemID).Msg("character active")
}

// Stop leaves the presence set first so co-present observers see the
// departure, then announces the character inactive and unbinds.
func (i *Instance) Stop(ctx context.Context) {
	i.updateSystemPresence(ctx, false)
	i.publishLiveInfo(ctx, false)

	i.bus.Unsubscribe(i.inTopic)
	i.bus.Unsubscribe(i.requestTopic)
	i.log.Info().Msg("character inactive")
}
