package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// infoHandler answers static info queries from the client by proxying
// them to the owning service.
type infoHandler struct {
	bus  bus.Bus
	log  zerolog.Logger
	send sendFunc
}

func (h *infoHandler) handleCharacterStaticInfo(ctx context.Context, msg *wire.SessionMessageRequest) {
	frame := &wire.SessionMessageResponse{Type: wire.MessageTypeCharacterStaticInfo, OK: false}

	reqPayload, err := wire.Marshal(wire.CharacterStaticInfoRequest{CharacterID: msg.CharacterID})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal static info request")
		h.send(ctx, frame)
		return
	}
	reply, err := h.bus.Request(ctx, wire.SubjectCharacterStatic, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		h.log.Warn().Err(err).Msg("character static info")
		h.send(ctx, frame)
		return
	}
	var resp wire.CharacterStaticInfoResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		h.log.Warn().Err(err).Msg("malformed static info response dropped")
		h.send(ctx, frame)
		return
	}
	frame.OK = resp.OK
	frame.CharacterStaticInfo = resp.CharacterStaticInfo
	h.send(ctx, frame)
}

func (h *infoHandler) handleSystemStaticInfo(ctx context.Context, msg *wire.SessionMessageRequest) {
	frame := &wire.SessionMessageResponse{Type: wire.MessageTypeSystemStaticInfo, OK: false}

	reqPayload, err := wire.Marshal(wire.SystemStaticInfoRequest{SystemID: msg.SystemID})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal static info request")
		h.send(ctx, frame)
		return
	}
	reply, err := h.bus.Request(ctx, wire.SubjectSystemStatic, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		h.log.Warn().Err(err).Msg("system static info")
		h.send(ctx, frame)
		return
	}
	var resp wire.SystemStaticInfoResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		h.log.Warn().Err(err).Msg("malformed static info response dropped")
		h.send(ctx, frame)
		return
	}
	frame.OK = resp.OK
	frame.SystemStaticInfo = resp.SystemStaticInfo
	h.send(ctx, frame)
}

// chatterHandler posts client chatter into the chatter room of the
// player's current system. The resolved publish topic is cached until the
// player changes system.
type chatterHandler struct {
	bus   bus.Bus
	log   zerolog.Logger
	state *sessionState

	mu           sync.Mutex
	cachedSystem uint32
	publishTopic string
}

func (h *chatterHandler) handleChatter(ctx context.Context, msg *wire.SessionMessageRequest) {
	if msg.Chatter == nil {
		h.log.Warn().Msg("chatter frame without payload dropped")
		return
	}

	h.mu.Lock()
	topic := h.publishTopic
	cached := h.cachedSystem
	h.mu.Unlock()

	if cached != msg.Chatter.SystemID || topic == "" {
		reqPayload, err := wire.Marshal(wire.ChatterTopicRequest{SystemID: msg.Chatter.SystemID})
		if err != nil {
			h.log.Error().Err(err).Msg("marshal chatter topic request")
			return
		}
		reply, err := h.bus.Request(ctx, wire.SubjectChatterTopic, reqPayload, bus.DefaultRequestTimeout)
		if err != nil {
			h.log.Warn().Err(err).Msg("resolve chatter topics")
			return
		}
		var resp wire.ChatterTopicResponse
		if err := wire.Unmarshal(reply, &resp); err != nil {
			h.log.Warn().Err(err).Msg("malformed chatter topic response dropped")
			return
		}
		if !resp.OK || resp.ChatterTopics == nil {
			return
		}
		topic = resp.ChatterTopics.PublishTopic
		h.mu.Lock()
		h.cachedSystem = msg.Chatter.SystemID
		h.publishTopic = topic
		h.mu.Unlock()
	}

	// Chatter only flows into the system the player is actually in.
	if msg.Chatter.SystemID != h.state.SystemID() || topic == "" {
		return
	}

	payload, err := wire.Marshal(msg.Chatter)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal chatter")
		return
	}
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		h.log.Warn().Err(err).Msg("publish chatter")
	}
}

// handlePong echoes keepalive frames with the server clock filled in.
func handlePong(send sendFunc) dispatchFunc {
	return func(ctx context.Context, msg *wire.SessionMessageRequest) {
		pp := &wire.PingPong{ServerTime: time.Now().UnixMilli()}
		if msg.PingPong != nil {
			pp.ClientTime = msg.PingPong.ClientTime
		}
		send(ctx, &wire.SessionMessageResponse{Type: wire.MessageTypePong, PingPong: pp})
	}
}
