package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// sendFunc delivers a frame towards the client. Relays wrap it to observe
// frames on the way through.
type sendFunc func(ctx context.Context, frame *wire.SessionMessageResponse)

// listener is one live bus-topic binding feeding frames to a client
// stream. It is created against the topic set resolved from the owning
// service and closed when the client no longer needs the feed.
type listener struct {
	id  uint32
	sub bus.Subscription
	log zerolog.Logger
}

func (l *listener) ID() uint32 {
	return l.id
}

func (l *listener) Close() {
	if l.sub != nil {
		if err := l.sub.Unsubscribe(); err != nil {
			l.log.Warn().Err(err).Msg("unsubscribe listener")
		}
		l.sub = nil
	}
}

// newCharacterListener binds a character's out-topic, forwarding live info
// frames, and forwards the current snapshot so the client does not wait
// for the next change.
func newCharacterListener(ctx context.Context, b bus.Bus, log zerolog.Logger, characterID uint32, send sendFunc) *listener {
	l := &listener{id: characterID, log: log.With().Uint32("character_id", characterID).Logger()}

	topics := resolveCharacterTopics(ctx, b, l.log, characterID)
	if topics == nil {
		return l
	}

	if topics.SubscribeTopic != "" {
		sub, err := b.Listen(topics.SubscribeTopic, func(ctx context.Context, _ string, payload []byte) []byte {
			var info wire.CharacterLiveInfoMessage
			if err := wire.Unmarshal(payload, &info); err != nil {
				l.log.Warn().Err(err).Msg("malformed character live info dropped")
				return nil
			}
			send(ctx, &wire.SessionMessageResponse{
				Type:              wire.MessageTypeCharacterLiveInfo,
				CharacterLiveInfo: &info,
			})
			return nil
		})
		if err != nil {
			l.log.Warn().Err(err).Msg("listen character out-topic")
		} else {
			l.sub = sub
		}
	}

	if topics.RequestTopic != "" {
		reqPayload, err := wire.Marshal(wire.CharacterLiveInfoRequest{CharacterID: characterID})
		if err != nil {
			l.log.Error().Err(err).Msg("marshal live info request")
			return l
		}
		reply, err := b.Request(ctx, topics.RequestTopic, reqPayload, bus.DefaultRequestTimeout)
		if err != nil {
			l.log.Warn().Err(err).Msg("character live snapshot")
			return l
		}
		var resp wire.CharacterLiveInfoResponse
		if err := wire.Unmarshal(reply, &resp); err != nil {
			l.log.Warn().Err(err).Msg("malformed live snapshot dropped")
			return l
		}
		send(ctx, &wire.SessionMessageResponse{
			Type:              wire.MessageTypeCharacterLiveInfo,
			OK:                resp.OK,
			CharacterLiveInfo: resp.CharacterLiveInfo,
		})
	}
	return l
}

// newSystemListener binds a system's out-topic, forwarding membership
// vectors, plus the current snapshot.
func newSystemListener(ctx context.Context, b bus.Bus, log zerolog.Logger, systemID uint32, send sendFunc) *listener {
	l := &listener{id: systemID, log: log.With().Uint32("system_id", systemID).Logger()}

	topics := resolveSystemTopics(ctx, b, l.log, systemID)
	if topics == nil {
		return l
	}

	if topics.SubscribeTopic != "" {
		sub, err := b.Listen(topics.SubscribeTopic, func(ctx context.Context, _ string, payload []byte) []byte {
			var info wire.SystemLiveInfoMessage
			if err := wire.Unmarshal(payload, &info); err != nil {
				l.log.Warn().Err(err).Msg("malformed system live info dropped")
				return nil
			}
			send(ctx, &wire.SessionMessageResponse{
				Type:           wire.MessageTypeSystemLiveInfo,
				SystemLiveInfo: &info,
			})
			return nil
		})
		if err != nil {
			l.log.Warn().Err(err).Msg("listen system out-topic")
		} else {
			l.sub = sub
		}
	}

	if topics.RequestTopic != "" {
		reqPayload, err := wire.Marshal(wire.SystemLiveInfoRequest{SystemID: systemID})
		if err != nil {
			l.log.Error().Err(err).Msg("marshal live info request")
			return l
		}
		reply, err := b.Request(ctx, topics.RequestTopic, reqPayload, bus.DefaultRequestTimeout)
		if err != nil {
			l.log.Warn().Err(err).Msg("system live snapshot")
			return l
		}
		var resp wire.SystemLiveInfoResponse
		if err := wire.Unmarshal(reply, &resp); err != nil {
			l.log.Warn().Err(err).Msg("malformed live snapshot dropped")
			return l
		}
		send(ctx, &wire.SessionMessageResponse{
			Type:           wire.MessageTypeSystemLiveInfo,
			SystemLiveInfo: resp.SystemLiveInfo,
		})
	}
	return l
}

// newChatterListener binds a system's chatter out-topic. Chatter has no
// snapshot; only new messages flow.
func newChatterListener(ctx context.Context, b bus.Bus, log zerolog.Logger, systemID uint32, send sendFunc) *listener {
	l := &listener{id: systemID, log: log.With().Uint32("system_id", systemID).Logger()}

	reqPayload, err := wire.Marshal(wire.ChatterTopicRequest{SystemID: systemID})
	if err != nil {
		l.log.Error().Err(err).Msg("marshal chatter topic request")
		return l
	}
	reply, err := b.Request(ctx, wire.SubjectChatterTopic, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		l.log.Warn().Err(err).Msg("resolve chatter topics")
		return l
	}
	var resp wire.ChatterTopicResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		l.log.Warn().Err(err).Msg("malformed chatter topic response dropped")
		return l
	}
	if !resp.OK || resp.ChatterTopics == nil || resp.ChatterTopics.SubscribeTopic == "" {
		l.log.Warn().Msg("chatter topics unavailable")
		return l
	}

	sub, err := b.Listen(resp.ChatterTopics.SubscribeTopic, func(ctx context.Context, _ string, payload []byte) []byte {
		var msg wire.ChatterMessage
		if err := wire.Unmarshal(payload, &msg); err != nil {
			l.log.Warn().Err(err).Msg("malformed chatter dropped")
			return nil
		}
		send(ctx, &wire.SessionMessageResponse{
			Type:    wire.MessageTypeChatter,
			Chatter: &msg,
		})
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("listen chatter out-topic")
		return l
	}
	l.sub = sub
	return l
}

func resolveCharacterTopics(ctx context.Context, b bus.Bus, log zerolog.Logger, characterID uint32) *wire.TopicSet {
	reqPayload, err := wire.Marshal(wire.CharacterTopicRequest{CharacterID: characterID})
	if err != nil {
		log.Error().Err(err).Msg("marshal topic request")
		return nil
	}
	reply, err := b.Request(ctx, wire.SubjectCharacterTopic, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("resolve character topics")
		return nil
	}
	var resp wire.CharacterTopicResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		log.Warn().Err(err).Msg("malformed topic response dropped")
		return nil
	}
	if !resp.OK || resp.CharacterTopics == nil {
		log.Warn().Msg("character topics unavailable")
		return nil
	}
	return resp.CharacterTopics
}

func resolveSystemTopics(ctx context.Context, b bus.Bus, log zerolog.Logger, systemID uint32) *wire.TopicSet {
	reqPayload, err := wire.Marshal(wire.SystemTopicRequest{SystemID: systemID})
	if err != nil {
		log.Error().Err(err).Msg("marshal topic request")
		return nil
	}
	reply, err := b.Request(ctx, wire.SubjectSystemTopic, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("resolve system topics")
		return nil
	}
	var resp wire.SystemTopicResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		log.Warn().Err(err).Msg("malformed topic response dropped")
		return nil
	}
	if !resp.OK || resp.SystemTopics == nil {
		log.Warn().Msg("system topics unavailable")
		return nil
	}
	return resp.SystemTopics
}
