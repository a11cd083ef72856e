package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// newSessionID derives the session identifier from the current UTC time
// and the character id. The SHA-1 hex format is part of the external
// contract: clients carry it in the x-session-id header.
func newSessionID(characterID uint32) string {
	h := sha1.New()
	h.Write([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(strconv.FormatUint(uint64(characterID), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Instance is one live session. It owns the per-session topic pair: the
// gateway publishes client frames on the in-topic and subscribes to the
// out-topic.
type Instance struct {
	bus bus.Bus
	log zerolog.Logger

	SessionID   string
	CharacterID uint32

	outTopic string
	inTopic  string
}

func NewInstance(b bus.Bus, log zerolog.Logger, characterID uint32) *Instance {
	sessionID := newSessionID(characterID)
	return &Instance{
		bus:         b,
		log:         log.With().Str("session_id", sessionID).Uint32("character_id", characterID).Logger(),
		SessionID:   sessionID,
		CharacterID: characterID,
		outTopic:    wire.SessionOut(sessionID),
		inTopic:     wire.SessionIn(sessionID),
	}
}

// Topics describes the session pipeline from the gateway's point of view.
func (i *Instance) Topics() *wire.TopicSet {
	return &wire.TopicSet{
		SubscribeTopic: i.outTopic,
		PublishTopic:   i.inTopic,
	}
}

func (i *Instance) inboundCb(_ context.Context, _ string, payload []byte) []byte {
	var msg wire.SessionMessageRequest
	if err := wire.Unmarshal(payload, &msg); err != nil {
		i.log.Warn().Err(err).Msg("malformed session frame dropped")
		return nil
	}
	i.log.Debug().Str("type", string(msg.Type)).Msg("session frame")
	return nil
}

// Start binds the in-topic and announces the session on the out-topic.
func (i *Instance) Start(ctx context.Context) {
	i.bus.Subscribe(i.inTopic, i.inboundCb, false)
	i.publishFrame(ctx, wire.MessageTypeStart)
	i.log.Info().Msg("session started")
}

// Stop announces STOP on the out-topic, tears down the in-topic, and
// issues the fallback character logout so an abruptly vanished client
// still releases its character.
func (i *Instance) Stop(ctx context.Context) {
	i.publishFrame(ctx, wire.MessageTypeStop)
	i.bus.Unsubscribe(i.inTopic)

	logout := wire.CharacterLogoutRequest{CharacterID: i.CharacterID}
	payload, err := wire.Marshal(logout)
	if err != nil {
		i.log.Error().Err(err).Msg("marshal fallback logout")
	} else if err := i.bus.Publish(ctx, wire.SubjectCharacterLogout, payload); err != nil {
		i.log.Warn().Err(err).Msg("publish fallback logout")
	}
	i.log.Info().Msg("session stopped")
}

func (i *Instance) publishFrame(ctx context.Context, typ wire.SessionMessageType) {
	frame := wire.SessionMessageResponse{Type: typ}
	payload, err := wire.Marshal(frame)
	if err != nil {
		i.log.Error().Err(err).Msg("marshal session frame")
		return
	}
	if err := i.bus.Publish(ctx, i.outTopic, payload); err != nil {
		i.log.Warn().Err(err).Str("type", string(typ)).Msg("publish session frame")
	}
}
