package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

// relay owns the bus-topic listeners feeding one client stream. The player
// relay follows the player's character; when its live info moves to a new
// system the relay re-points the system and chatter feeds, and the system
// relay diffs each membership vector to keep one character feed per
// co-present character.
type relay struct {
	bus   bus.Bus
	log   zerolog.Logger
	state *sessionState
	send  sendFunc

	mu              sync.Mutex
	playerListener  *listener
	systemListener  *listener
	chatterListener *listener
	localCharacters map[uint32]*listener
}

func newRelay(b bus.Bus, log zerolog.Logger, state *sessionState, send sendFunc) *relay {
	return &relay{
		bus:             b,
		log:             log,
		state:           state,
		send:            send,
		localCharacters: make(map[uint32]*listener),
	}
}

// handleLogin asks the character service to bring the player's character
// up, then starts following it.
func (r *relay) handleLogin(ctx context.Context, _ *wire.SessionMessageRequest) {
	frame := &wire.SessionMessageResponse{Type: wire.MessageTypeLogin, OK: false}

	reqPayload, err := wire.Marshal(wire.CharacterLoginRequest{CharacterID: r.state.characterID})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal login request")
		r.send(ctx, frame)
		return
	}
	reply, err := r.bus.Request(ctx, wire.SubjectCharacterLogin, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		r.log.Warn().Err(err).Msg("character login")
		r.send(ctx, frame)
		return
	}
	var resp wire.CharacterLoginResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		r.log.Warn().Err(err).Msg("malformed login response dropped")
		r.send(ctx, frame)
		return
	}

	frame.OK = resp.OK
	frame.CharacterLiveInfo = resp.CharacterLiveInfo
	// Acknowledge first; the listener delivers the snapshots right behind.
	r.send(ctx, frame)

	if resp.OK {
		player := newCharacterListener(ctx, r.bus, r.log, resp.CharacterID, r.playerSend)
		r.mu.Lock()
		old := r.playerListener
		r.playerListener = player
		r.mu.Unlock()
		if old != nil {
			old.Close()
		}
	}
}

// handleLogout tears the character down. The listeners fall away when the
// character's inactive live info arrives or the stream closes.
func (r *relay) handleLogout(ctx context.Context, _ *wire.SessionMessageRequest) {
	frame := &wire.SessionMessageResponse{Type: wire.MessageTypeLogout, OK: false}

	reqPayload, err := wire.Marshal(wire.CharacterLogoutRequest{CharacterID: r.state.characterID})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal logout request")
		r.send(ctx, frame)
		return
	}
	reply, err := r.bus.Request(ctx, wire.SubjectCharacterLogout, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		r.log.Warn().Err(err).Msg("character logout")
		r.send(ctx, frame)
		return
	}
	var resp wire.CharacterLogoutResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		r.log.Warn().Err(err).Msg("malformed logout response dropped")
		r.send(ctx, frame)
		return
	}
	frame.OK = resp.OK
	r.send(ctx, frame)
}

// playerSend observes the player's own live info on the way to the client
// and re-points the system and chatter feeds when the system changes.
func (r *relay) playerSend(ctx context.Context, frame *wire.SessionMessageResponse) {
	if frame.Type == wire.MessageTypeCharacterLiveInfo && frame.CharacterLiveInfo != nil {
		systemID := frame.CharacterLiveInfo.SystemID
		r.state.SetSystemID(systemID)

		r.mu.Lock()
		system := r.systemListener
		chatterL := r.chatterListener
		r.systemListener = nil
		r.chatterListener = nil
		r.mu.Unlock()

		if system != nil && system.ID() != systemID {
			system.Close()
			system = nil
		}
		if chatterL != nil && chatterL.ID() != systemID {
			chatterL.Close()
			chatterL = nil
		}
		if system == nil {
			system = newSystemListener(ctx, r.bus, r.log, systemID, r.systemSend)
		}
		if chatterL == nil {
			chatterL = newChatterListener(ctx, r.bus, r.log, systemID, r.send)
		}

		r.mu.Lock()
		r.systemListener = system
		r.chatterListener = chatterL
		r.mu.Unlock()
	}
	r.send(ctx, frame)
}

// systemSend observes membership vectors on the way to the client and
// reconciles the per-character feeds: one listener per co-present
// character, none for the player's own character, none for characters that
// have left.
func (r *relay) systemSend(ctx context.Context, frame *wire.SessionMessageResponse) {
	if frame.Type == wire.MessageTypeSystemLiveInfo && frame.SystemLiveInfo != nil {
		members := frame.SystemLiveInfo.CharacterID

		r.mu.Lock()
		toClose := make([]*listener, 0)
		for characterID, l := range r.localCharacters {
			if !slices.Contains(members, characterID) {
				toClose = append(toClose, l)
				delete(r.localCharacters, characterID)
			}
		}
		toAdd := make([]uint32, 0)
		for _, characterID := range members {
			if characterID == r.state.characterID {
				continue
			}
			if _, exists := r.localCharacters[characterID]; !exists {
				toAdd = append(toAdd, characterID)
			}
		}
		r.mu.Unlock()

		for _, l := range toClose {
			r.log.Debug().Uint32("character_id", l.ID()).Msg("dropping co-present character feed")
			l.Close()
		}
		for _, characterID := range toAdd {
			r.log.Debug().Uint32("character_id", characterID).Msg("adding co-present character feed")
			l := newCharacterListener(ctx, r.bus, r.log, characterID, r.send)
			r.mu.Lock()
			if _, exists := r.localCharacters[characterID]; exists {
				r.mu.Unlock()
				l.Close()
				continue
			}
			r.localCharacters[characterID] = l
			r.mu.Unlock()
		}
	}
	r.send(ctx, frame)
}

// Shutdown closes every listener. Safe to call more than once.
func (r *relay) Shutdown(context.Context) {
	r.mu.Lock()
	listeners := make([]*listener, 0, len(r.localCharacters)+3)
	if r.playerListener != nil {
		listeners = append(listeners, r.playerListener)
		r.playerListener = nil
	}
	if r.systemListener != nil {
		listeners = append(listeners, r.systemListener)
		r.systemListener = nil
	}
	if r.chatterListener != nil {
		listeners = append(listeners, r.chatterListener)
		r.chatterListener = nil
	}
	for _, l := range r.localCharacters {
		listeners = append(listeners, l)
	}
	r.localCharacters = make(map[uint32]*listener)
	r.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
}
