package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/metrics"
	"starlane-server/internal/wire"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxFrameSize = 4096

	// Outbound frame buffer per stream
	sendBuffer = 256
)

type dispatchFunc func(ctx context.Context, msg *wire.SessionMessageRequest)

// Router bridges one client stream onto the bus. Client frames are
// dispatched by type; frames arriving on the session out-topic, and
// frames produced by the handlers, flow back to the client through a
// buffered channel drained by the write pump.
type Router struct {
	bus bus.Bus
	log zerolog.Logger
	met *metrics.Metrics

	sessionID      string
	subscribeTopic string
	publishTopic   string
	state          *sessionState

	mu       sync.Mutex
	dispatch map[wire.SessionMessageType]dispatchFunc

	toClient  chan *wire.SessionMessageResponse
	done      chan struct{}
	closeOnce sync.Once
}

func NewRouter(b bus.Bus, log zerolog.Logger, met *metrics.Metrics, sessionID string, topics *wire.TopicSet, characterID uint32) *Router {
	return &Router{
		bus:            b,
		log:            log.With().Str("session_id", sessionID).Uint32("character_id", characterID).Logger(),
		met:            met,
		sessionID:      sessionID,
		subscribeTopic: topics.SubscribeTopic,
		publishTopic:   topics.PublishTopic,
		state:          newSessionState(sessionID, characterID),
		dispatch:       make(map[wire.SessionMessageType]dispatchFunc),
		toClient:       make(chan *wire.SessionMessageResponse, sendBuffer),
		done:           make(chan struct{}),
	}
}

func (r *Router) SessionID() string {
	return r.sessionID
}

func (r *Router) setDispatch(typ wire.SessionMessageType, fn dispatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch[typ] = fn
}

func (r *Router) dispatchFor(typ wire.SessionMessageType) dispatchFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatch[typ]
}

// enqueue hands a frame to the write pump. A full buffer means the client
// is not keeping up; the frame is dropped rather than stalling the bus
// callback.
func (r *Router) enqueue(_ context.Context, frame *wire.SessionMessageResponse) {
	select {
	case <-r.done:
	case r.toClient <- frame:
	default:
		r.log.Warn().Str("type", string(frame.Type)).Msg("stream buffer full, frame dropped")
	}
}

func (r *Router) closeDone() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Stream runs the session over an upgraded connection and blocks until
// the client disconnects, the session service announces STOP, or ctx is
// cancelled. The session is stopped on the way out.
func (r *Router) Stream(ctx context.Context, conn *websocket.Conn) {
	if r.met != nil {
		r.met.StreamsActive.Inc()
		defer r.met.StreamsActive.Dec()
	}

	rel := newRelay(r.bus, r.log, r.state, r.enqueue)
	defer rel.Shutdown(ctx)

	info := &infoHandler{bus: r.bus, log: r.log, send: r.enqueue}
	chat := &chatterHandler{bus: r.bus, log: r.log, state: r.state}

	r.setDispatch(wire.MessageTypeLogin, rel.handleLogin)
	r.setDispatch(wire.MessageTypeLogout, rel.handleLogout)
	r.setDispatch(wire.MessageTypeCharacterStaticInfo, info.handleCharacterStaticInfo)
	r.setDispatch(wire.MessageTypeSystemStaticInfo, info.handleSystemStaticInfo)
	r.setDispatch(wire.MessageTypeChatter, chat.handleChatter)
	r.setDispatch(wire.MessageTypePong, handlePong(r.enqueue))

	// The session service addresses the client through the out-topic; a
	// STOP frame there means the session is gone (displaced or stopped)
	// and the stream must end after the frame is delivered.
	sessionSub, err := r.bus.Listen(r.subscribeTopic, func(ctx context.Context, _ string, payload []byte) []byte {
		var frame wire.SessionMessageResponse
		if err := wire.Unmarshal(payload, &frame); err != nil {
			r.log.Warn().Err(err).Msg("malformed session frame dropped")
			return nil
		}
		r.enqueue(ctx, &frame)
		if frame.Type == wire.MessageTypeStop {
			r.closeDone()
		}
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Msg("listen session out-topic")
		return
	}
	defer func() {
		if err := sessionSub.Unsubscribe(); err != nil {
			r.log.Warn().Err(err).Msg("unsubscribe session out-topic")
		}
	}()

	readDone := make(chan struct{})
	go r.readPump(ctx, conn, readDone)
	r.writePump(ctx, conn, readDone)

	r.stopSession(ctx)
	r.log.Info().Msg("stream closed")
}

func (r *Router) readPump(ctx context.Context, conn *websocket.Conn, readDone chan<- struct{}) {
	defer close(readDone)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn().Err(err).Msg("stream read")
			}
			return
		}
		if r.met != nil {
			r.met.StreamFramesIn.Inc()
		}

		var msg wire.SessionMessageRequest
		if err := wire.Unmarshal(data, &msg); err != nil {
			r.log.Warn().Err(err).Msg("malformed client frame dropped")
			continue
		}
		fn := r.dispatchFor(msg.Type)
		if fn == nil {
			r.log.Warn().Str("type", string(msg.Type)).Msg("no handler for frame type")
			continue
		}
		fn(ctx, &msg)
	}
}

func (r *Router) writePump(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	writeFrame := func(frame *wire.SessionMessageResponse) bool {
		payload, err := wire.Marshal(frame)
		if err != nil {
			r.log.Error().Err(err).Msg("marshal stream frame")
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			r.log.Warn().Err(err).Msg("stream write")
			return false
		}
		if r.met != nil {
			r.met.StreamFramesOut.Inc()
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-r.done:
			// drain what is already buffered, then close
			for {
				select {
				case frame := <-r.toClient:
					if !writeFrame(frame) {
						return
					}
				default:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"))
					return
				}
			}
		case frame := <-r.toClient:
			if !writeFrame(frame) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.log.Warn().Err(err).Msg("stream ping")
				return
			}
		}
	}
}

// stopSession releases the session server-side. Also runs after an abrupt
// disconnect, which is what triggers the fallback character logout.
func (r *Router) stopSession(ctx context.Context) {
	reqPayload, err := wire.Marshal(wire.SessionStopRequest{SessionID: r.sessionID})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal session stop")
		return
	}
	reply, err := r.bus.Request(ctx, wire.SubjectSessionStop, reqPayload, bus.DefaultRequestTimeout)
	if err != nil {
		r.log.Warn().Err(err).Msg("session stop")
		return
	}
	var resp wire.SessionStopResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		r.log.Warn().Err(err).Msg("malformed session stop response dropped")
		return
	}
	r.log.Info().Bool("ok", resp.OK).Msg("session stop requested")
}

// Shutdown releases the stream without waiting for the client.
func (r *Router) Shutdown(context.Context) {
	r.closeDone()
}
