package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starlane-server/internal/bus"
	"starlane-server/internal/catalog"
	"starlane-server/internal/character"
	"starlane-server/internal/chatter"
	"starlane-server/internal/session"
	"starlane-server/internal/system"
	"starlane-server/internal/wire"
)

// fabricFixture runs the whole fabric on one in-process broker: every
// service plus an HTTP test server fronting the gateway surface.
type fabricFixture struct {
	broker     *bus.Memory
	characters *character.Service
	httpServer *httptest.Server
}

func newFabricFixture(t *testing.T) *fabricFixture {
	t.Helper()
	broker := bus.NewMemory()
	ctx := context.Background()
	log := zerolog.Nop()

	accounts := map[string]uint32{"userone": 1001, "usertwo": 1002}
	roster := map[uint32]catalog.Character{
		1001: {CharacterID: 1001, Name: "Pilot1"},
		1002: {CharacterID: 1002, Name: "Pilot2"},
	}
	universe := map[uint32]catalog.System{
		1: {SystemID: 1, Name: "Alpha", Neighbours: []uint32{2}},
		2: {SystemID: 2, Name: "Beta", Neighbours: []uint32{1}},
	}

	start := func(name string) *bus.MemoryClient {
		c := broker.Client(name)
		require.NoError(t, c.Start(ctx))
		return c
	}

	systemSvc := system.New(start("system"), universe, nil, log)
	systemSvc.Start(ctx)
	t.Cleanup(func() { systemSvc.Stop(context.Background()) })

	characterSvc := character.New(start("character"), roster, nil, log)
	characterSvc.Start(ctx)
	t.Cleanup(func() { characterSvc.Stop(context.Background()) })

	chatterSvc := chatter.New(start("chatter"), nil, log)
	chatterSvc.Start(ctx)
	t.Cleanup(func() { chatterSvc.Stop(context.Background()) })

	sessionSvc := session.New(start("session"), accounts, nil, log)
	sessionSvc.Start(ctx)
	t.Cleanup(func() { sessionSvc.Stop(context.Background()) })

	reg := prometheus.NewRegistry()
	server := NewServer(Config{Addr: "127.0.0.1:0"}, start("gateway"), nil, reg, log)
	httpServer := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(httpServer.Close)

	return &fabricFixture{broker: broker, characters: characterSvc, httpServer: httpServer}
}

func (f *fabricFixture) createSession(t *testing.T, username string) wire.SessionStartResponse {
	t.Helper()
	body, err := json.Marshal(wire.SessionStartRequest{Username: username})
	require.NoError(t, err)
	httpResp, err := http.Post(f.httpServer.URL+"/v1/session", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var resp wire.SessionStartResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	return resp
}

func (f *fabricFixture) dialStream(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.httpServer.URL, "http") + "/v1/stream"
	header := http.Header{}
	header.Set("x-session-id", sessionID)
	conn, httpResp, err := websocket.DefaultDialer.Dial(url, header)
	if httpResp != nil {
		defer httpResp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg wire.SessionMessageRequest) {
	t.Helper()
	payload, err := wire.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// frameReader reads stream frames, buffering the ones a test is not
// waiting for so frame ordering does not matter.
type frameReader struct {
	conn     *websocket.Conn
	buffered []wire.SessionMessageResponse
}

func newFrameReader(conn *websocket.Conn) *frameReader {
	return &frameReader{conn: conn}
}

// expect returns the next frame of the wanted type, consuming it.
func (r *frameReader) expect(t *testing.T, typ wire.SessionMessageType) wire.SessionMessageResponse {
	t.Helper()
	for i, frame := range r.buffered {
		if frame.Type == typ {
			r.buffered = append(r.buffered[:i], r.buffered[i+1:]...)
			return frame
		}
	}
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := r.conn.ReadMessage()
		require.NoError(t, err, "waiting for %s frame", typ)
		var frame wire.SessionMessageResponse
		require.NoError(t, wire.Unmarshal(data, &frame))
		if frame.Type == typ {
			return frame
		}
		r.buffered = append(r.buffered, frame)
	}
}

func TestSessionLoginFlow(t *testing.T) {
	f := newFabricFixture(t)

	created := f.createSession(t, "userone")
	require.True(t, created.OK)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, uint32(1001), created.CharacterID)

	conn := f.dialStream(t, created.SessionID)
	reader := newFrameReader(conn)
	sendFrame(t, conn, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})

	login := reader.expect(t, wire.MessageTypeLogin)
	require.True(t, login.OK)
	require.NotNil(t, login.CharacterLiveInfo)
	assert.Equal(t, uint32(1), login.CharacterLiveInfo.SystemID)

	// the player's own feed and the system feed both deliver snapshots
	live := reader.expect(t, wire.MessageTypeCharacterLiveInfo)
	require.NotNil(t, live.CharacterLiveInfo)
	assert.Equal(t, uint32(1001), live.CharacterLiveInfo.CharacterID)

	vector := reader.expect(t, wire.MessageTypeSystemLiveInfo)
	require.NotNil(t, vector.SystemLiveInfo)
	assert.Equal(t, uint32(1), vector.SystemLiveInfo.SystemID)
	assert.Contains(t, vector.SystemLiveInfo.CharacterID, uint32(1001))

	// static info round-trips
	sendFrame(t, conn, wire.SessionMessageRequest{Type: wire.MessageTypeCharacterStaticInfo, CharacterID: 1001})
	static := reader.expect(t, wire.MessageTypeCharacterStaticInfo)
	require.True(t, static.OK)
	assert.Equal(t, "Pilot1", static.CharacterStaticInfo.Name)

	sendFrame(t, conn, wire.SessionMessageRequest{Type: wire.MessageTypeSystemStaticInfo, SystemID: 2})
	sysStatic := reader.expect(t, wire.MessageTypeSystemStaticInfo)
	require.True(t, sysStatic.OK)
	assert.Equal(t, "Beta", sysStatic.SystemStaticInfo.Name)
}

func TestSecondLoginDisplacesFirstStream(t *testing.T) {
	f := newFabricFixture(t)

	first := f.createSession(t, "userone")
	require.True(t, first.OK)
	firstConn := f.dialStream(t, first.SessionID)
	firstReader := newFrameReader(firstConn)
	sendFrame(t, firstConn, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})
	require.True(t, firstReader.expect(t, wire.MessageTypeLogin).OK)

	second := f.createSession(t, "userone")
	require.True(t, second.OK)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// the displaced stream sees STOP and then the connection closes
	stop := firstReader.expect(t, wire.MessageTypeStop)
	assert.Equal(t, wire.MessageTypeStop, stop.Type)
	require.NoError(t, firstConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := firstConn.ReadMessage(); err != nil {
			break
		}
	}

	secondConn := f.dialStream(t, second.SessionID)
	secondReader := newFrameReader(secondConn)
	sendFrame(t, secondConn, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})
	require.True(t, secondReader.expect(t, wire.MessageTypeLogin).OK)
}

func TestChatterReachesCoPresentStreams(t *testing.T) {
	f := newFabricFixture(t)

	one := f.createSession(t, "userone")
	require.True(t, one.OK)
	connOne := f.dialStream(t, one.SessionID)
	readerOne := newFrameReader(connOne)
	sendFrame(t, connOne, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})
	require.True(t, readerOne.expect(t, wire.MessageTypeLogin).OK)

	two := f.createSession(t, "usertwo")
	require.True(t, two.OK)
	connTwo := f.dialStream(t, two.SessionID)
	readerTwo := newFrameReader(connTwo)
	sendFrame(t, connTwo, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})
	require.True(t, readerTwo.expect(t, wire.MessageTypeLogin).OK)

	// wait until the first stream sees the shared system before chatting
	vector := readerOne.expect(t, wire.MessageTypeSystemLiveInfo)
	for len(vector.SystemLiveInfo.CharacterID) < 2 {
		vector = readerOne.expect(t, wire.MessageTypeSystemLiveInfo)
	}

	said := wire.ChatterMessage{CharacterID: 1001, SystemID: 1, Text: "fly safe"}
	sendFrame(t, connOne, wire.SessionMessageRequest{Type: wire.MessageTypeChatter, Chatter: &said})

	heardOne := readerOne.expect(t, wire.MessageTypeChatter)
	require.NotNil(t, heardOne.Chatter)
	assert.Equal(t, said, *heardOne.Chatter)

	heardTwo := readerTwo.expect(t, wire.MessageTypeChatter)
	require.NotNil(t, heardTwo.Chatter)
	assert.Equal(t, said, *heardTwo.Chatter)
}

func TestAbruptDisconnectReleasesCharacter(t *testing.T) {
	f := newFabricFixture(t)

	created := f.createSession(t, "userone")
	require.True(t, created.OK)
	conn := f.dialStream(t, created.SessionID)
	reader := newFrameReader(conn)
	sendFrame(t, conn, wire.SessionMessageRequest{Type: wire.MessageTypeLogin})
	require.True(t, reader.expect(t, wire.MessageTypeLogin).OK)
	require.True(t, f.characters.IsActive(1001))

	// no LOGOUT, no session stop: just drop the socket
	conn.Close()

	require.Eventually(t, func() bool {
		return !f.characters.IsActive(1001)
	}, 5*time.Second, 50*time.Millisecond, "character not released after disconnect")
}

func TestUniverseEndpoint(t *testing.T) {
	f := newFabricFixture(t)

	httpResp, err := http.Get(f.httpServer.URL + "/v1/universe")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var resp wire.UniverseResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	require.True(t, resp.OK)
	require.Len(t, resp.Systems, 2)
	assert.Equal(t, "Alpha", resp.Systems[0].Name)
}

func TestStreamRejectsUnknownSession(t *testing.T) {
	f := newFabricFixture(t)

	url := "ws" + strings.TrimPrefix(f.httpServer.URL, "http") + "/v1/stream"
	header := http.Header{}
	header.Set("x-session-id", "deadbeef")
	_, httpResp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, httpResp)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
}

func TestPongEcho(t *testing.T) {
	f := newFabricFixture(t)

	created := f.createSession(t, "userone")
	require.True(t, created.OK)
	conn := f.dialStream(t, created.SessionID)
	reader := newFrameReader(conn)

	sendFrame(t, conn, wire.SessionMessageRequest{
		Type:     wire.MessageTypePong,
		PingPong: &wire.PingPong{ClientTime: 12345},
	})
	pong := reader.expect(t, wire.MessageTypePong)
	require.NotNil(t, pong.PingPong)
	assert.Equal(t, int64(12345), pong.PingPong.ClientTime)
	assert.NotZero(t, pong.PingPong.ServerTime)
}
