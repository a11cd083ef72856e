package character

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starlane-server/internal/bus"
	"starlane-server/internal/catalog"
	"starlane-server/internal/wire"
)

var testRoster = map[uint32]catalog.Character{
	1001: {CharacterID: 1001, Name: "Pilot1"},
	1002: {CharacterID: 1002, Name: "Pilot2"},
}

type characterFixture struct {
	broker  *bus.Memory
	service *Service
	client  *bus.MemoryClient

	mu     sync.Mutex
	deltas []wire.SystemSetLiveCharacterRequest
}

// newCharacterFixture wires the service plus a stub system endpoint that
// resolves topics for system 1 and records presence deltas posted to it.
func newCharacterFixture(t *testing.T) *characterFixture {
	t.Helper()
	broker := bus.NewMemory()
	f := &characterFixture{broker: broker}

	system := broker.Client("system-stub")
	require.NoError(t, system.Start(context.Background()))
	t.Cleanup(system.Stop)

	systemIn := wire.SystemIn(1)
	system.Subscribe(wire.SubjectSystemTopic, func(_ context.Context, _ string, payload []byte) []byte {
		var req wire.SystemTopicRequest
		if wire.Unmarshal(payload, &req) != nil || req.SystemID != 1 {
			return nil
		}
		out, _ := wire.Marshal(wire.SystemTopicResponse{
			OK:       true,
			SystemID: 1,
			SystemTopics: &wire.TopicSet{
				SubscribeTopic: wire.SystemOut(1),
				PublishTopic:   systemIn,
			},
		})
		return out
	}, true)
	system.Subscribe(systemIn, func(_ context.Context, _ string, payload []byte) []byte {
		var delta wire.SystemSetLiveCharacterRequest
		if wire.Unmarshal(payload, &delta) == nil {
			f.mu.Lock()
			f.deltas = append(f.deltas, delta)
			f.mu.Unlock()
		}
		return nil
	}, false)

	svcClient := broker.Client("character-service")
	require.NoError(t, svcClient.Start(context.Background()))
	f.service = New(svcClient, testRoster, nil, zerolog.Nop())
	f.service.Start(context.Background())
	t.Cleanup(func() { f.service.Stop(context.Background()) })

	f.client = broker.Client("test-client")
	require.NoError(t, f.client.Start(context.Background()))
	t.Cleanup(f.client.Stop)

	return f
}

func (f *characterFixture) presenceDeltas() []wire.SystemSetLiveCharacterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.SystemSetLiveCharacterRequest(nil), f.deltas...)
}

func (f *characterFixture) request(t *testing.T, subject string, req, resp any) {
	t.Helper()
	payload, err := wire.Marshal(req)
	require.NoError(t, err)
	reply, err := f.client.Request(context.Background(), subject, payload, time.Second)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(reply, resp))
}

func (f *characterFixture) login(t *testing.T, characterID uint32) wire.CharacterLoginResponse {
	t.Helper()
	var resp wire.CharacterLoginResponse
	f.request(t, wire.SubjectCharacterLogin, wire.CharacterLoginRequest{CharacterID: characterID}, &resp)
	return resp
}

func TestStaticInfo(t *testing.T) {
	f := newCharacterFixture(t)

	var resp wire.CharacterStaticInfoResponse
	f.request(t, wire.SubjectCharacterStatic, wire.CharacterStaticInfoRequest{CharacterID: 1001}, &resp)
	require.True(t, resp.OK)
	require.NotNil(t, resp.CharacterStaticInfo)
	assert.Equal(t, "Pilot1", resp.CharacterStaticInfo.Name)

	f.request(t, wire.SubjectCharacterStatic, wire.CharacterStaticInfoRequest{CharacterID: 9999}, &resp)
	assert.False(t, resp.OK)
}

func TestLoginActivatesCharacter(t *testing.T) {
	f := newCharacterFixture(t)

	var liveFrames []wire.CharacterLiveInfoMessage
	var mu sync.Mutex
	_, err := f.client.Listen(wire.CharacterOut(1001), func(_ context.Context, _ string, payload []byte) []byte {
		var msg wire.CharacterLiveInfoMessage
		if wire.Unmarshal(payload, &msg) == nil {
			mu.Lock()
			liveFrames = append(liveFrames, msg)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	resp := f.login(t, 1001)
	require.True(t, resp.OK)
	require.NotNil(t, resp.CharacterLiveInfo)
	assert.Equal(t, uint32(1), resp.CharacterLiveInfo.SystemID)
	assert.True(t, resp.CharacterLiveInfo.Active)
	assert.True(t, f.service.IsActive(1001))

	mu.Lock()
	require.Len(t, liveFrames, 1)
	assert.True(t, liveFrames[0].Active)
	mu.Unlock()

	deltas := f.presenceDeltas()
	require.Len(t, deltas, 1)
	assert.Equal(t, wire.SystemSetLiveCharacterRequest{CharacterID: 1001, SystemID: 1, Present: true}, deltas[0])
}

func TestLoginUnknownCharacter(t *testing.T) {
	f := newCharacterFixture(t)

	resp := f.login(t, 9999)
	assert.False(t, resp.OK)
	assert.Empty(t, f.presenceDeltas())
}

func TestRepeatedLoginDisplacesInstance(t *testing.T) {
	f := newCharacterFixture(t)

	require.True(t, f.login(t, 1001).OK)
	require.True(t, f.login(t, 1001).OK)

	// present, then the eviction's absent, then the new login's present
	deltas := f.presenceDeltas()
	require.Len(t, deltas, 3)
	assert.True(t, deltas[0].Present)
	assert.False(t, deltas[1].Present)
	assert.True(t, deltas[2].Present)
	assert.True(t, f.service.IsActive(1001))
}

func TestLogout(t *testing.T) {
	f := newCharacterFixture(t)
	require.True(t, f.login(t, 1001).OK)

	var resp wire.CharacterLogoutResponse
	f.request(t, wire.SubjectCharacterLogout, wire.CharacterLogoutRequest{CharacterID: 1001}, &resp)
	assert.True(t, resp.OK)
	assert.False(t, f.service.IsActive(1001))

	deltas := f.presenceDeltas()
	require.Len(t, deltas, 2)
	assert.False(t, deltas[1].Present)

	// logging out an inactive character is a lookup miss, not an error
	f.request(t, wire.SubjectCharacterLogout, wire.CharacterLogoutRequest{CharacterID: 1001}, &resp)
	assert.False(t, resp.OK)
}

func TestLiveInfoRequest(t *testing.T) {
	f := newCharacterFixture(t)
	require.True(t, f.login(t, 1001).OK)

	var resp wire.CharacterLiveInfoResponse
	f.request(t, wire.CharacterLive(1001), wire.CharacterLiveInfoRequest{CharacterID: 1001}, &resp)
	require.True(t, resp.OK)
	require.NotNil(t, resp.CharacterLiveInfo)
	assert.Equal(t, uint32(1001), resp.CharacterLiveInfo.CharacterID)
	assert.Equal(t, uint32(1), resp.CharacterLiveInfo.SystemID)
}

func TestTopicRequest(t *testing.T) {
	f := newCharacterFixture(t)
	require.True(t, f.login(t, 1001).OK)

	var resp wire.CharacterTopicResponse
	f.request(t, wire.SubjectCharacterTopic, wire.CharacterTopicRequest{CharacterID: 1001}, &resp)
	require.True(t, resp.OK)
	require.NotNil(t, resp.CharacterTopics)
	assert.Equal(t, wire.CharacterOut(1001), resp.CharacterTopics.SubscribeTopic)
	assert.Equal(t, wire.CharacterIn(1001), resp.CharacterTopics.PublishTopic)
	assert.Equal(t, wire.CharacterLive(1001), resp.CharacterTopics.RequestTopic)

	f.request(t, wire.SubjectCharacterTopic, wire.CharacterTopicRequest{CharacterID: 1002}, &resp)
	assert.False(t, resp.OK)
}
