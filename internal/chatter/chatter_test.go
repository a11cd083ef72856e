package chatter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starlane-server/internal/bus"
	"starlane-server/internal/wire"
)

type chatterFixture struct {
	broker  *bus.Memory
	service *Service
	client  *bus.MemoryClient
}

func newChatterFixture(t *testing.T) *chatterFixture {
	t.Helper()
	broker := bus.NewMemory()

	svcClient := broker.Client("chatter-service")
	require.NoError(t, svcClient.Start(context.Background()))
	svc := New(svcClient, nil, zerolog.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	client := broker.Client("test-client")
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(client.Stop)

	return &chatterFixture{broker: broker, service: svc, client: client}
}

func (f *chatterFixture) resolveTopics(t *testing.T, systemID uint32) *wire.TopicSet {
	t.Helper()
	payload, err := wire.Marshal(wire.ChatterTopicRequest{SystemID: systemID})
	require.NoError(t, err)
	reply, err := f.client.Request(context.Background(), wire.SubjectChatterTopic, payload, time.Second)
	require.NoError(t, err)
	var resp wire.ChatterTopicResponse
	require.NoError(t, wire.Unmarshal(reply, &resp))
	require.True(t, resp.OK)
	require.NotNil(t, resp.ChatterTopics)
	return resp.ChatterTopics
}

func TestTopicLookupCreatesRoom(t *testing.T) {
	f := newChatterFixture(t)

	topics := f.resolveTopics(t, 1)
	assert.Equal(t, wire.ChatterOut(1), topics.SubscribeTopic)
	assert.Equal(t, wire.ChatterIn(1), topics.PublishTopic)
	assert.Empty(t, topics.RequestTopic)

	// repeated lookup resolves the same room
	again := f.resolveTopics(t, 1)
	assert.Equal(t, topics, again)
}

func TestRelayFansOut(t *testing.T) {
	f := newChatterFixture(t)
	topics := f.resolveTopics(t, 1)

	var mu sync.Mutex
	var seenA, seenB []wire.ChatterMessage
	collect := func(sink *[]wire.ChatterMessage) bus.Handler {
		return func(_ context.Context, _ string, payload []byte) []byte {
			var msg wire.ChatterMessage
			if wire.Unmarshal(payload, &msg) == nil {
				mu.Lock()
				*sink = append(*sink, msg)
				mu.Unlock()
			}
			return nil
		}
	}
	_, err := f.client.Listen(topics.SubscribeTopic, collect(&seenA))
	require.NoError(t, err)
	_, err = f.client.Listen(topics.SubscribeTopic, collect(&seenB))
	require.NoError(t, err)

	sent := wire.ChatterMessage{CharacterID: 1001, SystemID: 1, Text: "o7"}
	payload, err := wire.Marshal(sent)
	require.NoError(t, err)
	require.NoError(t, f.client.Publish(context.Background(), topics.PublishTopic, payload))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenA, 1)
	require.Len(t, seenB, 1)
	assert.Equal(t, sent, seenA[0])
	assert.Equal(t, sent, seenB[0])
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newChatterFixture(t)
	one := f.resolveTopics(t, 1)
	two := f.resolveTopics(t, 2)

	var mu sync.Mutex
	var seen []wire.ChatterMessage
	_, err := f.client.Listen(two.SubscribeTopic, func(_ context.Context, _ string, payload []byte) []byte {
		var msg wire.ChatterMessage
		if wire.Unmarshal(payload, &msg) == nil {
			mu.Lock()
			seen = append(seen, msg)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	payload, err := wire.Marshal(wire.ChatterMessage{CharacterID: 1001, SystemID: 1, Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, f.client.Publish(context.Background(), one.PublishTopic, payload))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen)
}

func TestMalformedChatterDropped(t *testing.T) {
	f := newChatterFixture(t)
	topics := f.resolveTopics(t, 1)

	var mu sync.Mutex
	count := 0
	_, err := f.client.Listen(topics.SubscribeTopic, func(_ context.Context, _ string, _ []byte) []byte {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.client.Publish(context.Background(), topics.PublishTopic, []byte("{not json")))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
