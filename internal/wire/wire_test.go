package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectBuilders(t *testing.T) {
	assert.Equal(t, "PUB.SESSION.IN.abc123", SessionIn("abc123"))
	assert.Equal(t, "PUB.SESSION.OUT.abc123", SessionOut("abc123"))
	assert.Equal(t, "PUB.CHARACTER.IN.1001", CharacterIn(1001))
	assert.Equal(t, "PUB.CHARACTER.OUT.1001", CharacterOut(1001))
	assert.Equal(t, "REQ.CHARACTER.LIVE.1001", CharacterLive(1001))
	assert.Equal(t, "PUB.SYSTEM.IN.7", SystemIn(7))
	assert.Equal(t, "PUB.SYSTEM.OUT.7", SystemOut(7))
	assert.Equal(t, "REQ.SYSTEM.LIVE.7", SystemLive(7))
	assert.Equal(t, "PUB.CHATTER.IN.7", ChatterIn(7))
	assert.Equal(t, "PUB.CHATTER.OUT.7", ChatterOut(7))
}

// A universe payload must survive a decode and re-encode unchanged, since
// the gateway re-serializes it onto the HTTP surface.
func TestUniverseResponseRoundTrip(t *testing.T) {
	original := UniverseResponse{
		OK: true,
		Systems: []SystemStaticInfoMessage{
			{SystemID: 1, Name: "Alpha", Neighbours: []uint32{2, 3}},
			{SystemID: 2, Name: "Beta", Neighbours: []uint32{1}},
			{SystemID: 3, Name: "Gamma", Neighbours: []uint32{1}},
		},
	}

	first, err := Marshal(original)
	require.NoError(t, err)

	var decoded UniverseResponse
	require.NoError(t, Unmarshal(first, &decoded))
	assert.Equal(t, original, decoded)

	second, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStreamFrameOmitsUnsetBranches(t *testing.T) {
	frame := SessionMessageResponse{Type: MessageTypeLogin, OK: true}
	payload, err := Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LOGIN","ok":true}`, string(payload))
}

func TestMalformedPayloadFailsDecode(t *testing.T) {
	var msg SessionMessageRequest
	assert.Error(t, Unmarshal([]byte("{not json"), &msg))
	assert.Error(t, Unmarshal([]byte(`{"type":{}}`), &msg))
}

func TestTopicSetOmitsEmptyRequestTopic(t *testing.T) {
	payload, err := Marshal(TopicSet{SubscribeTopic: "PUB.CHATTER.OUT.1", PublishTopic: "PUB.CHATTER.IN.1"})
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "request_topic")
}
