// Package wire defines the typed records exchanged on the message bus and
// on the gateway stream. Every payload is a JSON-encoded record; the frame
// types on the client stream form a tagged union keyed on Type.
package wire

import (
	"encoding/json"
	"time"
)

// SessionMessageType tags the frames flowing on the gateway stream and on
// the per-session bus topics.
type SessionMessageType string

const (
	MessageTypeLogin               SessionMessageType = "LOGIN"
	MessageTypeLogout              SessionMessageType = "LOGOUT"
	MessageTypeStart               SessionMessageType = "START"
	MessageTypeStop                SessionMessageType = "STOP"
	MessageTypePong                SessionMessageType = "PONG"
	MessageTypeCharacterStaticInfo SessionMessageType = "CHARACTER_STATIC_INFO"
	MessageTypeCharacterLiveInfo   SessionMessageType = "CHARACTER_LIVE_INFO"
	MessageTypeSystemStaticInfo    SessionMessageType = "SYSTEM_STATIC_INFO"
	MessageTypeSystemLiveInfo      SessionMessageType = "SYSTEM_LIVE_INFO"
	MessageTypeChatter             SessionMessageType = "CHATTER"
)

// ServiceType identifies a service on the lifecycle beacon topics.
type ServiceType string

const (
	ServiceTypeSession   ServiceType = "SESSION_SERVICE"
	ServiceTypeCharacter ServiceType = "CHARACTER_SERVICE"
	ServiceTypeSystem    ServiceType = "SYSTEM_SERVICE"
	ServiceTypeChatter   ServiceType = "CHATTER_SERVICE"
	ServiceTypeGateway   ServiceType = "GATEWAY_SERVICE"
)

// TopicSet names the three topics an instance exposes, from the consumer's
// point of view: subscribe to SubscribeTopic, publish to PublishTopic, and
// request/reply on RequestTopic when present.
type TopicSet struct {
	SubscribeTopic string `json:"subscribe_topic"`
	PublishTopic   string `json:"publish_topic"`
	RequestTopic   string `json:"request_topic,omitempty"`
}

// ServiceStart is published on PUB.SERVICE.START and PUB.SERVICE.STOP.
type ServiceStart struct {
	Type      ServiceType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

type SessionStartRequest struct {
	Username string `json:"username"`
}

type SessionStartResponse struct {
	OK            bool      `json:"ok"`
	CharacterID   uint32    `json:"character_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	SessionTopics *TopicSet `json:"session_topics,omitempty"`
}

type SessionStopRequest struct {
	SessionID string `json:"session_id"`
}

type SessionStopResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
}

// PingPong carries keepalive timestamps on PONG frames.
type PingPong struct {
	ClientTime int64 `json:"client_time,omitempty"`
	ServerTime int64 `json:"server_time,omitempty"`
}

// SessionMessageRequest is a client-to-server stream frame.
type SessionMessageRequest struct {
	Type        SessionMessageType `json:"type"`
	CharacterID uint32             `json:"character_id,omitempty"`
	SystemID    uint32             `json:"system_id,omitempty"`
	Chatter     *ChatterMessage    `json:"chatter,omitempty"`
	PingPong    *PingPong          `json:"pingpong,omitempty"`
}

// SessionMessageResponse is a server-to-client stream frame.
type SessionMessageResponse struct {
	Type                SessionMessageType          `json:"type"`
	OK                  bool                        `json:"ok,omitempty"`
	CharacterStaticInfo *CharacterStaticInfoMessage `json:"character_static_info,omitempty"`
	CharacterLiveInfo   *CharacterLiveInfoMessage   `json:"character_live_info,omitempty"`
	SystemStaticInfo    *SystemStaticInfoMessage    `json:"system_static_info,omitempty"`
	SystemLiveInfo      *SystemLiveInfoMessage      `json:"system_live_info,omitempty"`
	Chatter             *ChatterMessage             `json:"chatter,omitempty"`
	PingPong            *PingPong                   `json:"pingpong,omitempty"`
}

type CharacterStaticInfoMessage struct {
	CharacterID uint32 `json:"character_id"`
	Name        string `json:"name"`
}

type CharacterLiveInfoMessage struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Active      bool   `json:"active"`
}

type CharacterStaticInfoRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterStaticInfoResponse struct {
	OK                  bool                        `json:"ok"`
	CharacterStaticInfo *CharacterStaticInfoMessage `json:"character_static_info,omitempty"`
}

type CharacterLiveInfoRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLiveInfoResponse struct {
	OK                bool                      `json:"ok"`
	CharacterID       uint32                    `json:"character_id"`
	CharacterLiveInfo *CharacterLiveInfoMessage `json:"character_live_info,omitempty"`
}

type CharacterLoginRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLoginResponse struct {
	OK                bool                      `json:"ok"`
	CharacterID       uint32                    `json:"character_id"`
	CharacterLiveInfo *CharacterLiveInfoMessage `json:"character_live_info,omitempty"`
}

type CharacterLogoutRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLogoutResponse struct {
	OK          bool   `json:"ok"`
	CharacterID uint32 `json:"character_id"`
}

type CharacterTopicRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterTopicResponse struct {
	OK              bool      `json:"ok"`
	CharacterID     uint32    `json:"character_id"`
	CharacterTopics *TopicSet `json:"character_topics,omitempty"`
}

type SystemStaticInfoMessage struct {
	SystemID   uint32   `json:"system_id"`
	Name       string   `json:"name"`
	Neighbours []uint32 `json:"neighbours"`
}

// SystemLiveInfoMessage is the full membership vector of a system, not a
// delta. Subscribers diff against their last seen vector.
type SystemLiveInfoMessage struct {
	SystemID    uint32   `json:"system_id"`
	CharacterID []uint32 `json:"character_id"`
}

type SystemStaticInfoRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemStaticInfoResponse struct {
	OK               bool                     `json:"ok"`
	SystemID         uint32                   `json:"system_id"`
	SystemStaticInfo *SystemStaticInfoMessage `json:"system_static_info,omitempty"`
}

type SystemLiveInfoRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemLiveInfoResponse struct {
	OK             bool                   `json:"ok"`
	SystemID       uint32                 `json:"system_id"`
	SystemLiveInfo *SystemLiveInfoMessage `json:"system_live_info,omitempty"`
}

type SystemTopicRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemTopicResponse struct {
	OK           bool      `json:"ok"`
	SystemID     uint32    `json:"system_id"`
	SystemTopics *TopicSet `json:"system_topics,omitempty"`
}

// SystemSetLiveCharacterRequest is the presence delta consumed on a system's
// in-topic. Replays are idempotent on the receiving side.
type SystemSetLiveCharacterRequest struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Present     bool   `json:"present"`
}

type UniverseRequest struct{}

type UniverseResponse struct {
	OK      bool                      `json:"ok"`
	Systems []SystemStaticInfoMessage `json:"systems"`
}

type ChatterTopicRequest struct {
	SystemID uint32 `json:"system_id"`
}

type ChatterTopicResponse struct {
	OK            bool      `json:"ok"`
	SystemID      uint32    `json:"system_id"`
	ChatterTopics *TopicSet `json:"chatter_topics,omitempty"`
}

type ChatterMessage struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Text        string `json:"text"`
}

// Marshal encodes a record for the bus or the stream.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a record. A failure means the payload is malformed and
// the message should be logged and dropped.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
