package wire

import "fmt"

// Canonical bus subjects. REQ.* subjects are queue-grouped request/reply,
// PUB.* subjects are fan-out.
const (
	SubjectSessionStart = "REQ.SESSION.START"
	SubjectSessionStop  = "REQ.SESSION.STOP"

	SubjectCharacterStatic = "REQ.CHARACTER.STATIC"
	SubjectCharacterLogin  = "REQ.CHARACTER.LOGIN"
	SubjectCharacterLogout = "REQ.CHARACTER.LOGOUT"
	SubjectCharacterTopic  = "REQ.CHARACTER.TOPIC"

	SubjectSystemStatic   = "REQ.SYSTEM.STATIC"
	SubjectSystemTopic    = "REQ.SYSTEM.TOPIC"
	SubjectUniverseStatic = "REQ.UNIVERSE.STATIC"

	SubjectChatterTopic = "REQ.CHATTER.TOPIC"

	SubjectServiceStart = "PUB.SERVICE.START"
	SubjectServiceStop  = "PUB.SERVICE.STOP"
)

func SessionIn(sessionID string) string {
	return fmt.Sprintf("PUB.SESSION.IN.%s", sessionID)
}

func SessionOut(sessionID string) string {
	return fmt.Sprintf("PUB.SESSION.OUT.%s", sessionID)
}

func CharacterIn(characterID uint32) string {
	return fmt.Sprintf("PUB.CHARACTER.IN.%d", characterID)
}

func CharacterOut(characterID uint32) string {
	return fmt.Sprintf("PUB.CHARACTER.OUT.%d", characterID)
}

func CharacterLive(characterID uint32) string {
	return fmt.Sprintf("REQ.CHARACTER.LIVE.%d", characterID)
}

func SystemIn(systemID uint32) string {
	return fmt.Sprintf("PUB.SYSTEM.IN.%d", systemID)
}

func SystemOut(systemID uint32) string {
	return fmt.Sprintf("PUB.SYSTEM.OUT.%d", systemID)
}

func SystemLive(systemID uint32) string {
	return fmt.Sprintf("REQ.SYSTEM.LIVE.%d", systemID)
}

func ChatterIn(systemID uint32) string {
	return fmt.Sprintf("PUB.CHATTER.IN.%d", systemID)
}

func ChatterOut(systemID uint32) string {
	return fmt.Sprintf("PUB.CHATTER.OUT.%d", systemID)
}
