// Package catalog loads the static world data each service needs at
// startup: accounts, characters, and the universe topology. Files are read
// once; the loaded maps are immutable afterwards.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"starlane-server/internal/wire"
)

// System is a star system in the static universe graph.
type System struct {
	SystemID   uint32   `json:"system_id"`
	Name       string   `json:"name"`
	Neighbours []uint32 `json:"neighbours"`
}

// StaticInfo converts the catalogue entry to its wire form.
func (s System) StaticInfo() wire.SystemStaticInfoMessage {
	neighbours := make([]uint32, len(s.Neighbours))
	copy(neighbours, s.Neighbours)
	return wire.SystemStaticInfoMessage{SystemID: s.SystemID, Name: s.Name, Neighbours: neighbours}
}

// Character is the static record of an in-world avatar.
type Character struct {
	CharacterID uint32 `json:"character_id"`
	Name        string `json:"name"`
}

type accountRecord struct {
	Username    string `json:"username"`
	CharacterID uint32 `json:"character_id"`
}

// LoadAccounts reads the username to character_id mapping.
func LoadAccounts(path string) (map[string]uint32, error) {
	var records []accountRecord
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	accounts := make(map[string]uint32, len(records))
	for _, record := range records {
		accounts[record.Username] = record.CharacterID
	}
	return accounts, nil
}

// LoadCharacters reads the static character catalogue keyed by id.
func LoadCharacters(path string) (map[uint32]Character, error) {
	var records []Character
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	characters := make(map[uint32]Character, len(records))
	for _, record := range records {
		characters[record.CharacterID] = record
	}
	return characters, nil
}

// LoadUniverse reads the star system graph keyed by id.
func LoadUniverse(path string) (map[uint32]System, error) {
	var records []System
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	universe := make(map[uint32]System, len(records))
	for _, record := range records {
		universe[record.SystemID] = record
	}
	return universe, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
