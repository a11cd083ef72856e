package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAccounts(t *testing.T) {
	path := writeFile(t, "accounts.json", `[
		{"username": "userone", "character_id": 1001},
		{"username": "usertwo", "character_id": 1002}
	]`)

	accounts, err := LoadAccounts(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"userone": 1001, "usertwo": 1002}, accounts)
}

func TestLoadCharacters(t *testing.T) {
	path := writeFile(t, "characters.json", `[
		{"character_id": 1001, "name": "Pilot1"}
	]`)

	characters, err := LoadCharacters(path)
	require.NoError(t, err)
	require.Contains(t, characters, uint32(1001))
	assert.Equal(t, "Pilot1", characters[1001].Name)
}

func TestLoadUniverse(t *testing.T) {
	path := writeFile(t, "universe.json", `[
		{"system_id": 1, "name": "Alpha", "neighbours": [2]},
		{"system_id": 2, "name": "Beta", "neighbours": [1]}
	]`)

	universe, err := LoadUniverse(path)
	require.NoError(t, err)
	require.Len(t, universe, 2)
	assert.Equal(t, "Alpha", universe[1].Name)
	assert.Equal(t, []uint32{1}, universe[2].Neighbours)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := LoadUniverse(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := writeFile(t, "universe.json", `{"not": "a list"}`)
	_, err := LoadUniverse(path)
	assert.Error(t, err)
}
