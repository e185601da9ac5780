package localstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroState(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, State{}, s)
	assert.False(t, s.Enrolled())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want := State{
		HubURL:        "https://hub.example.com",
		APIKey:        "key-123",
		AgentName:     "web-01",
		AgentID:       "agent-abc",
		ScrubPatterns: []string{"internal-id: \\d+"},
		DisabledPacks: []string{"docker"},
	}
	require.NoError(t, Save(dir, want))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Enrolled())
}

func TestSaveOverwritesPriorState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, State{HubURL: "a", AgentID: "1"}))
	require.NoError(t, Save(dir, State{HubURL: "b", AgentID: "2"}))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "b", got.HubURL)
	assert.Equal(t, "2", got.AgentID)
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, State{HubURL: "a", AgentID: "1"}))

	matches, err := filepath.Glob(filepath.Join(dir, configFileName+".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadCorruptedFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, State{HubURL: "a", AgentID: "1"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("not json"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}
