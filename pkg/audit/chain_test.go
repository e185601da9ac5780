package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, n)
	var prevHash string
	for i := 0; i < n; i++ {
		e := Entry{
			ID:             uint64(i + 1),
			Timestamp:      time.Now().UTC().Add(time.Duration(i) * time.Second),
			Probe:          "agent.ping",
			Source:         "agent-1",
			Status:         StatusSuccess,
			DurationMs:     int64(i),
			ResponseDigest: "deadbeef",
			PrevHash:       prevHash,
		}
		entries = append(entries, e)
		h, err := Hash(e)
		require.NoError(t, err)
		prevHash = h
	}
	return entries
}

// Property 1: an untampered chain built by chaining Hash verifies.
func TestVerifyChainValidChain(t *testing.T) {
	entries := buildChain(t, 5)
	result, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Zero(t, result.BrokenAt)
}

func TestVerifyChainEmpty(t *testing.T) {
	result, err := VerifyChain(nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyChainFirstEntryMustHaveEmptyPrevHash(t *testing.T) {
	entries := buildChain(t, 2)
	entries[0].PrevHash = "not-empty"
	result, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, entries[0].ID, result.BrokenAt)
}

// Scenario S5: tampering with any entry's fields breaks the hash chain at
// the tampered entry's successor.
func TestVerifyChainDetectsTamperedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	entries[1].DurationMs = 999999 // tamper with an already-hashed field

	result, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, entries[2].ID, result.BrokenAt)
}

func TestVerifyChainDetectsReorderedEntry(t *testing.T) {
	entries := buildChain(t, 3)
	entries[1], entries[2] = entries[2], entries[1]

	result, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestHashIsDeterministic(t *testing.T) {
	e := Entry{
		ID:             1,
		Timestamp:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Probe:          "agent.ping",
		Source:         "agent-1",
		Status:         StatusSuccess,
		DurationMs:     10,
		ResponseDigest: "abc",
	}
	h1, err := Hash(e)
	require.NoError(t, err)
	h2, err := Hash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e.DurationMs = 11
	h3, err := Hash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestRingAppendChainsEntries(t *testing.T) {
	r := NewRing(10)
	first, err := r.Append("agent.ping", "agent-1", StatusSuccess, 5, "", "digest1")
	require.NoError(t, err)
	assert.Empty(t, first.PrevHash)

	second, err := r.Append("agent.ping", "agent-1", StatusSuccess, 6, "", "digest2")
	require.NoError(t, err)
	wantPrev, err := Hash(first)
	require.NoError(t, err)
	assert.Equal(t, wantPrev, second.PrevHash)

	result, err := r.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

// Eviction beyond capacity re-anchors the new oldest entry so the remaining
// chain still verifies.
func TestRingEvictionReanchorsOldestEntry(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		_, err := r.Append("agent.ping", "agent-1", StatusSuccess, int64(i), "", "digest")
		require.NoError(t, err)
	}

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Reanchored)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, uint64(3), entries[0].ID)
	assert.Equal(t, uint64(5), entries[len(entries)-1].ID)

	result, err := r.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, 1000, r.capacity)
}
