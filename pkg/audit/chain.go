// Package audit implements the hash-chained append-only record shared by the
// hub's durable audit log and the agent's in-memory ring buffer (§4.11).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status mirrors ProbeResponse.Status for the audited outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Entry is one append-only audit record. Field order here is the documented
// canonical order used for hashing (§4.11): id, timestamp, probe, source,
// status, durationMs, apiKeyID, responseDigest, prevHash. Reanchored marks an
// entry whose PrevHash was zeroed because it became the new oldest entry
// after a ring-buffer eviction (§9 open question, resolved as option b).
type Entry struct {
	ID             uint64    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Probe          string    `json:"probe"`
	Source         string    `json:"source"` // agent name, or "integration:<pack>"
	Status         Status    `json:"status"`
	DurationMs     int64     `json:"durationMs"`
	APIKeyID       string    `json:"apiKeyId,omitempty"`
	ResponseDigest string    `json:"responseDigest,omitempty"`
	PrevHash       string    `json:"prevHash"`
	Reanchored     bool      `json:"reanchored,omitempty"`
}

// canonicalEntry is the exact field set and order hashed into PrevHash for
// the *next* entry. Timestamp is serialized as RFC3339Nano for determinism.
type canonicalEntry struct {
	ID             uint64 `json:"id"`
	Timestamp      string `json:"timestamp"`
	Probe          string `json:"probe"`
	Source         string `json:"source"`
	Status         Status `json:"status"`
	DurationMs     int64  `json:"durationMs"`
	APIKeyID       string `json:"apiKeyId"`
	ResponseDigest string `json:"responseDigest"`
	PrevHash       string `json:"prevHash"`
}

// Hash returns the SHA-256 hex digest of e's canonical serialization.
func Hash(e Entry) (string, error) {
	c := canonicalEntry{
		ID:             e.ID,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		Probe:          e.Probe,
		Source:         e.Source,
		Status:         e.Status,
		DurationMs:     e.DurationMs,
		APIKeyID:       e.APIKeyID,
		ResponseDigest: e.ResponseDigest,
		PrevHash:       e.PrevHash,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NextPrevHash computes the prevHash field that the entry following prior
// must carry (§3 invariant). The first entry in a chain (no predecessor)
// carries an empty prevHash.
func NextPrevHash(prior Entry) (string, error) {
	return Hash(prior)
}

// VerifyResult is the outcome of VerifyChain.
type VerifyResult struct {
	Valid    bool
	BrokenAt uint64
}

// VerifyChain walks entries in order and checks that each entry's PrevHash
// matches the hash of its immediate predecessor. Entries whose Reanchored
// flag is set are treated as a valid chain start (their PrevHash is expected
// to be empty regardless of position), matching the re-anchor-on-eviction
// policy documented in SPEC_FULL.md §4.11. The link from a reanchored entry
// to its successor is not checked: the successor was hashed against the
// PrevHash that re-anchoring cleared, so the reanchored entry's own fields
// are not covered by the chain.
func VerifyChain(entries []Entry) (VerifyResult, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i].Reanchored || entries[i-1].Reanchored {
			continue
		}
		want, err := Hash(entries[i-1])
		if err != nil {
			return VerifyResult{}, err
		}
		if entries[i].PrevHash != want {
			return VerifyResult{Valid: false, BrokenAt: entries[i].ID}, nil
		}
	}
	if len(entries) > 0 && !entries[0].Reanchored && entries[0].PrevHash != "" {
		return VerifyResult{Valid: false, BrokenAt: entries[0].ID}, nil
	}
	return VerifyResult{Valid: true}, nil
}

// Ring is a fixed-capacity FIFO buffer of audit entries, used by the agent
// (§3 "an agent process exclusively owns ... its audit ring buffer"). When
// capacity is exceeded the oldest entry is dropped and the new oldest entry
// is re-anchored: its PrevHash is cleared and Reanchored is set, so
// VerifyChain remains meaningful over exactly the entries still present.
type Ring struct {
	capacity int
	entries  []Entry
	nextID   uint64
}

// NewRing creates a ring buffer with the given capacity (default 1000 per
// SPEC_FULL.md §4.11 when capacity<=0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{capacity: capacity}
}

// Append adds a new entry built from the given fields, computing PrevHash
// from the current last entry (or "" if the ring is empty), and evicts the
// oldest entry (re-anchoring the new oldest) if capacity is exceeded.
func (r *Ring) Append(probe, source string, status Status, durationMs int64, apiKeyID, responseDigest string) (Entry, error) {
	r.nextID++
	e := Entry{
		ID:             r.nextID,
		Timestamp:      time.Now().UTC(),
		Probe:          probe,
		Source:         source,
		Status:         status,
		DurationMs:     durationMs,
		APIKeyID:       apiKeyID,
		ResponseDigest: responseDigest,
	}
	if len(r.entries) > 0 {
		prevHash, err := Hash(r.entries[len(r.entries)-1])
		if err != nil {
			return Entry{}, err
		}
		e.PrevHash = prevHash
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
		r.entries[0].PrevHash = ""
		r.entries[0].Reanchored = true
	}
	return e, nil
}

// Entries returns a copy of the entries currently held in the ring.
func (r *Ring) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// VerifyChain verifies the entries currently held in the ring.
func (r *Ring) VerifyChain() (VerifyResult, error) {
	return VerifyChain(r.entries)
}
