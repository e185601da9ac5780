// Package localstate persists the agent's enrollment identity and runtime
// configuration to disk, so a restarted agent process reconnects with the
// same identity instead of re-enrolling (§4.8).
package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// defaultDirName is the config directory under the user's home, mirroring
// "~/.sonde" (§4.8).
const defaultDirName = ".sonde"
const configFileName = "config.json"

// State is the full set of fields an agent persists across restarts (§4.8).
type State struct {
	HubURL        string   `json:"hubUrl"`
	APIKey        string   `json:"apiKey,omitempty"`
	AgentName     string   `json:"agentName"`
	AgentID       string   `json:"agentId,omitempty"`
	CertPath      string   `json:"certPath,omitempty"`
	KeyPath       string   `json:"keyPath,omitempty"`
	CACertPath    string   `json:"caCertPath,omitempty"`
	ScrubPatterns []string `json:"scrubPatterns,omitempty"`
	DisabledPacks []string `json:"disabledPacks,omitempty"`
}

// DefaultDir returns "~/.sonde". It does not create the directory; Save does.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("localstate: resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

func path(dir string) string {
	return filepath.Join(dir, configFileName)
}

// Load reads the persisted State from dir. A missing file returns the zero
// State, not an error, so first-run enrollment can populate it (§4.8).
func Load(dir string) (State, error) {
	data, err := os.ReadFile(path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("localstate: read config: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("localstate: corrupted config: %w", err)
	}
	return s, nil
}

// Save writes s to dir atomically via temp file + rename, so a crash
// mid-write never leaves a corrupted config behind (§4.8).
func Save(dir string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("localstate: marshal config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("localstate: create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, configFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("localstate: create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("localstate: write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localstate: close temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("localstate: chmod config: %w", err)
	}
	if err := os.Rename(tmpPath, path(dir)); err != nil {
		return fmt.Errorf("localstate: rename config: %w", err)
	}
	committed = true
	return nil
}

// Enrolled reports whether s carries enough identity to connect without
// re-running enrollment.
func (s State) Enrolled() bool {
	return s.HubURL != "" && s.AgentID != "" && (s.APIKey != "" || s.CertPath != "")
}
