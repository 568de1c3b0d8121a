package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrStateNotFound is returned when state.json is missing.
var ErrStateNotFound = errors.New("model store state not found")

// State tracks the active and previous revision of one repo in the cache.
type State struct {
	Repo             string    `json:"repo"`
	CurrentRevision  string    `json:"current_revision"`
	PreviousRevision string    `json:"previous_revision,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func stateFilePath(repoDir string) string {
	return filepath.Join(repoDir, "state.json")
}

// LoadState reads <cache_dir>/<repo>/state.json.
func LoadState(repoDir string) (State, error) {
	repoDir = strings.TrimSpace(repoDir)
	if repoDir == "" {
		return State{}, errors.New("repo dir is empty")
	}

	data, err := os.ReadFile(stateFilePath(repoDir))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("read model state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode model state: %w", err)
	}
	return state, nil
}

// SaveState writes state.json atomically via a temp file and rename.
func SaveState(repoDir string, state State) error {
	repoDir = strings.TrimSpace(repoDir)
	if repoDir == "" {
		return errors.New("repo dir is empty")
	}
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	state.CurrentRevision = strings.TrimSpace(state.CurrentRevision)
	state.PreviousRevision = strings.TrimSpace(state.PreviousRevision)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}

	tmpFile, err := os.CreateTemp(repoDir, "state.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		tmpFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), stateFilePath(repoDir)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// recordRevision marks revision as current, keeping the prior one as previous.
func recordRevision(repoDir, repo, revision string) error {
	state, err := LoadState(repoDir)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if state.CurrentRevision != revision {
		state.PreviousRevision = state.CurrentRevision
	}
	state.Repo = repo
	state.CurrentRevision = revision
	state.UpdatedAt = time.Now().UTC()
	return SaveState(repoDir, state)
}
