package subaru

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Checkpoint is the resumable-build snapshot written at safe phase
// boundaries. It records which phases completed and what was on the ledger
// when it was taken, so a resumed build can skip finished work instead of
// re-acquiring it.
type Checkpoint struct {
	RunID           string    `yaml:"run_id"`
	Recipe          string    `yaml:"recipe"`
	WrittenAt       time.Time `yaml:"written_at"`
	CompletedPhases []string  `yaml:"completed_phases"`
	ActiveHandles   []string  `yaml:"active_handles,omitempty"`
}

func checkpointPath() string {
	return filepath.Join(StateDir, "checkpoint.yaml")
}

func (c *Checkpoint) Completed(phase string) bool {
	for _, p := range c.CompletedPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// SaveCheckpoint writes the snapshot atomically (temp file + rename).
func SaveCheckpoint(c *Checkpoint, tracker *Tracker) error {
	c.WrittenAt = time.Now().UTC()
	c.ActiveHandles = tracker.ActiveIDs()

	if err := os.MkdirAll(StateDir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	tmp := checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, checkpointPath())
}

// LoadCheckpoint returns nil without error when no checkpoint exists.
func LoadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Checkpoint
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	return &c, nil
}

func RemoveCheckpoint() {
	_ = os.Remove(checkpointPath())
}
