package subaru

import (
	"os"
	"testing"
)

func setTestStateDir(t *testing.T) {
	t.Helper()
	old := StateDir
	StateDir = t.TempDir()
	t.Cleanup(func() { StateDir = old })
}

func TestCheckpointRoundTrip(t *testing.T) {
	setTestStateDir(t)

	tr := newTestTracker()
	tr.Acquire(KindLoopAttach, "/dev/loop3", func() error { return nil }, okRelease)
	tr.Acquire(KindBindMount, "/tmp/subaru-target", func() error { return nil }, okRelease)

	c := &Checkpoint{
		RunID:           "0d1f2e3a",
		Recipe:          "desktop",
		CompletedPhases: []string{"stage-rootfs", "install-packages"},
	}
	if err := SaveCheckpoint(c, tr); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("nil checkpoint after save")
	}
	if loaded.RunID != "0d1f2e3a" || loaded.Recipe != "desktop" {
		t.Errorf("identity = %s/%s", loaded.RunID, loaded.Recipe)
	}
	if !loaded.Completed("stage-rootfs") || !loaded.Completed("install-packages") {
		t.Errorf("completed phases = %v", loaded.CompletedPhases)
	}
	if loaded.Completed("configure-boot") {
		t.Error("configure-boot should not be marked complete")
	}
	if len(loaded.ActiveHandles) != 2 {
		t.Errorf("active handles = %v", loaded.ActiveHandles)
	}
	// Ledger snapshot is top-first.
	if loaded.ActiveHandles[0] != "bind-mount:/tmp/subaru-target" {
		t.Errorf("handle order = %v", loaded.ActiveHandles)
	}
	if loaded.WrittenAt.IsZero() {
		t.Error("written_at not stamped")
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	setTestStateDir(t)

	c, err := LoadCheckpoint()
	if err != nil {
		t.Fatalf("missing checkpoint: %v", err)
	}
	if c != nil {
		t.Errorf("got %+v, want nil", c)
	}
}

func TestRemoveCheckpoint(t *testing.T) {
	setTestStateDir(t)

	if err := SaveCheckpoint(&Checkpoint{RunID: "x", Recipe: "r"}, newTestTracker()); err != nil {
		t.Fatal(err)
	}
	RemoveCheckpoint()
	if _, err := os.Stat(checkpointPath()); !os.IsNotExist(err) {
		t.Error("checkpoint still present after removal")
	}
	// Removing again is a no-op.
	RemoveCheckpoint()
}

func TestSaveCheckpointIsAtomic(t *testing.T) {
	setTestStateDir(t)

	if err := SaveCheckpoint(&Checkpoint{RunID: "a", Recipe: "r"}, newTestTracker()); err != nil {
		t.Fatal(err)
	}
	if err := SaveCheckpoint(&Checkpoint{RunID: "b", Recipe: "r"}, newTestTracker()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(checkpointPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	c, err := LoadCheckpoint()
	if err != nil || c == nil || c.RunID != "b" {
		t.Errorf("latest checkpoint = %+v, %v", c, err)
	}
}
