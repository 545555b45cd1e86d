package subaru

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// stubHolders swaps the fuser-backed holder enumeration for a fixed list.
func stubHolders(t *testing.T, pids []int) {
	t.Helper()
	old := mountHolders
	mountHolders = func(e *Executor, path string) []int { return pids }
	t.Cleanup(func() { mountHolders = old })
}

func TestTerminateHoldersSkipsProtected(t *testing.T) {
	// Own pid is protected; the other holder is long gone, so signalling it
	// is a swallowed ESRCH. If the filter ever let the protected pid through,
	// signalPID would refuse it and the error would surface here.
	stubHolders(t, []int{os.Getpid(), 1<<22 - 5})
	sc := &SessionContext{ProtectedPIDs: map[int]bool{os.Getpid(): true}}
	e := NewExecutor(context.Background())

	if err := terminateHolders(e, sc, "/some/mount"); err != nil {
		t.Fatalf("terminateHolders = %v, want protected holder skipped", err)
	}
}

func TestLazyReleaseProceedsPastProtectedHolder(t *testing.T) {
	oldRoot, oldTmp := BuildRoot, tmpDir
	BuildRoot = t.TempDir()
	tmpDir = "/tmp"
	defer func() { BuildRoot, tmpDir = oldRoot, oldTmp }()

	mnt := filepath.Join(BuildRoot, "proc")
	if err := os.MkdirAll(mnt, 0755); err != nil {
		t.Fatal(err)
	}

	// The protected session process is reported as using the mount.
	stubHolders(t, []int{os.Getpid()})
	sc := &SessionContext{ProtectedPIDs: map[int]bool{os.Getpid(): true}}
	e := NewExecutor(context.Background())
	e.DryRun = true

	release := unmountRelease(e, sc, mnt)
	if err := release(true); err != nil {
		t.Fatalf("lazy release = %v, want detach to proceed without signalling the holder", err)
	}
}

func TestLazyReleaseRefusesTargetOutsideBuildTree(t *testing.T) {
	oldRoot, oldTmp := BuildRoot, tmpDir
	BuildRoot = t.TempDir()
	tmpDir = filepath.Join(BuildRoot, "tmp")
	defer func() { BuildRoot, tmpDir = oldRoot, oldTmp }()

	e := NewExecutor(context.Background())
	e.DryRun = true

	release := unmountRelease(e, &SessionContext{ProtectedPIDs: map[int]bool{}}, "/home")
	if err := release(false); err == nil {
		t.Fatal("expected refusal for a host directory")
	}
}
