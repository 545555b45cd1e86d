package subaru

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// acquireBuildLock takes the exclusive build lock so two builds can never
// fight over the same build root and ledgered resources. The caller holds
// the returned file open for the life of the process.
func acquireBuildLock() (*os.File, error) {
	path := LockFile
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		// /run may not be writable for the invoking user; fall back to the
		// state dir.
		path = filepath.Join(StateDir, "subaru.lock")
		if mkErr := os.MkdirAll(StateDir, 0755); mkErr != nil {
			return nil, mkErr
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another build is already running (lock %s held)", path)
	}
	return f, nil
}

func releaseBuildLock(f *os.File) {
	if f == nil {
		return
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
