package subaru

import (
	"fmt"
	"os"
	"os/exec"
)

// CreateSparseImage creates (or truncates) a sparse raw image file of the
// given size.
func CreateSparseImage(path string, sizeMB int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("creating image file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(sizeMB * 1024 * 1024); err != nil {
		return fmt.Errorf("sizing image file %s: %w", path, err)
	}
	return nil
}

// AttachLoop attaches an image file to a free loop device with partition
// scanning and records the attachment on the ledger. The returned device
// path is empty in dry-run mode.
func AttachLoop(t *Tracker, e *Executor, imagePath string) (string, error) {
	var loopDev string

	_, err := t.Acquire(KindLoopAttach, imagePath,
		func() error {
			out, err := e.Output(exec.Command("losetup", "--find", "--show", "--partscan", imagePath))
			if err != nil {
				return fmt.Errorf("losetup %s: %w", imagePath, err)
			}
			loopDev = out
			return nil
		},
		func(lazy bool) error {
			if loopDev == "" {
				return nil
			}
			// losetup has no lazy variant; the escalated attempt syncs
			// first so pending writes are not the reason it is busy.
			if lazy {
				e.Run(exec.Command("sync"))
			}
			return e.Run(exec.Command("losetup", "-d", loopDev))
		})
	if err != nil {
		return "", err
	}
	if loopDev != "" {
		arrow("Attached %s at %s", imagePath, loopDev)
	}
	return loopDev, nil
}
