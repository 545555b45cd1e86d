package subaru

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func (e *Executor) executeMountCommand(source, dest, fsType, options string, isBind bool) error {
	args := []string{}

	// Device-node binds need a file placeholder, not a directory.
	base := filepath.Base(source)
	isDeviceFileBind := isBind && (base == "tty" || base == "console" || base == "null" || base == "ptmx" || base == "zero" || base == "full" || base == "random" || base == "urandom")

	if isDeviceFileBind {
		parentDir := filepath.Dir(dest)
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			return fmt.Errorf("failed to create parent directory %s: %w", parentDir, err)
		}
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			if err := os.WriteFile(dest, []byte{}, 0644); err != nil {
				return fmt.Errorf("failed to create device file placeholder %s: %w", dest, err)
			}
		}
	} else {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return fmt.Errorf("failed to create destination directory %s: %w", dest, err)
		}
	}

	if isBind {
		if options == "--make-private" {
			cmd := exec.Command("mount", "--make-private", dest)
			return e.Run(cmd)
		}
		args = []string{source, dest, "--bind"}
	} else {
		args = append(args, source, dest)
		if fsType != "" {
			args = append(args, "-t", fsType)
		}
		if options != "" {
			args = append(args, "-o", options)
		}
	}

	cmd := exec.Command("mount", args...)
	debugf("[INFO] Running mount: %s\n", strings.Join(cmd.Args, " "))

	if err := e.Run(cmd); err != nil {
		return fmt.Errorf("mount failed for %s to %s: %w", source, dest, err)
	}
	return nil
}

// TrackedMount performs a mount and records it on the ledger. Release first
// tries a plain umount; the final escalation terminates unprotected holders
// and falls back to a lazy detach.
func TrackedMount(t *Tracker, e *Executor, sc *SessionContext, kind ResourceKind, source, dest, fsType, options string, isBind bool) (*ResourceHandle, error) {
	return t.Acquire(kind, dest,
		func() error {
			return e.executeMountCommand(source, dest, fsType, options, isBind)
		},
		unmountRelease(e, sc, dest))
}

// unmountRelease builds the ReleaseFunc for a mounted path. It refuses to
// touch anything outside the build's own tree.
func unmountRelease(e *Executor, sc *SessionContext, path string) ReleaseFunc {
	return func(lazy bool) error {
		if !safeUnmountTarget(path) {
			return fmt.Errorf("refusing to unmount %s: outside the build tree", path)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		if lazy {
			// Last attempt: clear unprotected holders, then detach lazily so
			// the kernel releases it once the stragglers are gone.
			if err := terminateHolders(e, sc, path); err != nil {
				return err
			}
			return e.Run(exec.Command("umount", "-l", path))
		}
		return e.Run(exec.Command("umount", path))
	}
}

// mountHolders lists PIDs with open references on path, via fuser.
// A package variable so tests can substitute the enumeration.
var mountHolders = func(e *Executor, path string) []int {
	out, err := e.Output(exec.Command("fuser", "-m", path))
	if err != nil && out == "" {
		return nil
	}
	var pids []int
	for _, f := range strings.Fields(out) {
		// fuser may suffix access modes (1234c, 1234m)
		f = strings.TrimRight(f, "cefFrm")
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

// terminateHolders signals processes holding path open, skipping every
// protected PID. Protected processes are filtered before any signal is
// issued; signalPID still refuses them as a hard backstop.
func terminateHolders(e *Executor, sc *SessionContext, path string) error {
	holders := mountHolders(e, path)
	for _, pid := range holders {
		if sc != nil && sc.IsProtected(pid) {
			debugf("skipping protected holder %d of %s\n", pid, path)
			continue
		}
		if err := signalPID(sc, pid, syscall.SIGTERM); err != nil {
			return err
		}
	}
	return nil
}

// signalPID is the single choke point for signalling processes during
// cleanup. Targeting a protected PID aborts before the signal is sent.
func signalPID(sc *SessionContext, pid int, sig syscall.Signal) error {
	if sc != nil && sc.IsProtected(pid) {
		return fmt.Errorf("%w (pid %d)", ErrSessionIntegrity, pid)
	}
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// UnmountFilesystems unmounts the given paths in reverse order using the
// external umount binary for proper privilege escalation. Used by the
// standalone cleanup command for paths not on any ledger.
func (e *Executor) UnmountFilesystems(paths []string) error {
	var cleanupErrors []string

	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if !safeUnmountTarget(path) {
			cleanupErrors = append(cleanupErrors, fmt.Sprintf("refusing to unmount %s: outside the build tree", path))
			continue
		}

		debugf("[INFO] Unmounting: %s\n", path)
		if err := e.Run(exec.Command("umount", "-l", path)); err != nil {
			cleanupErrors = append(cleanupErrors, fmt.Sprintf("Failed to umount %s: %v", path, err))
		}
	}

	if len(cleanupErrors) > 0 {
		return fmt.Errorf("multiple unmount errors occurred:\n%s", strings.Join(cleanupErrors, "\n"))
	}
	return nil
}

// BindMount creates the destination directory and performs a bind mount with
// private propagation, so chroot mount events never leak back to the host.
func (e *Executor) BindMount(source, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dest, err)
	}

	cmdBind := exec.Command("mount", "--bind", source, dest)
	debugf("[INFO] Running: %s\n", strings.Join(cmdBind.Args, " "))
	if err := e.Run(cmdBind); err != nil {
		return fmt.Errorf("failed to perform bind mount of %s to %s: %w", source, dest, err)
	}

	if err := e.Run(exec.Command("mount", "--make-rprivate", dest)); err != nil {
		cPrintf(colWarn, "could not set mount %s to private: %v\n", dest, err)
	}
	return nil
}
