package subaru

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ChrootSession is a build root with the full set of pseudo-filesystems and
// device nodes mounted, ready for command execution inside it. Every mount
// sits on the tracker, so teardown happens in exact reverse order whichever
// path triggers it.
type ChrootSession struct {
	Target string
}

// chrootMount describes one entry of the specialized mount table.
type chrootMount struct {
	source  string
	target  string
	fsType  string
	options string
	isBind  bool
	kind    ResourceKind
}

// The order matters: parents before children, so the LIFO unwind detaches
// the most nested mounts first.
func chrootMountTable() []chrootMount {
	return []chrootMount{
		{"proc", "proc", "proc", "nosuid,noexec,nodev", false, KindPseudoFS},
		{"sys", "sys", "sysfs", "nosuid,noexec,nodev,ro", false, KindPseudoFS},
		{"udev", "dev", "devtmpfs", "mode=0755,nosuid", false, KindPseudoFS},
		{"devpts", "dev/pts", "devpts", "mode=0620,gid=5,nosuid,noexec", false, KindPseudoFS},
		{"/dev/ptmx", "dev/ptmx", "", "", true, KindBindMount},
		{"/dev/tty", "dev/tty", "", "", true, KindBindMount},
		{"/dev/console", "dev/console", "", "", true, KindBindMount},
		{"/dev/null", "dev/null", "", "", true, KindBindMount},
		{"shm", "dev/shm", "tmpfs", "mode=1777,nosuid,nodev", false, KindPseudoFS},
		{"/run", "run", "", "", true, KindBindMount},
		{"tmp", "tmp", "tmpfs", "mode=1777,strictatime,nodev,nosuid", false, KindPseudoFS},
	}
}

// SetupChroot mounts the table into targetDir, tracking each mount. On any
// failure the caller's recovery path unwinds whatever was already attached.
func SetupChroot(t *Tracker, e *Executor, sc *SessionContext, targetDir string) (*ChrootSession, error) {
	debugf("[INFO] Setting up specialized mounts in %s\n", targetDir)

	for _, m := range chrootMountTable() {
		dest := filepath.Join(targetDir, m.target)
		if _, err := TrackedMount(t, e, sc, m.kind, m.source, dest, m.fsType, m.options, m.isBind); err != nil {
			return nil, fmt.Errorf("mounting %s: %w", m.target, err)
		}
	}

	// efivars only exists on UEFI hosts; best effort, grub needs it for
	// NVRAM registration but Tier2+ cope without it.
	efiVarsPath := filepath.Join(targetDir, "sys/firmware/efi/efivars")
	if _, err := os.Stat("/sys/firmware/efi/efivars"); err == nil {
		if _, err := TrackedMount(t, e, sc, KindPseudoFS, "efivarfs", efiVarsPath, "efivarfs", "nosuid,noexec,nodev", false); err != nil {
			cPrintf(colWarn, "could not mount efivarfs: %v\n", err)
		}
	}

	// Private propagation on /run so chroot mount events stay invisible to
	// the host.
	e.executeMountCommand("", filepath.Join(targetDir, "run"), "", "--make-private", true)

	// The session itself goes on the ledger, above its mounts. Releasing it
	// clears unprotected stragglers out of the tree so the mount unwind that
	// follows finds the target quiet.
	if _, err := t.Acquire(KindChrootSession, targetDir,
		func() error { return nil },
		func(lazy bool) error {
			return terminateHolders(e, sc, targetDir)
		}); err != nil {
		return nil, err
	}

	return &ChrootSession{Target: targetDir}, nil
}

// Exec runs a command inside the chroot. systemd-run with RootDirectory is
// preferred (clean scope, own unit); plain chroot is the fallback.
func (s *ChrootSession) Exec(e *Executor, cmdArgs []string) error {
	if _, err := exec.LookPath("systemd-run"); err == nil {
		suffix := fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
		unitName := "subaru-chroot-" + filepath.Base(s.Target) + "-" + suffix
		sdArgs := []string{
			"systemd-run", "--pty",
			"--setenv=TERM=xterm",
			"--unit=" + unitName,
			"--description=subaru chroot " + s.Target,
			"--property=RootDirectory=" + s.Target,
			"--",
		}
		sdArgs = append(sdArgs, cmdArgs...)

		cmd := exec.Command(sdArgs[0], sdArgs[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := e.Run(cmd); err != nil {
			return fmt.Errorf("error running chroot via systemd-run: %w", err)
		}
		return nil
	}

	chrootArgs := append([]string{s.Target}, cmdArgs...)
	cmd := exec.Command("chroot", chrootArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := e.Run(cmd); err != nil {
		return fmt.Errorf("error running chroot fallback: %w", err)
	}
	return nil
}
