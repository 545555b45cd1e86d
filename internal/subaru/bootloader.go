package subaru

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// TierSpec parameterizes one bootloader installation strategy. Tiers 1-3 are
// grub-install with progressively more permissive flags; tier 4 abandons
// grub entirely for systemd-boot on the firmware fallback path.
type TierSpec struct {
	Tier      int
	Name      string
	Target    string // firmware interface, e.g. x86_64-efi
	NoNVRAM   bool   // skip firmware variable registration
	Removable bool   // install to the removable-media path
	Force     bool   // overwrite whatever is there
	Alternate bool   // tier 4: simpler alternate boot mechanism
}

func installTiers() []TierSpec {
	return []TierSpec{
		{Tier: 1, Name: "standard", Target: "x86_64-efi"},
		{Tier: 2, Name: "no-nvram", Target: "x86_64-efi", NoNVRAM: true},
		{Tier: 3, Name: "force-removable", Target: "x86_64-efi", NoNVRAM: true, Removable: true, Force: true},
		{Tier: 4, Name: "alternate-bootloader", Alternate: true},
	}
}

// BootAttempt is the record of one tier execution, kept in order for the
// build report whatever the final outcome.
type BootAttempt struct {
	Tier     int    `json:"tier"`
	Name     string `json:"name"`
	Outcome  string `json:"outcome"` // success | retryable-failure | fatal-failure
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BootloaderInstaller walks the tier sequence until one strategy produces a
// bootable configuration or all of them are exhausted.
type BootloaderInstaller struct {
	Engine  *Engine
	Exec    *Executor
	Session *ChrootSession

	ESPDevice string // e.g. /dev/loop0p1
	EFIDir    string // inside the chroot, e.g. /boot/efi

	// Injectable for tests; nil means the production implementations.
	RunTier  func(TierSpec) error
	Validate func() error
	Repair   func() error

	Attempts []BootAttempt
}

// minimum ESP size accepted by the precondition check
const minESPBytes = 64 * 1024 * 1024

// Install drives the state machine. A tier's success is terminal; an
// escalated failure moves to the next tier; exhausting tier 4 is fatal.
func (b *BootloaderInstaller) Install() error {
	runTier := b.RunTier
	if runTier == nil {
		runTier = b.runTierCmd
	}
	validate := b.Validate
	if validate == nil {
		validate = b.validateESP
	}
	repair := b.Repair
	if repair == nil {
		repair = b.repairESP
	}

	for _, tier := range installTiers() {
		degraded := false
		if err := validate(); err != nil {
			cPrintf(colWarn, "boot target precondition failed: %v\n", err)
			if rerr := repair(); rerr != nil {
				// A tier may still succeed on an imperfect target; run it
				// anyway but mark the attempt.
				cPrintf(colWarn, "boot target repair failed: %v\n", rerr)
				degraded = true
			}
		}

		arrow("Bootloader tier %d (%s)", tier.Tier, tier.Name)
		err := b.Engine.Run(fmt.Sprintf("bootloader-tier%d-%s", tier.Tier, tier.Name), func() error {
			return runTier(tier)
		})

		attempt := BootAttempt{Tier: tier.Tier, Name: tier.Name, Degraded: degraded}
		if err == nil {
			attempt.Outcome = "success"
			b.Attempts = append(b.Attempts, attempt)
			arrow("Bootloader installed via tier %d (%s)", tier.Tier, tier.Name)
			return nil
		}

		attempt.Error = err.Error()
		attempt.Outcome = "fatal-failure"
		var opFail *OperationFailure
		if errors.As(err, &opFail) {
			switch opFail.Category {
			case CatTransientNetwork, CatResourceBusy:
				attempt.Outcome = "retryable-failure"
			}
		}
		b.Attempts = append(b.Attempts, attempt)
		cPrintf(colWarn, "tier %d (%s) failed, falling through\n", tier.Tier, tier.Name)
	}

	return fmt.Errorf("%w after %d attempts", ErrTiersExhausted, len(b.Attempts))
}

// runTierCmd executes a tier inside the chroot.
func (b *BootloaderInstaller) runTierCmd(tier TierSpec) error {
	if tier.Alternate {
		return b.installAlternate()
	}

	args := []string{
		"grub-install",
		"--target=" + tier.Target,
		"--efi-directory=" + b.EFIDir,
		"--bootloader-id=sauzeros",
		"--boot-directory=/boot",
	}
	if tier.NoNVRAM {
		args = append(args, "--no-nvram")
	}
	if tier.Removable {
		args = append(args, "--removable")
	}
	if tier.Force {
		args = append(args, "--force")
	}

	if err := b.Session.Exec(b.Exec, args); err != nil {
		return err
	}
	return b.Session.Exec(b.Exec, []string{"grub-mkconfig", "-o", "/boot/grub/grub.cfg"})
}

// installAlternate is tier 4: systemd-boot on the firmware fallback path.
// No NVRAM writes, no grub modules, no assumptions carried over from the
// earlier tiers. There is nothing to fall back to after this.
func (b *BootloaderInstaller) installAlternate() error {
	if err := b.Session.Exec(b.Exec, []string{
		"bootctl", "install", "--esp-path=" + b.EFIDir, "--no-variables",
	}); err != nil {
		return err
	}

	// Minimal loader entry pointing at the installed kernel.
	hostEFI := filepath.Join(b.Session.Target, b.EFIDir)
	entryDir := filepath.Join(hostEFI, "loader", "entries")
	if err := os.MkdirAll(entryDir, 0755); err != nil {
		return fmt.Errorf("creating loader entries dir: %w", err)
	}
	entry := "title sauzerOS\nlinux /vmlinuz\noptions root=LABEL=sauzeros rw\n"
	if err := os.WriteFile(filepath.Join(entryDir, "sauzeros.conf"), []byte(entry), 0644); err != nil {
		return fmt.Errorf("writing loader entry: %w", err)
	}
	return nil
}

// validateESP checks the designated boot partition exists, is vfat, and
// meets the minimum size.
func (b *BootloaderInstaller) validateESP() error {
	if b.ESPDevice == "" {
		return fmt.Errorf("no boot partition designated")
	}
	if _, err := os.Stat(b.ESPDevice); err != nil {
		return fmt.Errorf("boot partition %s: %w", b.ESPDevice, err)
	}

	fsType, err := b.Exec.Output(exec.Command("blkid", "-o", "value", "-s", "TYPE", b.ESPDevice))
	if err != nil {
		return fmt.Errorf("probing %s: %w", b.ESPDevice, err)
	}
	if fsType != "vfat" && !b.Exec.DryRun {
		return fmt.Errorf("boot partition %s has type %q, want vfat", b.ESPDevice, fsType)
	}

	sizeStr, err := b.Exec.Output(exec.Command("blockdev", "--getsize64", b.ESPDevice))
	if err != nil {
		return fmt.Errorf("sizing %s: %w", b.ESPDevice, err)
	}
	if size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64); err == nil && size > 0 && size < minESPBytes {
		return fmt.Errorf("boot partition %s is %d bytes, want at least %d", b.ESPDevice, size, minESPBytes)
	}
	return nil
}

// repairESP is the bounded precondition repair: a single reformat.
func (b *BootloaderInstaller) repairESP() error {
	arrow("Reformatting boot partition %s as vfat", b.ESPDevice)
	return b.Exec.Run(exec.Command("mkfs.vfat", "-F", "32", "-n", "EFI", b.ESPDevice))
}
