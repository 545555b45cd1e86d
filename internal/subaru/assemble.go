package subaru

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// ImageLayout describes the attached, mounted target image while the boot
// configuration phase runs inside it.
type ImageLayout struct {
	ImagePath string
	LoopDev   string
	ESPDev    string
	RootDev   string
	MountDir  string

	// Mark is the tracker watermark taken before the image's own mounts;
	// releasing to it detaches the image without touching earlier handles.
	Mark uint64
}

// PrepareImage creates the raw image, partitions it (ESP + root), attaches
// it to a loop device, makes filesystems and mounts the target tree under
// the build tmp dir, then copies the staged rootfs in. Every attachment and
// mount goes on the ledger.
func PrepareImage(t *Tracker, engine *Engine, e *Executor, sc *SessionContext, r *Recipe, buildRoot string) (*ImageLayout, error) {
	imageDir := filepath.Join(StateDir, "images")
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return nil, err
	}
	imagePath := filepath.Join(imageDir, r.ArtifactName())

	arrow("Creating %d MiB image %s", r.SizeMB, filepath.Base(imagePath))
	if err := CreateSparseImage(imagePath, r.SizeMB); err != nil {
		return nil, err
	}

	// GPT with an ESP and a root partition filling the rest.
	err := engine.Run("partition-image", func() error {
		return e.Run(exec.Command("sgdisk", "--zap-all",
			"-n", fmt.Sprintf("1:0:+%dM", r.ESPSizeMB), "-t", "1:ef00", "-c", "1:EFI",
			"-n", "2:0:0", "-t", "2:8300", "-c", "2:sauzeros",
			imagePath))
	})
	if err != nil {
		return nil, err
	}

	layout := &ImageLayout{ImagePath: imagePath, Mark: t.Mark()}

	loopDev, err := AttachLoop(t, e, imagePath)
	if err != nil {
		return nil, err
	}
	layout.LoopDev = loopDev
	layout.ESPDev = loopDev + "p1"
	layout.RootDev = loopDev + "p2"

	err = engine.Run("make-filesystems", func() error {
		if err := e.Run(exec.Command("mkfs.vfat", "-F", "32", "-n", "EFI", layout.ESPDev)); err != nil {
			return err
		}
		return e.Run(exec.Command("mkfs.ext4", "-q", "-F", "-L", "sauzeros", layout.RootDev))
	})
	if err != nil {
		return nil, err
	}

	layout.MountDir = filepath.Join(tmpDir, "subaru-target")
	if _, err := TrackedMount(t, e, sc, KindPseudoFS, layout.RootDev, layout.MountDir, "ext4", "", false); err != nil {
		return nil, err
	}
	if _, err := TrackedMount(t, e, sc, KindPseudoFS, layout.ESPDev, filepath.Join(layout.MountDir, "boot/efi"), "vfat", "", false); err != nil {
		return nil, err
	}

	err = engine.Run("copy-rootfs", func() error {
		return e.Run(exec.Command("rsync", "-aHAX", "--info=progress2",
			buildRoot+string(filepath.Separator), layout.MountDir+string(filepath.Separator)))
	})
	if err != nil {
		return nil, err
	}

	return layout, nil
}

// DetachImage unwinds everything the image phase attached, in LIFO order.
func DetachImage(t *Tracker, layout *ImageLayout) ReleaseReport {
	return t.ReleaseTo(layout.Mark)
}

// CompressArtifact compresses the raw image per the recipe and removes the
// raw file on success. Returns the final artifact path (unchanged for
// method "none").
func CompressArtifact(imagePath, method string) (string, error) {
	if method == "none" || method == "" {
		return imagePath, nil
	}

	in, err := os.Open(imagePath)
	if err != nil {
		return "", err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return "", err
	}

	var suffix string
	switch method {
	case "gzip":
		suffix = ".gz"
	case "xz":
		suffix = ".xz"
	case "zstd":
		suffix = ".zst"
	default:
		return "", fmt.Errorf("unknown compression %q", method)
	}

	outPath := imagePath + suffix
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	bar := progressbar.DefaultBytes(fi.Size(), "compressing")
	src := io.TeeReader(in, bar)

	var w io.WriteCloser
	switch method {
	case "gzip":
		w = pgzip.NewWriter(out)
	case "xz":
		xw, err := xz.NewWriter(out)
		if err != nil {
			return "", err
		}
		w = xw
	case "zstd":
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return "", err
		}
		w = zw
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("compressing %s: %w", imagePath, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(outPath)
		return "", err
	}

	if err := os.Remove(imagePath); err != nil {
		cPrintf(colWarn, "could not remove raw image %s: %v\n", imagePath, err)
	}
	return outPath, nil
}
