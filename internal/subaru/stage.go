package subaru

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// StageRootfs unpacks the seed rootfs archive into the build root. System
// tar through the privileged executor is preferred (keeps ownership, xattrs
// and device nodes intact); the pure-Go path is the fallback for hosts
// without a usable tar.
func StageRootfs(e *Executor, archive, dest string) error {
	if _, err := os.Stat(archive); err != nil {
		return fmt.Errorf("seed rootfs archive: %w", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating build root %s: %w", dest, err)
	}

	arrow("Staging rootfs from %s", filepath.Base(archive))

	if _, err := exec.LookPath("tar"); err == nil {
		cmd := exec.Command("tar", "-xpf", archive, "--numeric-owner", "--xattrs-include=*", "-C", dest)
		if err := e.Run(cmd); err == nil {
			debugf("staged rootfs with system tar\n")
			return nil
		}
		cPrintln(colWarn, "system tar failed, falling back to built-in extraction")
	}
	if e.DryRun {
		return nil
	}
	return extractSeedTar(archive, dest)
}

// extractSeedTar is the pure-Go extraction path, with a byte progress bar
// over the compressed stream.
func extractSeedTar(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(fi.Size(), "extracting")
	src := io.TeeReader(f, bar)

	var r io.Reader = src
	switch {
	case strings.HasSuffix(archive, ".tar.gz") || strings.HasSuffix(archive, ".tgz"):
		gz, err := pgzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(archive, ".tar.xz"):
		xzr, err := xz.NewReader(src)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
		}
		r = xzr
	case strings.HasSuffix(archive, ".tar.zst"):
		zst, err := zstd.NewReader(src)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(archive, ".tar"):
		// No compression
	default:
		return fmt.Errorf("unsupported archive format: %s", archive)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data: %w", err)
			}
			continue
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		targetPath := filepath.Join(dest, name)

		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
		case tar.TypeLink:
			src := filepath.Join(dest, filepath.Clean(hdr.Linkname))
			if err := os.Link(src, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create hardlink %s: %w", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}
