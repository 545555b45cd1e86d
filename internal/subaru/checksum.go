package subaru

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// hashFile returns the BLAKE3 hex digest of a file. A system b3sum is used
// when available; otherwise the pure-Go implementation.
func hashFile(path string) (string, error) {
	if _, err := exec.LookPath("b3sum"); err == nil && UserExec != nil {
		out, err := UserExec.Output(exec.Command("b3sum", "--no-names", path))
		if err == nil {
			fields := strings.Fields(out)
			if len(fields) > 0 {
				return fields[0], nil
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// WriteChecksumFile writes "<digest>  <basename>" next to the artifact, in
// b3sum's own format.
func WriteChecksumFile(artifact string) (string, error) {
	digest, err := hashFile(artifact)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", artifact, err)
	}
	sumPath := artifact + ".b3"
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(artifact))
	if err := os.WriteFile(sumPath, []byte(line), 0644); err != nil {
		return "", err
	}
	return digest, nil
}
