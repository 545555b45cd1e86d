package subaru

import (
	"path/filepath"
	"strings"
)

// Host mount points the build must never detach, no matter what the ledger
// claims. Everything subaru mounts lives under the build root or a
// build-owned staging dir; anything else on this list is the host's own.
var forbiddenUnmountTargets = map[string]struct{}{
	"/":     {},
	"/boot": {},
	"/dev":  {},
	"/etc":  {},
	"/home": {},
	"/proc": {},
	"/root": {},
	"/run":  {},
	"/sys":  {},
	"/tmp":  {},
	"/usr":  {},
	"/var":  {},
}

// safeUnmountTarget reports whether path may be passed to umount. Only
// absolute paths under the build root (or the build's own tmp staging area)
// qualify; bare host system dirs never do.
func safeUnmountTarget(path string) bool {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return false
	}
	if _, forbidden := forbiddenUnmountTargets[clean]; forbidden {
		return false
	}
	if BuildRoot != "" && strings.HasPrefix(clean, filepath.Clean(BuildRoot)+string(filepath.Separator)) {
		return true
	}
	if BuildRoot != "" && clean == filepath.Clean(BuildRoot) {
		return true
	}
	if tmpDir != "" && strings.HasPrefix(clean, filepath.Clean(tmpDir)+string(filepath.Separator)) {
		return true
	}
	return false
}
