package subaru

import "strings"

// classifyRule maps an error-text pattern to a category. Rules are checked
// in order; the first match wins.
type classifyRule struct {
	pattern  string
	category Category
}

// Patterns cover both Go syscall error strings and the stderr of the external
// tools we shell out to (mount, umount, losetup, grub-install, curl).
var classifyRules = []classifyRule{
	{"device or resource busy", CatResourceBusy},
	{"resource busy", CatResourceBusy},
	{"target is busy", CatResourceBusy},
	{"resource temporarily unavailable", CatResourceBusy},

	{"permission denied", CatPermissionDenied},
	{"operation not permitted", CatPermissionDenied},
	{"read-only file system", CatPermissionDenied},

	{"no such host", CatTransientNetwork},
	{"name resolution", CatTransientNetwork},
	{"temporary failure in name resolution", CatTransientNetwork},
	{"connection refused", CatTransientNetwork},
	{"connection reset", CatTransientNetwork},
	{"network is unreachable", CatTransientNetwork},
	{"i/o timeout", CatTransientNetwork},
	{"tls handshake timeout", CatTransientNetwork},

	{"no space left on device", CatValidationFailed},
	{"wrong fs type", CatValidationFailed},
	{"is not a block device", CatValidationFailed},
	{"invalid argument", CatValidationFailed},
	{"not a directory", CatValidationFailed},
	{"no such file or directory", CatValidationFailed},
}

// Classify maps a failed operation to a category. It is deterministic given
// the same inputs and performs no I/O; everything it knows comes from the
// static rule table above.
func Classify(op string, err error) Category {
	if err == nil {
		return CatUnclassified
	}
	msg := strings.ToLower(err.Error())
	for _, r := range classifyRules {
		if strings.Contains(msg, r.pattern) {
			return r.category
		}
	}
	return CatUnclassified
}
