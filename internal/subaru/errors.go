package subaru

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the classification assigned to a failed operation.
type Category int

const (
	CatUnclassified Category = iota
	CatTransientNetwork
	CatResourceBusy
	CatPermissionDenied
	CatValidationFailed
)

func (c Category) String() string {
	switch c {
	case CatTransientNetwork:
		return "transient-network"
	case CatResourceBusy:
		return "resource-busy"
	case CatPermissionDenied:
		return "permission-denied"
	case CatValidationFailed:
		return "validation-failed"
	default:
		return "unclassified"
	}
}

// Sentinel errors for the inherently-fatal conditions.
var (
	// ErrTiersExhausted means no bootloader tier produced a bootable
	// configuration. The build cannot succeed past this point.
	ErrTiersExhausted = errors.New("all bootloader tiers exhausted")

	// ErrSessionIntegrity means a cleanup operation was about to target a
	// protected process. It must surface before the action executes.
	ErrSessionIntegrity = errors.New("cleanup would target a protected process")
)

// OperationFailure is what RecoveryEngine hands back once an operation has
// exhausted its policy. It carries enough for the orchestrator to decide
// continue-vs-abort and for the build report.
type OperationFailure struct {
	Op       string
	Category Category
	Attempts int
	Hint     string // advisory suggestion, if one was consulted
	Err      error
}

func (f *OperationFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed (%s, %d attempt", f.Op, f.Category, f.Attempts)
	if f.Attempts != 1 {
		b.WriteString("s")
	}
	b.WriteString(")")
	if f.Hint != "" {
		fmt.Fprintf(&b, " [advisory: %s]", f.Hint)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *OperationFailure) Unwrap() error { return f.Err }

// ReleaseFailure records one handle that could not be detached during
// teardown. Non-fatal to the run but always surfaced in the report.
type ReleaseFailure struct {
	Handle string
	Kind   ResourceKind
	Err    error
}

func (r ReleaseFailure) Error() string {
	return fmt.Sprintf("failed to release %s %s: %v", r.Kind, r.Handle, r.Err)
}
