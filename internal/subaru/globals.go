package subaru

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
// While critical, the first termination signal is held back so that
// in-flight resource operations are never preempted mid-syscall.
var isCriticalAtomic atomic.Int32

// SetCritical marks the start/end of a phase that must not be
// interrupted by the first Ctrl+C.
func SetCritical(on bool) {
	if on {
		isCriticalAtomic.Store(1)
	} else {
		isCriticalAtomic.Store(0)
	}
}

// Global variables
var (
	BuildRoot    string
	StateDir     string
	ReportDir    string
	CacheDir     string
	tmpDir       string
	Debug        bool
	DryRun       bool
	SkipCleanup  bool
	StrictMode   bool
	ConfigFile   = "/etc/subaru.conf"
	LockFile     = "/run/subaru.lock"
	BinaryMirror string

	// Retry tuning, overridable from the config file.
	RetryAttempts int
	RetryDelayMs  int

	// Diagnostic advisory service endpoint; empty disables consultation.
	DiagnosticURL string

	// Cloudflare R2 upload credentials
	r2AccountID string
	r2AccessKey string
	r2SecretKey string
	r2Bucket    string

	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	arch      = runtime.GOARCH

	errRecipeNotFound = errors.New("recipe not found")

	// Global executors (declared, to be assigned in main)
	UserExec *Executor
	RootExec *Executor
)

// Exit codes reported by the subaru binary.
const (
	ExitOK            = 0
	ExitFailure       = 3   // generic escalated failure
	ExitBootExhausted = 4   // all bootloader tiers failed
	ExitReleaseFailed = 5   // teardown left resources behind
	ExitInterrupted   = 130 // signal received, resources reclaimed
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)
