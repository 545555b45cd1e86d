package subaru

import (
	"fmt"
	"sync"
	"time"
)

// ResourceKind identifies what a tracked handle refers to, which in turn
// decides how it is detached during teardown.
type ResourceKind int

const (
	KindBindMount ResourceKind = iota
	KindPseudoFS
	KindLoopAttach
	KindChrootSession
)

func (k ResourceKind) String() string {
	switch k {
	case KindBindMount:
		return "bind-mount"
	case KindPseudoFS:
		return "pseudo-fs-mount"
	case KindLoopAttach:
		return "loop-attach"
	case KindChrootSession:
		return "chroot-session"
	default:
		return "unknown"
	}
}

type HandleStatus int

const (
	StatusActive HandleStatus = iota
	StatusReleasing
	StatusReleased
	StatusReleaseFailed
)

// ReleaseFunc detaches one resource. When lazy is true the implementation
// should use its forced/deferred variant (umount -l, losetup -d after
// flushing, etc.).
type ReleaseFunc func(lazy bool) error

// ResourceHandle is one entry in the tracker's ledger.
type ResourceHandle struct {
	ID     string
	Kind   ResourceKind
	Status HandleStatus

	order   uint64
	release ReleaseFunc
}

// ReleaseReport summarizes one unwind: which handles came off the stack and
// which could not be detached.
type ReleaseReport struct {
	Released []string
	Failures []ReleaseFailure
}

func (r ReleaseReport) Empty() bool {
	return len(r.Released) == 0 && len(r.Failures) == 0
}

// Tracker is the ledger of every externally-visible resource the build has
// acquired. Handles come off in strict reverse acquisition order no matter
// which path triggers the unwind; a single mutex serializes acquisition
// against teardown so a normal shutdown and a signal-driven rollback can
// never double-release.
type Tracker struct {
	mu    sync.Mutex
	next  uint64
	stack []*ResourceHandle

	// Release escalation tuning; tests shrink the pause.
	attempts int
	pause    time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{attempts: 3, pause: 500 * time.Millisecond}
}

// Acquire runs acquireFn and, only on success, records a handle for it.
// A failed acquisition leaves the ledger untouched.
func (t *Tracker) Acquire(kind ResourceKind, id string, acquireFn func() error, releaseFn ReleaseFunc) (*ResourceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := acquireFn(); err != nil {
		return nil, fmt.Errorf("acquiring %s %s: %w", kind, id, err)
	}

	t.next++
	h := &ResourceHandle{
		ID:      id,
		Kind:    kind,
		Status:  StatusActive,
		order:   t.next,
		release: releaseFn,
	}
	t.stack = append(t.stack, h)
	debugf("tracker: acquired %s %s (#%d)\n", kind, id, h.order)
	return h, nil
}

// Mark returns a watermark for the current top of the ledger. ReleaseTo with
// that watermark detaches everything acquired after it.
func (t *Tracker) Mark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// ReleaseAll unwinds the whole ledger, best-effort. A handle that cannot be
// detached is marked release-failed and reported, but the unwind continues to
// the bottom of the stack. Calling it again on an empty ledger is a no-op.
func (t *Tracker) ReleaseAll() ReleaseReport {
	return t.ReleaseTo(0)
}

// ReleaseTo unwinds, in LIFO order, every handle acquired after the given
// watermark.
func (t *Tracker) ReleaseTo(mark uint64) ReleaseReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	var report ReleaseReport
	for len(t.stack) > 0 {
		h := t.stack[len(t.stack)-1]
		if h.order <= mark {
			break
		}
		t.stack = t.stack[:len(t.stack)-1]

		if err := t.releaseHandle(h); err != nil {
			report.Failures = append(report.Failures, ReleaseFailure{
				Handle: h.ID,
				Kind:   h.Kind,
				Err:    err,
			})
			cPrintf(colError, "failed to release %s %s: %v\n", h.Kind, h.ID, err)
			continue
		}
		report.Released = append(report.Released, h.ID)
	}
	return report
}

// releaseHandle attempts a plain release, retries once after a short pause,
// then escalates to the lazy/forced variant on the final attempt.
func (t *Tracker) releaseHandle(h *ResourceHandle) error {
	h.Status = StatusReleasing

	var lastErr error
	for i := 0; i < t.attempts; i++ {
		if i > 0 {
			time.Sleep(t.pause)
		}
		lazy := i == t.attempts-1
		if err := h.release(lazy); err != nil {
			lastErr = err
			debugf("tracker: release %s attempt %d failed: %v\n", h.ID, i+1, err)
			continue
		}
		h.Status = StatusReleased
		debugf("tracker: released %s %s\n", h.Kind, h.ID)
		return nil
	}
	h.Status = StatusReleaseFailed
	return lastErr
}

// Active returns the number of handles still on the ledger.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}

// ActiveIDs lists the ledger contents top-first, for the checkpoint snapshot
// and for diagnostics.
func (t *Tracker) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.stack))
	for i := len(t.stack) - 1; i >= 0; i-- {
		ids = append(ids, fmt.Sprintf("%s:%s", t.stack[i].Kind, t.stack[i].ID))
	}
	return ids
}
