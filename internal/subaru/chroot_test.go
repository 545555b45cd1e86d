package subaru

import (
	"context"
	"strings"
	"testing"
)

func TestSetupChrootLedgersSessionHandle(t *testing.T) {
	oldRoot, oldTmp := BuildRoot, tmpDir
	target := t.TempDir()
	BuildRoot = target
	tmpDir = "/tmp"
	defer func() { BuildRoot, tmpDir = oldRoot, oldTmp }()

	tr := newTestTracker()
	e := NewExecutor(context.Background())
	e.DryRun = true
	sc := &SessionContext{ProtectedPIDs: make(map[int]bool)}

	session, err := SetupChroot(tr, e, sc, target)
	if err != nil {
		t.Fatal(err)
	}
	if session.Target != target {
		t.Errorf("session target = %s", session.Target)
	}

	ids := tr.ActiveIDs()
	if len(ids) == 0 {
		t.Fatal("empty ledger after chroot setup")
	}
	// The session handle sits on top, above every mount it depends on, so
	// the unwind clears stragglers before detaching anything.
	if ids[0] != "chroot-session:"+target {
		t.Errorf("top of ledger = %s, want the chroot session", ids[0])
	}

	var haveProc bool
	for _, id := range ids {
		if strings.HasPrefix(id, "pseudo-fs-mount:") && strings.HasSuffix(id, "/proc") {
			haveProc = true
		}
	}
	if !haveProc {
		t.Errorf("ledger %v missing the proc mount", ids)
	}

	report := tr.ReleaseAll()
	if len(report.Failures) != 0 {
		t.Errorf("unwind failures: %v", report.Failures)
	}
	if tr.Active() != 0 {
		t.Errorf("ledger not drained: %d handles", tr.Active())
	}
}
