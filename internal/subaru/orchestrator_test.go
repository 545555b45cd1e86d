package subaru

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func newTestOrchestrator(t *testing.T, ctx context.Context, phases []buildPhase) *Orchestrator {
	t.Helper()
	setTestStateDir(t)
	setTestReportDir(t)

	tr := newTestTracker()
	return &Orchestrator{
		Ctx:       ctx,
		Recipe:    &Recipe{Name: "test", Version: "1", Seed: "/seed.tar.gz"},
		Tracker:   tr,
		Engine:    NewEngine(tr, nil),
		Exec:      &Executor{Context: ctx},
		Session:   &SessionContext{ProtectedPIDs: make(map[int]bool)},
		Report:    NewBuildReport("test", SessionUnknown),
		phaseList: phases,
	}
}

func TestOrchestratorAllPhasesSucceed(t *testing.T) {
	var ran []string
	phase := func(name string) buildPhase {
		return buildPhase{name: name, run: func() error {
			ran = append(ran, name)
			return nil
		}}
	}
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		phase("one"), phase("two"), phase("three"),
	})

	if code := o.Run(); code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if len(ran) != 3 {
		t.Errorf("ran = %v", ran)
	}
	if o.Report.Outcome != "success" {
		t.Errorf("outcome = %s", o.Report.Outcome)
	}

	// Success removes the checkpoint.
	if cp, _ := LoadCheckpoint(); cp != nil {
		t.Errorf("checkpoint survived success: %+v", cp)
	}
}

func TestOrchestratorCriticalFailureAborts(t *testing.T) {
	var ran []string
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "first", run: func() error { ran = append(ran, "first"); return nil }},
		{name: "boom", critical: true, run: func() error {
			ran = append(ran, "boom")
			return errors.New("no space left on device")
		}},
		{name: "after", run: func() error { ran = append(ran, "after"); return nil }},
	})

	if code := o.Run(); code != ExitFailure {
		t.Fatalf("exit code = %d, want %d", code, ExitFailure)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v, the phase after the failure must not run", ran)
	}
	if o.Report.Outcome != "failed" {
		t.Errorf("outcome = %s", o.Report.Outcome)
	}
}

func TestOrchestratorGracefulContinuesPastOptionalPhase(t *testing.T) {
	var ran []string
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "optional-step", optional: true, run: func() error {
			ran = append(ran, "optional-step")
			return errors.New("mirror: connection refused")
		}},
		{name: "later", run: func() error { ran = append(ran, "later"); return nil }},
	})

	code := o.Run()
	if len(ran) != 2 {
		t.Fatalf("ran = %v, want the later phase to run", ran)
	}
	// The skipped failure still surfaces in the exit code and report.
	if code != ExitFailure {
		t.Errorf("exit code = %d, want %d", code, ExitFailure)
	}
	if o.Report.Outcome != "failed" {
		t.Errorf("outcome = %s", o.Report.Outcome)
	}
	if len(o.Report.Failures) != 1 {
		t.Errorf("failures = %+v", o.Report.Failures)
	}
}

func TestOrchestratorStrictAbortsOnOptionalPhase(t *testing.T) {
	var ran []string
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "optional-step", optional: true, run: func() error {
			ran = append(ran, "optional-step")
			return errors.New("mirror: connection refused")
		}},
		{name: "later", run: func() error { ran = append(ran, "later"); return nil }},
	})
	o.Strict = true

	if code := o.Run(); code != ExitFailure {
		t.Fatalf("exit code = %d", code)
	}
	if len(ran) != 1 {
		t.Errorf("ran = %v, strict mode must not continue", ran)
	}
}

func TestOrchestratorBootExhaustionIsDistinct(t *testing.T) {
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "configure-boot", critical: true, run: func() error {
			return fmt.Errorf("%w after 4 attempts", ErrTiersExhausted)
		}},
	})

	if code := o.Run(); code != ExitBootExhausted {
		t.Fatalf("exit code = %d, want %d", code, ExitBootExhausted)
	}
}

func TestOrchestratorReleaseFailureUpgradesExitCode(t *testing.T) {
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "acquire", run: func() error { return nil }},
	})
	o.Tracker.Acquire(KindPseudoFS, "stuck", func() error { return nil }, func(lazy bool) error {
		return errors.New("device or resource busy")
	})

	if code := o.Run(); code != ExitReleaseFailed {
		t.Fatalf("exit code = %d, want %d", code, ExitReleaseFailed)
	}
	if o.Report.Teardown == nil || len(o.Report.Teardown.Failed) != 1 {
		t.Errorf("teardown = %+v", o.Report.Teardown)
	}
}

func TestOrchestratorCancelledContextInterrupts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int
	o := newTestOrchestrator(t, ctx, []buildPhase{
		{name: "never", run: func() error { ran++; return nil }},
	})

	if code := o.Run(); code != ExitInterrupted {
		t.Fatalf("exit code = %d, want %d", code, ExitInterrupted)
	}
	if ran != 0 {
		t.Error("phase ran despite cancelled context")
	}
	if o.Report.Outcome != "interrupted" {
		t.Errorf("outcome = %s", o.Report.Outcome)
	}
}

func TestOrchestratorCancelledMidPhaseExitsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestOrchestrator(t, ctx, []buildPhase{
		{name: "long-phase", critical: true, run: func() error {
			// The guard cancels mid-phase; the in-flight command dies and
			// its abort error is what reaches the phase loop.
			cancel()
			return errors.New("command aborted: context canceled")
		}},
	})
	released := false
	o.Tracker.Acquire(KindBindMount, "held", func() error { return nil }, func(lazy bool) error {
		released = true
		return nil
	})

	if code := o.Run(); code != ExitInterrupted {
		t.Fatalf("exit code = %d, want %d", code, ExitInterrupted)
	}
	if o.Report.Outcome != "interrupted" {
		t.Errorf("outcome = %s, want interrupted", o.Report.Outcome)
	}
	if !released || o.Tracker.Active() != 0 {
		t.Errorf("resources not reclaimed: released=%v active=%d", released, o.Tracker.Active())
	}
}

func TestOrchestratorGracefulRunCheckpointsLaterPhases(t *testing.T) {
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "optional-step", optional: true, run: func() error {
			return errors.New("mirror: connection refused")
		}},
		{name: "later", run: func() error { return nil }},
	})

	if code := o.Run(); code != ExitFailure {
		t.Fatalf("exit code = %d", code)
	}

	cp, err := LoadCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("no checkpoint after graceful run")
	}
	if !cp.Completed("later") {
		t.Errorf("completed phases = %v, want 'later' recorded for resume", cp.CompletedPhases)
	}
	if cp.Completed("optional-step") {
		t.Error("failed phase must not be marked complete")
	}
}

func TestOrchestratorResumeSkipsCompletedPhases(t *testing.T) {
	var ran []string
	phases := []buildPhase{
		{name: "stage-rootfs", run: func() error { ran = append(ran, "stage-rootfs"); return nil }},
		{name: "configure-boot", run: func() error { ran = append(ran, "configure-boot"); return nil }},
	}
	o := newTestOrchestrator(t, context.Background(), phases)

	if err := SaveCheckpoint(&Checkpoint{
		RunID:           o.Report.RunID,
		Recipe:          "test",
		CompletedPhases: []string{"stage-rootfs"},
	}, o.Tracker); err != nil {
		t.Fatal(err)
	}
	o.Resume = true

	if code := o.Run(); code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if len(ran) != 1 || ran[0] != "configure-boot" {
		t.Errorf("ran = %v, want only configure-boot", ran)
	}
	if o.Report.Phases[0].Outcome != "skipped" {
		t.Errorf("phases = %+v", o.Report.Phases)
	}
}

func TestOrchestratorResumeIgnoresOtherRecipe(t *testing.T) {
	var ran []string
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "stage-rootfs", run: func() error { ran = append(ran, "stage-rootfs"); return nil }},
	})

	if err := SaveCheckpoint(&Checkpoint{
		RunID:           "other",
		Recipe:          "different-recipe",
		CompletedPhases: []string{"stage-rootfs"},
	}, o.Tracker); err != nil {
		t.Fatal(err)
	}
	o.Resume = true

	if code := o.Run(); code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if len(ran) != 1 {
		t.Errorf("ran = %v, stale checkpoint must not skip phases", ran)
	}
}

func TestOrchestratorSkipCleanupLeavesLedger(t *testing.T) {
	o := newTestOrchestrator(t, context.Background(), []buildPhase{
		{name: "only", run: func() error { return nil }},
	})
	released := false
	o.Tracker.Acquire(KindLoopAttach, "/dev/loop9", func() error { return nil }, func(lazy bool) error {
		released = true
		return nil
	})
	o.SkipCleanup = true

	if code := o.Run(); code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if released {
		t.Error("skip-cleanup still released the handle")
	}
	if o.Tracker.Active() != 1 {
		t.Errorf("ledger = %d handles", o.Tracker.Active())
	}
}
