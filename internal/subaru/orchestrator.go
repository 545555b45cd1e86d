package subaru

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// Orchestrator sequences the build phases, funnelling every fallible step
// through the recovery engine and all teardown through the tracker. It is
// the only place that decides continue-vs-abort for the whole build.
type Orchestrator struct {
	Ctx     context.Context
	Recipe  *Recipe
	Tracker *Tracker
	Engine  *Engine
	Exec    *Executor
	Session *SessionContext
	Report  *BuildReport

	Strict      bool
	SkipCleanup bool
	Resume      bool

	checkpoint *Checkpoint
	layout     *ImageLayout

	// phaseList overrides the standard sequence; tests use it to exercise
	// the continue-vs-abort policy without touching real mounts.
	phaseList []buildPhase
}

type buildPhase struct {
	name     string
	critical bool // hold the first termination signal while running
	optional bool // a graceful build may continue past its failure
	run      func() error
}

func (o *Orchestrator) phases() []buildPhase {
	if o.phaseList != nil {
		return o.phaseList
	}
	return []buildPhase{
		{name: "stage-rootfs", run: o.phaseStageRootfs},
		{name: "install-packages", critical: true, optional: true, run: o.phaseInstallPackages},
		{name: "configure-boot", critical: true, run: o.phaseConfigureBoot},
		{name: "assemble-image", critical: true, run: o.phaseAssembleImage},
	}
}

// Run drives the build to completion and returns the process exit code.
func (o *Orchestrator) Run() int {
	if o.Resume {
		cp, err := LoadCheckpoint()
		if err != nil {
			cPrintf(colWarn, "could not load checkpoint: %v\n", err)
		}
		if cp != nil && cp.Recipe == o.Recipe.Name {
			o.checkpoint = cp
			arrow("Resuming run %s (%d phases done)", cp.RunID[:8], len(cp.CompletedPhases))
		}
	}
	if o.checkpoint == nil {
		o.checkpoint = &Checkpoint{RunID: o.Report.RunID, Recipe: o.Recipe.Name}
	}

	for _, phase := range o.phases() {
		// Safe checkpoint: a signal delivered earlier stops us here, with
		// no phase mid-flight.
		if o.Ctx.Err() != nil {
			return o.interrupted()
		}

		if o.checkpoint.Completed(phase.name) {
			arrow("Phase %s already completed, skipping", phase.name)
			o.Report.Phases = append(o.Report.Phases, PhaseResult{Name: phase.name, Outcome: "skipped"})
			continue
		}

		arrow("Phase: %s", phase.name)
		if phase.critical {
			SetCritical(true)
		}
		err := phase.run()
		SetCritical(false)

		if err != nil {
			return o.phaseFailed(phase, err)
		}

		o.Report.Phases = append(o.Report.Phases, PhaseResult{Name: phase.name, Outcome: "completed"})
		o.checkpoint.CompletedPhases = append(o.checkpoint.CompletedPhases, phase.name)
		if err := SaveCheckpoint(o.checkpoint, o.Tracker); err != nil {
			cPrintf(colWarn, "could not write checkpoint: %v\n", err)
		}

		if o.Ctx.Err() != nil {
			return o.interrupted()
		}
	}

	o.Report.Outcome = "success"
	RemoveCheckpoint()
	return o.finish(ExitOK)
}

// phaseFailed applies the graceful/strict policy to an escalated failure.
func (o *Orchestrator) phaseFailed(phase buildPhase, err error) int {
	// A phase aborted by cancellation is an interruption, not a build
	// failure; it gets the distinct exit code and the rollback path.
	if o.Ctx.Err() != nil {
		return o.interrupted()
	}

	var opFail *OperationFailure
	if errors.As(err, &opFail) {
		o.Report.AddFailure(opFail)
	} else {
		o.Report.Failures = append(o.Report.Failures, FailureRecord{Op: phase.name, Category: CatUnclassified.String(), Attempts: 1, Error: err.Error()})
	}
	o.Report.Phases = append(o.Report.Phases, PhaseResult{Name: phase.name, Outcome: "failed"})

	if errors.Is(err, ErrTiersExhausted) {
		cPrintf(colError, "fatal: %v\n", err)
		o.Report.Outcome = "failed"
		return o.finish(ExitBootExhausted)
	}

	if phase.optional && !o.Strict {
		cPrintf(colWarn, "phase %s failed, continuing (graceful mode): %v\n", phase.name, err)
		// The failure still surfaces through the exit code at the end.
		return o.runRemaining(phase.name)
	}

	cPrintf(colError, "phase %s failed: %v\n", phase.name, err)
	o.Report.Outcome = "failed"
	return o.finish(ExitFailure)
}

// runRemaining continues the phase loop after a graceful skip.
func (o *Orchestrator) runRemaining(after string) int {
	past := false
	for _, phase := range o.phases() {
		if !past {
			past = phase.name == after
			continue
		}
		if o.Ctx.Err() != nil {
			return o.interrupted()
		}
		if o.checkpoint.Completed(phase.name) {
			arrow("Phase %s already completed, skipping", phase.name)
			o.Report.Phases = append(o.Report.Phases, PhaseResult{Name: phase.name, Outcome: "skipped"})
			continue
		}
		arrow("Phase: %s", phase.name)
		if phase.critical {
			SetCritical(true)
		}
		err := phase.run()
		SetCritical(false)
		if err != nil {
			return o.phaseFailed(phase, err)
		}
		o.Report.Phases = append(o.Report.Phases, PhaseResult{Name: phase.name, Outcome: "completed"})
		o.checkpoint.CompletedPhases = append(o.checkpoint.CompletedPhases, phase.name)
		if err := SaveCheckpoint(o.checkpoint, o.Tracker); err != nil {
			cPrintf(colWarn, "could not write checkpoint: %v\n", err)
		}
	}
	o.Report.Outcome = "failed"
	return o.finish(ExitFailure)
}

func (o *Orchestrator) interrupted() int {
	cPrintln(colWarn, "Build cancelled; rolling back.")
	o.Report.Outcome = "interrupted"
	report := o.Tracker.ReleaseAll()
	o.Report.SetTeardown(report)
	o.writeReport()
	return ExitInterrupted
}

// finish runs the final teardown (unless suppressed for post-mortem
// inspection) and writes the build report.
func (o *Orchestrator) finish(code int) int {
	if o.SkipCleanup {
		cPrintln(colWarn, "skip-cleanup set: leaving resources attached for inspection")
		cPrintf(colWarn, "active handles: %v\n", o.Tracker.ActiveIDs())
	} else {
		rel := o.Tracker.ReleaseAll()
		o.Report.SetTeardown(rel)
		if len(rel.Failures) > 0 && code == ExitOK {
			code = ExitReleaseFailed
		}
	}
	o.writeReport()
	return code
}

func (o *Orchestrator) writeReport() {
	path, err := o.Report.Write()
	if err != nil {
		cPrintf(colError, "could not write build report: %v\n", err)
		return
	}
	arrow("Build report: %s", path)
}

// --- phases ---

func (o *Orchestrator) phaseStageRootfs() error {
	return o.Engine.Run("stage-rootfs", func() error {
		return StageRootfs(o.Exec, o.Recipe.Seed, BuildRoot)
	})
}

func (o *Orchestrator) phaseInstallPackages() error {
	mark := o.Tracker.Mark()
	session, err := SetupChroot(o.Tracker, o.Exec, o.Session, BuildRoot)
	if err != nil {
		o.Tracker.ReleaseTo(mark)
		return err
	}

	installErr := InstallPackages(o.Engine, o.Exec, session, o.Recipe.Packages)

	// The staging chroot is finished with either way; its mounts must not
	// outlive the phase.
	if rel := o.Tracker.ReleaseTo(mark); len(rel.Failures) > 0 {
		for _, f := range rel.Failures {
			cPrintf(colError, "%v\n", f)
		}
	}
	return installErr
}

func (o *Orchestrator) phaseConfigureBoot() error {
	layout, err := PrepareImage(o.Tracker, o.Engine, o.Exec, o.Session, o.Recipe, BuildRoot)
	if err != nil {
		return err
	}
	o.layout = layout

	session, err := SetupChroot(o.Tracker, o.Exec, o.Session, layout.MountDir)
	if err != nil {
		return err
	}

	installer := &BootloaderInstaller{
		Engine:    o.Engine,
		Exec:      o.Exec,
		Session:   session,
		ESPDevice: layout.ESPDev,
		EFIDir:    "/boot/efi",
	}
	err = installer.Install()
	o.Report.BootAttempts = installer.Attempts
	return err
}

func (o *Orchestrator) phaseAssembleImage() error {
	if o.layout == nil {
		return fmt.Errorf("no image prepared")
	}

	// Everything under the image has to be detached before the file is
	// compressed, or we capture a dirty filesystem.
	rel := DetachImage(o.Tracker, o.layout)
	if len(rel.Failures) > 0 {
		return fmt.Errorf("image still busy: %v", rel.Failures[0])
	}

	if o.Exec.DryRun {
		arrow("[dry-run] would compress and checksum %s", o.layout.ImagePath)
		return nil
	}

	var artifact string
	err := o.Engine.Run("compress-artifact", func() error {
		a, cerr := CompressArtifact(o.layout.ImagePath, o.Recipe.Compression)
		if cerr == nil {
			artifact = a
		}
		return cerr
	})
	if err != nil {
		return err
	}
	o.Report.Artifact = artifact

	digest, err := WriteChecksumFile(artifact)
	if err != nil {
		return err
	}
	o.Report.Checksum = digest
	arrow("Artifact %s (blake3 %s)", filepath.Base(artifact), digest[:16])

	if o.Recipe.Upload.Enabled {
		return o.Engine.Run("upload-artifact", func() error {
			return UploadArtifact(o.Ctx, artifact, o.Recipe.Upload.Prefix)
		})
	}
	return nil
}
