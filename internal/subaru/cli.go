package subaru

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// HandleCommand dispatches the subcommand and returns the process exit code.
func HandleCommand(ctx context.Context, cancel context.CancelFunc, args []string) int {
	if len(args) < 1 {
		printUsage()
		return ExitFailure
	}

	UserExec = &Executor{Context: ctx}
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true}

	if needsRootPrivileges(args) && !hasDryRunFlag(args) {
		if err := authenticateOnce(ctx); err != nil {
			cPrintf(colError, "Error: %v\n", err)
			return ExitFailure
		}
	}

	switch args[0] {
	case "version":
		fmt.Printf("subaru %s (%s, built %s)\n", version, arch, buildDate)
		return ExitOK
	case "build", "b":
		return handleBuildCommand(ctx, cancel, args[1:], false)
	case "resume":
		return handleBuildCommand(ctx, cancel, args[1:], true)
	case "report":
		return handleReportCommand(args[1:])
	case "cleanup":
		if err := handleCleanupCommand(args[1:]); err != nil {
			cPrintf(colError, "Error: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	default:
		printUsage()
		return ExitFailure
	}
}

func printUsage() {
	fmt.Println("Usage: subaru <command> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  build <recipe.yaml>   Build a bootable image from a recipe")
	fmt.Println("  resume <recipe.yaml>  Resume an interrupted build from its checkpoint")
	fmt.Println("  report [run-id]       Browse saved build reports")
	fmt.Println("  cleanup               Remove cached state")
	fmt.Println("  version               Print version information")
}

func handleBuildCommand(ctx context.Context, cancel context.CancelFunc, args []string, resume bool) int {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	dryRun := buildCmd.Bool("dry-run", false, "Log external commands instead of executing them.")
	debugFlag := buildCmd.Bool("debug", false, "Verbose operation logging.")
	skipCleanup := buildCmd.Bool("skip-cleanup", false, "Leave resources attached for post-mortem inspection.")
	strict := buildCmd.Bool("strict", false, "Abort the whole build on any escalated failure.")

	if err := buildCmd.Parse(args); err != nil {
		return ExitFailure
	}
	if buildCmd.NArg() < 1 {
		fmt.Println("Usage: subaru build [flags] <recipe.yaml>")
		buildCmd.PrintDefaults()
		return ExitFailure
	}

	if *debugFlag {
		Debug = true
	}
	DryRun = *dryRun
	SkipCleanup = *skipCleanup
	StrictMode = *strict
	UserExec.DryRun = DryRun
	RootExec.DryRun = DryRun

	recipe, err := LoadRecipe(buildCmd.Arg(0))
	if err != nil {
		cPrintf(colError, "Error: %v\n", err)
		return ExitFailure
	}

	lock, err := acquireBuildLock()
	if err != nil {
		cPrintf(colError, "Error: %v\n", err)
		return ExitFailure
	}
	defer releaseBuildLock(lock)

	// Session context first: everything destructive downstream consults it.
	session := ClassifySession()
	session.Protect()
	arrow("Session: %s (%d protected pids)", session.Type, len(session.ProtectedPIDs))

	tracker := NewTracker()
	guard := NewGuard(session, tracker)
	guard.Start(ctx, cancel)

	var advisor Advisor
	if d := newDiagnosticClient(DiagnosticURL); d != nil {
		advisor = d
	}
	engine := NewEngine(tracker, advisor)

	orch := &Orchestrator{
		Ctx:         ctx,
		Recipe:      recipe,
		Tracker:     tracker,
		Engine:      engine,
		Exec:        RootExec,
		Session:     session,
		Report:      NewBuildReport(recipe.Name, session.Type),
		Strict:      StrictMode,
		SkipCleanup: SkipCleanup,
		Resume:      resume,
	}
	return orch.Run()
}

func handleReportCommand(args []string) int {
	if len(args) == 0 {
		return runReportTUI()
	}

	r, path, err := LoadReport(args[0])
	if err != nil {
		cPrintf(colError, "Error: %v\n", err)
		return ExitFailure
	}
	arrow("Report %s", path)
	printReport(r)
	return ExitOK
}

// printReport is the non-TUI rendering used when a specific run is named.
func printReport(r *BuildReport) {
	fmt.Printf("run      %s\n", r.RunID)
	fmt.Printf("recipe   %s (%s)\n", r.Recipe, r.Arch)
	fmt.Printf("session  %s\n", r.Session)
	if r.Outcome == "success" {
		colSuccess.Printf("outcome  %s\n", r.Outcome)
	} else {
		colError.Printf("outcome  %s\n", r.Outcome)
	}

	fmt.Println("\nphases:")
	for _, p := range r.Phases {
		fmt.Printf("  %-18s %s\n", p.Name, p.Outcome)
	}

	if len(r.BootAttempts) > 0 {
		fmt.Println("\nbootloader attempts:")
		for _, a := range r.BootAttempts {
			fmt.Printf("  tier %d %-22s %s", a.Tier, a.Name, a.Outcome)
			if a.Degraded {
				fmt.Print(" (degraded precondition)")
			}
			fmt.Println()
			if a.Error != "" {
				cPrintf(colError, "    %s\n", a.Error)
			}
		}
	}

	if len(r.Failures) > 0 {
		fmt.Println("\nescalated failures:")
		for _, f := range r.Failures {
			fmt.Printf("  %s (%s, %d attempts)\n", f.Op, f.Category, f.Attempts)
			if f.Hint != "" {
				fmt.Printf("    advisory: %s\n", f.Hint)
			}
			if f.Error != "" {
				cPrintf(colError, "    %s\n", f.Error)
			}
		}
	}

	if r.Teardown != nil && len(r.Teardown.Failed) > 0 {
		fmt.Println("\nteardown failures:")
		for _, f := range r.Teardown.Failed {
			cPrintf(colError, "  %s\n", f)
		}
	}

	if r.Artifact != "" {
		fmt.Printf("\nartifact %s\n", r.Artifact)
		if r.Checksum != "" {
			fmt.Printf("blake3   %s\n", r.Checksum)
		}
	}
}

func handleCleanupCommand(args []string) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cleanRootfs := cleanupCmd.Bool("rootfs", false, "Remove the staged build root.")
	cleanImages := cleanupCmd.Bool("images", false, "Remove built image artifacts.")
	cleanReports := cleanupCmd.Bool("reports", false, "Remove saved build reports.")
	cleanAll := cleanupCmd.Bool("all", false, "rootfs, images and reports.")

	if err := cleanupCmd.Parse(args); err != nil {
		return err
	}

	if !*cleanRootfs && !*cleanImages && !*cleanReports && !*cleanAll {
		fmt.Println("Usage: subaru cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.PrintDefaults()
		return nil
	}

	if *cleanAll {
		*cleanRootfs = true
		*cleanImages = true
		*cleanReports = true
	}

	if *cleanRootfs {
		cPrintf(colWarn, "This will permanently delete the staged build root at %s.\n", BuildRoot)
		if askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			if err := RootExec.Run(exec.Command("rm", "-rf", BuildRoot)); err != nil {
				return fmt.Errorf("failed to remove build root: %w", err)
			}
			arrow("Build root removed successfully.")
		} else {
			arrow("Cleanup of build root canceled.")
		}
	}

	if *cleanImages {
		imageDir := filepath.Join(StateDir, "images")
		cPrintf(colWarn, "This will permanently delete all built images at %s.\n", imageDir)
		if askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			if err := RootExec.Run(exec.Command("rm", "-rf", imageDir)); err != nil {
				return fmt.Errorf("failed to remove image cache: %w", err)
			}
			arrow("Images removed successfully.")
		} else {
			arrow("Cleanup of images canceled.")
		}
	}

	if *cleanReports {
		if askForConfirmation(colArrow, "Delete all saved build reports at %s?", ReportDir) {
			if err := os.RemoveAll(ReportDir); err != nil {
				return fmt.Errorf("failed to remove reports: %w", err)
			}
			arrow("Reports removed successfully.")
		}
	}

	return nil
}

// hasDryRunFlag peeks at the raw args before flag parsing so authentication
// can be skipped for dry runs.
func hasDryRunFlag(args []string) bool {
	for _, a := range args {
		if a == "-dry-run" || a == "--dry-run" {
			return true
		}
	}
	return false
}

// LoadAndInitConfig is the startup config path used by main.
func LoadAndInitConfig() (*Config, error) {
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		return nil, err
	}
	initConfig(cfg)
	return cfg, nil
}
