package subaru

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

type SessionType int

const (
	SessionUnknown SessionType = iota
	SessionRemoteShell
	SessionGraphical
	SessionLocalConsole
)

func (s SessionType) String() string {
	switch s {
	case SessionRemoteShell:
		return "remote-shell"
	case SessionGraphical:
		return "graphical"
	case SessionLocalConsole:
		return "local-console"
	default:
		return "unknown"
	}
}

// SessionContext describes the host session the build runs under. It is
// built once at startup and read-only afterwards; cleanup code consults
// ProtectedPIDs before targeting any process.
type SessionContext struct {
	Type          SessionType
	ProtectedPIDs map[int]bool
}

// ClassifySession inspects environment markers once at startup.
func ClassifySession() *SessionContext {
	sc := &SessionContext{ProtectedPIDs: make(map[int]bool)}

	switch {
	case os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != "":
		sc.Type = SessionRemoteShell
	case os.Getenv("WAYLAND_DISPLAY") != "" || os.Getenv("DISPLAY") != "":
		sc.Type = SessionGraphical
	case term.IsTerminal(int(os.Stdin.Fd())):
		sc.Type = SessionLocalConsole
	default:
		sc.Type = SessionUnknown
	}
	return sc
}

// Protect records our own ancestry chain (shell, terminal, sshd or the
// display manager's session leader) so no cleanup path can ever signal it.
func (sc *SessionContext) Protect() {
	pid := os.Getpid()
	seen := make(map[int]bool)
	for pid > 0 && !seen[pid] {
		seen[pid] = true
		sc.ProtectedPIDs[pid] = true
		if pid == 1 {
			break
		}
		pid = readPPID(pid)
	}
	debugf("session: protected %d ancestor pids\n", len(sc.ProtectedPIDs))
}

func (sc *SessionContext) IsProtected(pid int) bool {
	return sc.ProtectedPIDs[pid]
}

// readPPID parses /proc/<pid>/stat. The command field is inside parens and
// may itself contain spaces, so fields are counted after the closing paren.
func readPPID(pid int) int {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	raw := string(stat)
	close := strings.LastIndex(raw, ")")
	if close == -1 {
		return 0
	}
	fields := strings.Fields(raw[close+2:])
	if len(fields) < 2 {
		return 0
	}
	ppid, _ := strconv.Atoi(fields[1])
	return ppid
}

// Guard owns signal handling and the session heartbeat. All teardown it
// triggers goes through the tracker so there is never more than one unwind
// in flight.
type Guard struct {
	Session *SessionContext
	Tracker *Tracker

	// criticalHold is how long a signal held during a critical phase waits
	// for the confirming second signal before it degrades to a graceful
	// cancel.
	criticalHold time.Duration

	// exit is swappable for tests; defaults to os.Exit.
	exit func(int)
}

func NewGuard(sc *SessionContext, tracker *Tracker) *Guard {
	return &Guard{Session: sc, Tracker: tracker, criticalHold: 5 * time.Second, exit: os.Exit}
}

// Start installs the signal handler and the heartbeat monitor. The first
// signal cancels the run context so the main sequence stops at its next safe
// checkpoint and unwinds; a second signal (or any signal during a critical
// phase that the operator insists on) rolls back directly and exits.
func (g *Guard) Start(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// Critical phase: hold the first signal, force only on the second.
					cPrintf(colWarn, "\nCritical operation in progress. Press Ctrl+C AGAIN to roll back and exit NOW.\n")
					select {
					case <-sigs:
						g.rollbackAndExit()
					case <-time.After(g.criticalHold):
						// No confirming signal: the held signal still has to
						// stop the build, so cancel and let the main sequence
						// unwind at its next safe checkpoint.
						cPrintf(colWarn, "Cancelling build; stopping at the next safe point.\n")
						cancel()
						continue
					case <-ctx.Done():
						return
					}
				} else {
					cPrintf(colInfo, "\nReceived %v. Cancelling build gracefully...\n", sig)
					cancel()

					// Give in-flight commands a moment to die before
					// offering the immediate-exit escape hatch.
					time.Sleep(100 * time.Millisecond)
					select {
					case <-sigs:
						g.rollbackAndExit()
					case <-time.After(30 * time.Second):
						// Main sequence did not reach a checkpoint; unwind here.
						g.rollbackAndExit()
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go g.heartbeat(ctx)
}

// rollbackAndExit is the signal path's terminal action: reclaim everything
// on the ledger, then exit with the distinct interrupted status.
func (g *Guard) rollbackAndExit() {
	cPrintln(colWarn, "Rolling back acquired resources...")
	report := g.Tracker.ReleaseAll()
	if len(report.Failures) > 0 {
		for _, f := range report.Failures {
			cPrintf(colError, "%v\n", f)
		}
	}
	g.exit(ExitInterrupted)
}

// heartbeat periodically recounts the invoking user's processes. A sudden
// large delta is logged as a diagnostic signal; it never triggers any
// destructive action on its own.
func (g *Guard) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	baseline := countUserProcesses(os.Getuid())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := countUserProcesses(os.Getuid())
			if baseline > 0 && (n < baseline/2 || n > baseline*2) {
				cPrintf(colWarn, "session heartbeat: user process count moved from %d to %d\n", baseline, n)
			}
			baseline = n
		}
	}
}

// countUserProcesses scans /proc for processes owned by uid.
func countUserProcesses(uid int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) == uid {
			count++
		}
	}
	return count
}
