package subaru

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var (
	tuiApp       *tview.Application
	tuiReports   []string
	tuiActiveIdx int
	tuiHeaderBox *tview.TextView
	tuiBodyView  *tview.TextView
	tuiFooterBox *tview.TextView
	tuiFlex      *tview.Flex
)

// runReportTUI opens the saved-report browser. Left/Right cycle reports,
// Up/Down scroll, Esc or Ctrl+Q quits.
func runReportTUI() int {
	paths, err := ListReports()
	if err != nil {
		cPrintf(colError, "could not list reports: %v\n", err)
		return ExitFailure
	}
	if len(paths) == 0 {
		cPrintln(colWarn, "No build reports found.")
		return ExitOK
	}
	tuiReports = paths

	tuiApp = tview.NewApplication()

	tuiHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	tuiHeaderBox.SetBorder(true)
	tuiHeaderBox.SetTitle("subaru Build Reports")

	tuiBodyView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			tuiApp.Draw()
		})
	tuiBodyView.SetBorder(true)

	tuiFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	tuiFooterBox.SetBorder(true)
	tuiFooterBox.SetText("[yellow]←/→[white] report  [yellow]↑/↓[white] scroll  [yellow]Esc[white] quit")

	tuiFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tuiHeaderBox, 3, 0, false).
		AddItem(tuiBodyView, 0, 1, true).
		AddItem(tuiFooterBox, 3, 0, false)

	tuiFlex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			tuiApp.Stop()
			return nil
		case tcell.KeyLeft:
			tuiActiveIdx--
			if tuiActiveIdx < 0 {
				tuiActiveIdx = len(tuiReports) - 1
			}
			updateReportTUI()
			return nil
		case tcell.KeyRight:
			tuiActiveIdx++
			if tuiActiveIdx >= len(tuiReports) {
				tuiActiveIdx = 0
			}
			updateReportTUI()
			return nil
		case tcell.KeyHome:
			tuiBodyView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			tuiBodyView.ScrollToEnd()
			return nil
		}
		if event.Rune() == 'q' {
			tuiApp.Stop()
			return nil
		}
		return event
	})

	updateReportTUI()

	if err := tuiApp.SetRoot(tuiFlex, true).Run(); err != nil {
		cPrintf(colError, "report viewer failed: %v\n", err)
		return ExitFailure
	}
	return ExitOK
}

func updateReportTUI() {
	path := tuiReports[tuiActiveIdx]
	tuiHeaderBox.SetText(fmt.Sprintf("[yellow]%d/%d[white]  %s", tuiActiveIdx+1, len(tuiReports), filepath.Base(path)))

	data, err := os.ReadFile(path)
	if err != nil {
		tuiBodyView.SetText(fmt.Sprintf("[red]cannot read %s: %v", path, err))
		return
	}

	var r BuildReport
	if err := json.Unmarshal(data, &r); err != nil {
		tuiBodyView.SetText(tview.Escape(string(data)))
		return
	}
	tuiBodyView.SetText(formatReport(&r))
	tuiBodyView.ScrollToBeginning()
}

// formatReport renders one report with tview color tags.
func formatReport(r *BuildReport) string {
	var b strings.Builder
	outcomeColor := "green"
	if r.Outcome != "success" {
		outcomeColor = "red"
	}
	fmt.Fprintf(&b, "[yellow]Run[white]      %s\n", r.RunID)
	fmt.Fprintf(&b, "[yellow]Recipe[white]   %s (%s)\n", r.Recipe, r.Arch)
	fmt.Fprintf(&b, "[yellow]Session[white]  %s\n", r.Session)
	fmt.Fprintf(&b, "[yellow]Outcome[white]  [%s]%s[white]\n\n", outcomeColor, r.Outcome)

	b.WriteString("[yellow]Phases[white]\n")
	for _, p := range r.Phases {
		fmt.Fprintf(&b, "  %-18s %s\n", p.Name, p.Outcome)
	}

	if len(r.BootAttempts) > 0 {
		b.WriteString("\n[yellow]Bootloader attempts[white]\n")
		for _, a := range r.BootAttempts {
			line := fmt.Sprintf("  tier %d %-22s %s", a.Tier, a.Name, a.Outcome)
			if a.Degraded {
				line += " (degraded precondition)"
			}
			b.WriteString(line + "\n")
			if a.Error != "" {
				fmt.Fprintf(&b, "    [red]%s[white]\n", tview.Escape(a.Error))
			}
		}
	}

	if len(r.Failures) > 0 {
		b.WriteString("\n[yellow]Escalated failures[white]\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s (%s, %d attempts)\n", f.Op, f.Category, f.Attempts)
			if f.Hint != "" {
				fmt.Fprintf(&b, "    advisory: %s\n", f.Hint)
			}
			if f.Error != "" {
				fmt.Fprintf(&b, "    [red]%s[white]\n", tview.Escape(f.Error))
			}
		}
	}

	if r.Teardown != nil {
		b.WriteString("\n[yellow]Teardown[white]\n")
		for _, rel := range r.Teardown.Released {
			fmt.Fprintf(&b, "  released %s\n", rel)
		}
		for _, f := range r.Teardown.Failed {
			fmt.Fprintf(&b, "  [red]%s[white]\n", tview.Escape(f))
		}
	}

	if r.Artifact != "" {
		fmt.Fprintf(&b, "\n[yellow]Artifact[white] %s\n", r.Artifact)
		if r.Checksum != "" {
			fmt.Fprintf(&b, "[yellow]BLAKE3[white]   %s\n", r.Checksum)
		}
	}
	return b.String()
}
