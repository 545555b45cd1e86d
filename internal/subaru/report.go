package subaru

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildReport is the operator-facing record of one run: which bootloader
// strategies were tried, every escalated failure, and what teardown left
// behind. Written as JSON under the state dir.
type BuildReport struct {
	RunID      string    `json:"run_id"`
	Recipe     string    `json:"recipe"`
	Arch       string    `json:"arch"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"` // success | failed | interrupted
	Session    string    `json:"session"`

	Phases       []PhaseResult    `json:"phases"`
	BootAttempts []BootAttempt    `json:"boot_attempts,omitempty"`
	Failures     []FailureRecord  `json:"failures,omitempty"`
	Teardown     *TeardownSummary `json:"teardown,omitempty"`

	Artifact string `json:"artifact,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

type PhaseResult struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"` // completed | skipped | failed
}

// FailureRecord is the serializable form of an escalated OperationFailure.
type FailureRecord struct {
	Op       string `json:"op"`
	Category string `json:"category"`
	Attempts int    `json:"attempts"`
	Hint     string `json:"hint,omitempty"`
	Error    string `json:"error"`
}

type TeardownSummary struct {
	Released []string `json:"released,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

func NewBuildReport(recipeName string, session SessionType) *BuildReport {
	return &BuildReport{
		RunID:     uuid.NewString(),
		Recipe:    recipeName,
		Arch:      arch,
		StartedAt: time.Now().UTC(),
		Session:   session.String(),
	}
}

func (r *BuildReport) AddFailure(f *OperationFailure) {
	rec := FailureRecord{
		Op:       f.Op,
		Category: f.Category.String(),
		Attempts: f.Attempts,
		Hint:     f.Hint,
	}
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	r.Failures = append(r.Failures, rec)
}

func (r *BuildReport) SetTeardown(rel ReleaseReport) {
	sum := &TeardownSummary{Released: rel.Released}
	for _, f := range rel.Failures {
		sum.Failed = append(sum.Failed, f.Error())
	}
	r.Teardown = sum
}

// Write finalizes and persists the report. The filename embeds the start
// time so reports list chronologically.
func (r *BuildReport) Write() (string, error) {
	r.FinishedAt = time.Now().UTC()

	if err := os.MkdirAll(ReportDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.json", r.StartedAt.Format("20060102-150405"), r.RunID[:8])
	path := filepath.Join(ReportDir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ListReports returns saved report paths, newest first.
func ListReports() ([]string, error) {
	entries, err := os.ReadDir(ReportDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(ReportDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// LoadReport reads one saved report. The id may be a full path, a filename,
// or a run id prefix.
func LoadReport(id string) (*BuildReport, string, error) {
	candidates := []string{id, filepath.Join(ReportDir, id)}
	for _, p := range candidates {
		if data, err := os.ReadFile(p); err == nil {
			var r BuildReport
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, "", fmt.Errorf("parsing report %s: %w", p, err)
			}
			return &r, p, nil
		}
	}

	paths, err := ListReports()
	if err != nil {
		return nil, "", err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var r BuildReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if strings.HasPrefix(r.RunID, id) {
			return &r, p, nil
		}
	}
	return nil, "", fmt.Errorf("no report matching %q", id)
}
