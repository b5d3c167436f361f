package stability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServiceResult is how one service behaved in one cycle.
type ServiceResult struct {
	Service         string `json:"service"`
	Healthy         bool   `json:"healthy"`
	PID             int    `json:"pid,omitempty"`
	Attempts        int    `json:"attempts"`
	Restarts        int    `json:"restarts"`
	TimeToHealthyMs int64  `json:"time_to_healthy_ms,omitempty"`
	LastStatus      int    `json:"last_status,omitempty"`
	RSSStartKB      int64  `json:"rss_start_kb,omitempty"`
	RSSEndKB        int64  `json:"rss_end_kb,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TestResult is the outcome of one module's tests.
type TestResult struct {
	Service    string `json:"service"`
	Package    string `json:"package,omitempty"`
	Passed     bool   `json:"passed"`
	Skipped    bool   `json:"skipped,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// CycleResult is one start/check/stop round.
type CycleResult struct {
	Cycle      int             `json:"cycle"`
	Passed     bool            `json:"passed"`
	DurationMs int64           `json:"duration_ms"`
	Services   []ServiceResult `json:"services"`
	Tests      []TestResult    `json:"tests,omitempty"`
}

// Summary aggregates the cycles.
type Summary struct {
	Cycles        int              `json:"cycles"`
	Passed        int              `json:"passed"`
	Failed        int              `json:"failed"`
	TotalRestarts int              `json:"total_restarts"`
	Unhealthy     map[string]int   `json:"unhealthy,omitempty"`
	MaxRSSKB      map[string]int64 `json:"max_rss_kb,omitempty"`
}

// Report is the full harness output.
type Report struct {
	Mode       string        `json:"mode"`
	Services   []string      `json:"services"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Cycles     []CycleResult `json:"cycles"`
	Summary    Summary       `json:"summary"`
}

// OK reports whether every cycle passed.
func (r *Report) OK() bool {
	return r.Summary.Failed == 0 && r.Summary.Cycles > 0
}

func (r *Report) summarize() {
	s := Summary{Cycles: len(r.Cycles), Unhealthy: map[string]int{}, MaxRSSKB: map[string]int64{}}
	for _, c := range r.Cycles {
		if c.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
		for _, sr := range c.Services {
			s.TotalRestarts += sr.Restarts
			if !sr.Healthy {
				s.Unhealthy[sr.Service]++
			}
			if m := max(sr.RSSStartKB, sr.RSSEndKB); m > s.MaxRSSKB[sr.Service] {
				s.MaxRSSKB[sr.Service] = m
			}
		}
	}
	r.Summary = s
}

// Markdown renders the report for humans.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# VX11 stability report\n\n")
	fmt.Fprintf(&b, "- Mode: `%s`\n", r.Mode)
	fmt.Fprintf(&b, "- Services: %s\n", strings.Join(r.Services, ", "))
	fmt.Fprintf(&b, "- Started: %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Cycles: %d passed, %d failed, %d restarts\n\n", r.Summary.Passed, r.Summary.Failed, r.Summary.TotalRestarts)

	for _, c := range r.Cycles {
		verdict := "PASS"
		if !c.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(&b, "## Cycle %d: %s (%d ms)\n\n", c.Cycle, verdict, c.DurationMs)
		b.WriteString("| Service | Healthy | Attempts | Restarts | Ready ms | RSS start KB | RSS end KB | Error |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for _, s := range c.Services {
			fmt.Fprintf(&b, "| %s | %t | %d | %d | %d | %d | %d | %s |\n",
				s.Service, s.Healthy, s.Attempts, s.Restarts, s.TimeToHealthyMs, s.RSSStartKB, s.RSSEndKB, mdCell(s.Error))
		}
		if len(c.Tests) > 0 {
			b.WriteString("\n| Tests | Package | Result | ms |\n|---|---|---|---|\n")
			for _, t := range c.Tests {
				result := "pass"
				switch {
				case t.Skipped:
					result = "skipped"
				case !t.Passed:
					result = "fail"
				}
				fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", t.Service, t.Package, result, t.DurationMs)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func mdCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

// WriteFiles writes report.json and report.md under dir.
func (r *Report) WriteFiles(dir string) (jsonPath, mdPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", "", err
	}
	jsonPath = filepath.Join(dir, "report.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write json report: %w", err)
	}
	mdPath = filepath.Join(dir, "report.md")
	if err := os.WriteFile(mdPath, []byte(r.Markdown()), 0o644); err != nil {
		return "", "", fmt.Errorf("write markdown report: %w", err)
	}
	return jsonPath, mdPath, nil
}
