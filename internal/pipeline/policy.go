package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/report"
)

// ErrPolicyViolation is the sentinel distinguishing a failed policy
// verdict from an operational failure. The CLI maps it to its own exit
// code.
var ErrPolicyViolation = errors.New("security policy violation")

// PolicyFileName is the verdict artifact written into the run
// directory for CI wrappers.
const PolicyFileName = "policy-result.json"

// PolicyResult is the machine-readable verdict.
type PolicyResult struct {
	Passed bool           `json:"passed"`
	Counts map[string]int `json:"counts"`
}

// Gate converts aggregated severity counts into a pass/fail verdict.
type Gate struct {
	// MinFailSeverity is the lowest severity that fails the run. Any
	// finding at or above it, in the severity total order, is a
	// violation.
	MinFailSeverity findings.Severity
}

// Evaluate decides the verdict on the aggregator's capped, deduplicated
// list. Policy never looks at raw scanner output.
func (g Gate) Evaluate(rep *report.UnifiedReport) PolicyResult {
	res := PolicyResult{
		Passed: true,
		Counts: make(map[string]int, len(rep.Summary.BySeverity)),
	}
	for sev, n := range rep.Summary.BySeverity {
		res.Counts[sev] = n
	}
	for _, f := range rep.Findings {
		if f.Severity.AtLeast(g.MinFailSeverity) {
			res.Passed = false
			break
		}
	}
	return res
}

// Write persists the verdict into the run directory.
func (p PolicyResult) Write(runDir string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize policy result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, PolicyFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", PolicyFileName, err)
	}
	return nil
}
