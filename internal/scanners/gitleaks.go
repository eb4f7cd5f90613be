package scanners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

func init() {
	Register("gitleaks", NewGitleaks)
}

const gitleaksReportFile = "gitleaks.json"

// Gitleaks runs the gitleaks secret scanner against the repository
// tree. Everything it reports is treated as at least HIGH severity,
// and matched secret values are redacted before they reach a Finding.
type Gitleaks struct {
	runner  ContainerRunner
	image   string
	digest  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGitleaks constructs the gitleaks adapter.
func NewGitleaks(deps Deps) Scanner {
	return &Gitleaks{
		runner:  deps.Runner,
		image:   deps.Images.Gitleaks.Image,
		digest:  deps.Images.Gitleaks.Digest,
		timeout: deps.Sandbox.Timeout,
		logger:  deps.Logger.Named("gitleaks"),
	}
}

func (g *Gitleaks) Name() string     { return "gitleaks" }
func (g *Gitleaks) ScanType() string { return "secrets" }

// Run executes gitleaks in a fully locked-down sandbox: read-only
// root, no network, repo mounted read-only.
func (g *Gitleaks) Run(ctx context.Context, sc *ScanContext) *ScanResult {
	start := time.Now()

	cc := sandbox.ContainerConfig{
		Image:        g.image,
		Digest:       g.digest,
		ReadOnlyRoot: true,
		MountRepo:    true,
	}
	command := []string{
		"detect",
		"--source", sandbox.RepoMountPath,
		"--report-format", "json",
		"--report-path", sandbox.OutputMountPath + "/" + gitleaksReportFile,
		"--no-banner",
		"--no-git",
	}

	res, err := g.runner.Run(ctx, cc, sc.RepoPath, sc.OutputDir, command, g.timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return failed(g.Name(), fmt.Sprintf("sandbox invocation failed: %v", err), elapsed)
	}
	if res.TimedOut {
		return failed(g.Name(), fmt.Sprintf("scan timed out after %s", g.timeout), res.DurationMs)
	}
	// gitleaks exits 0 when clean and 1 when leaks were found; both
	// are meaningful results. Anything else is a tool failure.
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return failed(g.Name(), fmt.Sprintf("gitleaks exited with code %d: %s", res.ExitCode, res.Stderr), res.DurationMs)
	}

	reportPath := filepath.Join(sc.OutputDir, gitleaksReportFile)
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return failed(g.Name(), fmt.Sprintf("gitleaks report missing: %v", err), res.DurationMs)
	}

	found, err := g.Parse(raw)
	if err != nil {
		return failed(g.Name(), fmt.Sprintf("failed to parse gitleaks output: %v", err), res.DurationMs)
	}

	g.logger.Info("Secret scan complete",
		zap.Int("findings", len(found)),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return &ScanResult{
		Scanner:       g.Name(),
		Success:       true,
		Findings:      found,
		RawOutputPath: reportPath,
		DurationMs:    res.DurationMs,
	}
}

// gitleaksFinding is the subset of the gitleaks JSON report the
// adapter consumes.
type gitleaksFinding struct {
	Description string   `json:"Description"`
	File        string   `json:"File"`
	StartLine   int      `json:"StartLine"`
	RuleID      string   `json:"RuleID"`
	Secret      string   `json:"Secret"`
	Match       string   `json:"Match"`
	Tags        []string `json:"Tags"`
}

// Parse converts a gitleaks JSON report (a flat array of matches) into
// canonical findings. Secrets are always at least HIGH severity,
// regardless of anything the tool reports, and the matched value is
// redacted down to a short prefix.
func (g *Gitleaks) Parse(raw []byte) ([]findings.Finding, error) {
	var native []gitleaksFinding
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &native); err != nil {
		return nil, fmt.Errorf("unexpected gitleaks report shape: %w", err)
	}

	out := make([]findings.Finding, 0, len(native))
	for _, n := range native {
		title := n.Description
		if title == "" {
			title = n.RuleID
		}
		if title == "" {
			// Scanner and title are invariants of the finding model;
			// skip entries that cannot satisfy them.
			continue
		}
		line := n.StartLine
		if line < 1 {
			line = 1
		}
		out = append(out, findings.Finding{
			Scanner:     g.Name(),
			Title:       title,
			Severity:    findings.SeverityHigh,
			Description: fmt.Sprintf("Secret matched by rule %s: %s", n.RuleID, findings.RedactSecret(n.Secret)),
			FilePath:    n.File,
			Line:        line,
			RuleID:      n.RuleID,
		})
	}
	return out, nil
}
