package scanners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

func init() {
	Register("trivy", NewTrivy)
}

const trivyReportFile = "trivy.json"

// Trivy runs the trivy filesystem scanner over the repository,
// covering dependency manifests, lockfiles, and embedded images.
type Trivy struct {
	runner  ContainerRunner
	image   string
	digest  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewTrivy constructs the trivy adapter.
func NewTrivy(deps Deps) Scanner {
	return &Trivy{
		runner:  deps.Runner,
		image:   deps.Images.Trivy.Image,
		digest:  deps.Images.Trivy.Digest,
		timeout: deps.Sandbox.Timeout,
		logger:  deps.Logger.Named("trivy"),
	}
}

func (t *Trivy) Name() string     { return "trivy" }
func (t *Trivy) ScanType() string { return "dependency" }

// Run executes trivy in a locked-down sandbox. Trivy ships its
// vulnerability database inside the image, so the network stays off.
func (t *Trivy) Run(ctx context.Context, sc *ScanContext) *ScanResult {
	start := time.Now()

	cc := sandbox.ContainerConfig{
		Image:        t.image,
		Digest:       t.digest,
		ReadOnlyRoot: true,
		MountRepo:    true,
	}
	command := []string{
		"fs",
		"--format", "json",
		"--output", sandbox.OutputMountPath + "/" + trivyReportFile,
		"--skip-db-update",
		"--quiet",
		sandbox.RepoMountPath,
	}

	res, err := t.runner.Run(ctx, cc, sc.RepoPath, sc.OutputDir, command, t.timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return failed(t.Name(), fmt.Sprintf("sandbox invocation failed: %v", err), elapsed)
	}
	if res.TimedOut {
		return failed(t.Name(), fmt.Sprintf("scan timed out after %s", t.timeout), res.DurationMs)
	}
	if res.ExitCode != 0 {
		return failed(t.Name(), fmt.Sprintf("trivy exited with code %d: %s", res.ExitCode, res.Stderr), res.DurationMs)
	}

	reportPath := filepath.Join(sc.OutputDir, trivyReportFile)
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return failed(t.Name(), fmt.Sprintf("trivy report missing: %v", err), res.DurationMs)
	}

	found, err := t.Parse(raw)
	if err != nil {
		return failed(t.Name(), fmt.Sprintf("failed to parse trivy output: %v", err), res.DurationMs)
	}

	t.logger.Info("Dependency scan complete",
		zap.Int("findings", len(found)),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return &ScanResult{
		Scanner:       t.Name(),
		Success:       true,
		Findings:      found,
		RawOutputPath: reportPath,
		DurationMs:    res.DurationMs,
	}
}

// trivyReport is the subset of trivy's JSON report schema the adapter
// consumes.
type trivyReport struct {
	SchemaVersion int `json:"SchemaVersion"`
	Results       []struct {
		Target          string `json:"Target"`
		Class           string `json:"Class"`
		Vulnerabilities []struct {
			VulnerabilityID  string   `json:"VulnerabilityID"`
			PkgName          string   `json:"PkgName"`
			InstalledVersion string   `json:"InstalledVersion"`
			FixedVersion     string   `json:"FixedVersion"`
			Title            string   `json:"Title"`
			Description      string   `json:"Description"`
			Severity         string   `json:"Severity"`
			CweIDs           []string `json:"CweIDs"`
			PrimaryURL       string   `json:"PrimaryURL"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// Parse converts a trivy JSON report into canonical findings. The
// severity mapping is total: anything outside trivy's documented scale
// normalizes to UNKNOWN rather than failing the parse.
func (t *Trivy) Parse(raw []byte) ([]findings.Finding, error) {
	var report trivyReport
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("unexpected trivy report shape: %w", err)
	}

	var out []findings.Finding
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			title := v.Title
			if title == "" {
				title = fmt.Sprintf("%s in %s", v.VulnerabilityID, v.PkgName)
			}
			cwe := ""
			if len(v.CweIDs) > 0 {
				cwe = v.CweIDs[0]
			}
			cve := ""
			if strings.HasPrefix(v.VulnerabilityID, "CVE-") {
				cve = v.VulnerabilityID
			}
			out = append(out, findings.Finding{
				Scanner:        t.Name(),
				Title:          title,
				Severity:       findings.ParseSeverity(v.Severity),
				Description:    v.Description,
				FilePath:       result.Target,
				RuleID:         v.VulnerabilityID,
				CWE:            cwe,
				CVE:            cve,
				PackageName:    v.PkgName,
				PackageVersion: v.InstalledVersion,
				FixedVersion:   v.FixedVersion,
			})
		}
	}
	return out, nil
}
