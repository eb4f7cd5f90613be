package scanners

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
)

func init() {
	Register("zap", NewZAPScan)
}

const (
	zapReportFile = "zap.json"
	// zapWorkDir is the only writable path the ZAP image expects.
	zapWorkDir = "/zap/wrk"
)

// ZAPScan runs an OWASP ZAP baseline scan against a configured target
// URL. As a DAST tool it inherently needs network access and a
// writable working directory, so it relaxes exactly those two sandbox
// restrictions and nothing else. The target must clear the URL policy
// guard before any container starts.
type ZAPScan struct {
	runner  ContainerRunner
	guard   TargetValidator
	image   string
	digest  string
	target  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewZAPScan constructs the ZAP adapter.
func NewZAPScan(deps Deps) Scanner {
	return &ZAPScan{
		runner:  deps.Runner,
		guard:   deps.Guard,
		image:   deps.Images.ZAP.Image,
		digest:  deps.Images.ZAP.Digest,
		target:  deps.Images.ZAP.Target,
		timeout: deps.Sandbox.Timeout,
		logger:  deps.Logger.Named("zap"),
	}
}

func (z *ZAPScan) Name() string     { return "zap" }
func (z *ZAPScan) ScanType() string { return "dast" }

// Run validates the target, then executes the baseline scan with
// networking enabled and the working directory mounted read-write.
func (z *ZAPScan) Run(ctx context.Context, sc *ScanContext) *ScanResult {
	start := time.Now()

	target := sc.TargetURL
	if target == "" {
		target = z.target
	}
	if target == "" {
		return failed(z.Name(), "policy violation: no DAST target configured", time.Since(start).Milliseconds())
	}
	validated, err := z.guard.Validate(ctx, target)
	if err != nil {
		return failed(z.Name(), fmt.Sprintf("policy violation: target rejected: %v", err), time.Since(start).Milliseconds())
	}

	cc := sandbox.ContainerConfig{
		Image:          z.image,
		Digest:         z.digest,
		ReadOnlyRoot:   false,
		NetworkEnabled: true,
		MountRepo:      false,
		OutputMount:    zapWorkDir,
		WorkDir:        zapWorkDir,
	}
	command := []string{
		"zap-baseline.py",
		"-t", validated,
		"-J", zapReportFile,
		"-I", // never fail the container on alerts; the policy gate decides
	}

	res, err := z.runner.Run(ctx, cc, sc.RepoPath, sc.OutputDir, command, z.timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return failed(z.Name(), fmt.Sprintf("sandbox invocation failed: %v", err), elapsed)
	}
	if res.TimedOut {
		return failed(z.Name(), fmt.Sprintf("scan timed out after %s", z.timeout), res.DurationMs)
	}
	// zap-baseline exits 0 (clean), 1 (alerts at FAIL level) or
	// 2 (alerts at WARN level); all three carry a usable report.
	if res.ExitCode > 2 {
		return failed(z.Name(), fmt.Sprintf("zap exited with code %d: %s", res.ExitCode, res.Stderr), res.DurationMs)
	}

	reportPath := filepath.Join(sc.OutputDir, zapReportFile)
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return failed(z.Name(), fmt.Sprintf("zap report missing: %v", err), res.DurationMs)
	}

	found, err := z.Parse(raw)
	if err != nil {
		return failed(z.Name(), fmt.Sprintf("failed to parse zap output: %v", err), res.DurationMs)
	}

	z.logger.Info("DAST scan complete",
		zap.String("target", validated),
		zap.Int("findings", len(found)),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return &ScanResult{
		Scanner:       z.Name(),
		Success:       true,
		Findings:      found,
		RawOutputPath: reportPath,
		DurationMs:    res.DurationMs,
	}
}

// zapReport is the subset of the ZAP traditional JSON report the
// adapter consumes.
type zapReport struct {
	Site []struct {
		Name   string `json:"@name"`
		Alerts []struct {
			PluginID  string `json:"pluginid"`
			Alert     string `json:"alert"`
			Name      string `json:"name"`
			RiskCode  string `json:"riskcode"`
			Desc      string `json:"desc"`
			CWEID     string `json:"cweid"`
			Instances []struct {
				URI string `json:"uri"`
			} `json:"instances"`
		} `json:"alerts"`
	} `json:"site"`
}

// riskCodeSeverity maps ZAP risk codes to the canonical scale. The
// mapping is total; unknown codes fall through to UNKNOWN.
func riskCodeSeverity(code string) findings.Severity {
	switch code {
	case "3":
		return findings.SeverityHigh
	case "2":
		return findings.SeverityMedium
	case "1":
		return findings.SeverityLow
	case "0":
		return findings.SeverityInfo
	default:
		return findings.SeverityUnknown
	}
}

// Parse converts a ZAP JSON report into canonical findings, one per
// alert per site.
func (z *ZAPScan) Parse(raw []byte) ([]findings.Finding, error) {
	var report zapReport
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("unexpected zap report shape: %w", err)
	}

	var out []findings.Finding
	for _, site := range report.Site {
		for _, alert := range site.Alerts {
			title := alert.Alert
			if title == "" {
				title = alert.Name
			}
			if title == "" {
				continue
			}
			cwe := ""
			if alert.CWEID != "" && alert.CWEID != "-1" {
				if _, err := strconv.Atoi(alert.CWEID); err == nil {
					cwe = "CWE-" + alert.CWEID
				}
			}
			extra := map[string]string{"site": site.Name}
			if len(alert.Instances) > 0 {
				extra["url"] = alert.Instances[0].URI
			}
			out = append(out, findings.Finding{
				Scanner:     z.Name(),
				Title:       title,
				Severity:    riskCodeSeverity(alert.RiskCode),
				Description: alert.Desc,
				RuleID:      alert.PluginID,
				CWE:         cwe,
				Extra:       extra,
			})
		}
	}
	return out, nil
}
