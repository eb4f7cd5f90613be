// Package report merges all scanner results into the single unified
// report artifact under strict resource caps, redacts sensitive
// substrings, and persists the result atomically. The caps are the
// pipeline's DoS mitigation: one noisy scanner cannot starve the
// budget meant for the others, and the report as a whole cannot grow
// unbounded.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/scanners"
)

// SchemaVersion identifies the unified report schema.
const SchemaVersion = "1"

// Default resource caps. They are fields on the Aggregator, not
// globals, so one invocation's accounting can never leak into another.
const (
	DefaultPerScannerCap  = 10000
	DefaultGlobalCap      = 50000
	DefaultMaxReportBytes = int64(100 << 20) // 100 MiB
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ScannerMeta summarizes one scanner's contribution, including
// failures: a failed scanner contributes no findings but stays visible
// here.
type ScannerMeta struct {
	Success       bool   `json:"success"`
	FindingsCount int    `json:"findings_count"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}

// Summary carries the severity-count totals for the final, capped
// finding list.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
}

// UnifiedReport is the single aggregated, capped, redacted artifact
// summarizing one run.
type UnifiedReport struct {
	Version      string                 `json:"version"`
	GeneratedAt  time.Time              `json:"generated_at"`
	RunID        string                 `json:"run_id"`
	CommitSHA    string                 `json:"commit_sha,omitempty"`
	ScanMetadata map[string]ScannerMeta `json:"scan_metadata"`
	Summary      Summary                `json:"summary"`
	Findings     []findings.Finding     `json:"findings"`
	Warnings     []string               `json:"warnings,omitempty"`
}

// Aggregator builds unified reports. All accumulation state lives in
// the Generate call, never on the struct.
type Aggregator struct {
	PerScannerCap  int
	GlobalCap      int
	MaxReportBytes int64
	logger         *zap.Logger
}

// NewAggregator returns an aggregator with the default caps.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		PerScannerCap:  DefaultPerScannerCap,
		GlobalCap:      DefaultGlobalCap,
		MaxReportBytes: DefaultMaxReportBytes,
		logger:         logger.Named("report"),
	}
}

// Generate merges the scan results into a unified report and writes it
// atomically to outputPath. It fails only with a report-generation
// error, never partially: readers of outputPath observe either the
// complete report or no file at all.
func (a *Aggregator) Generate(results []*scanners.ScanResult, outputPath, runID, commitSHA string) (*UnifiedReport, error) {
	rep := &UnifiedReport{
		Version:      SchemaVersion,
		GeneratedAt:  time.Now().UTC(),
		RunID:        runID,
		CommitSHA:    commitSHA,
		ScanMetadata: make(map[string]ScannerMeta, len(results)),
		Findings:     []findings.Finding{},
	}

	var merged []findings.Finding
	globalCapped := false

	for _, res := range results {
		if res == nil {
			continue
		}
		if !res.Success {
			rep.ScanMetadata[res.Scanner] = ScannerMeta{
				Success:    false,
				DurationMs: res.DurationMs,
				Error:      res.Error,
			}
			continue
		}

		contributed := res.Findings
		if len(contributed) > a.PerScannerCap {
			contributed = contributed[:a.PerScannerCap]
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("scanner %s reported %d findings; truncated to the per-scanner cap of %d",
					res.Scanner, len(res.Findings), a.PerScannerCap))
		}

		if !globalCapped {
			remaining := a.GlobalCap - len(merged)
			if len(contributed) > remaining {
				contributed = contributed[:remaining]
				globalCapped = true
				rep.Warnings = append(rep.Warnings,
					fmt.Sprintf("global finding cap of %d reached; aggregation stopped early", a.GlobalCap))
			}
			merged = append(merged, contributed...)
		}

		rep.ScanMetadata[res.Scanner] = ScannerMeta{
			Success:       true,
			FindingsCount: len(res.Findings),
			DurationMs:    res.DurationMs,
		}
	}

	// Deduplicate and redact on the merged, already-capped list.
	merged = findings.Dedupe(merged)
	for i := range merged {
		merged[i].Title = findings.Redact(merged[i].Title)
		merged[i].Description = findings.Redact(merged[i].Description)
	}
	rep.Findings = merged

	rep.Summary = summarize(merged)

	if err := a.writeAtomic(rep, outputPath); err != nil {
		return nil, err
	}

	a.logger.Info("Unified report written",
		zap.String("run_id", runID),
		zap.Int("findings", len(merged)),
		zap.Int("warnings", len(rep.Warnings)),
	)
	return rep, nil
}

// summarize computes severity counts in a single pass over the final
// finding list.
func summarize(list []findings.Finding) Summary {
	s := Summary{
		Total:      len(list),
		BySeverity: make(map[string]int, len(findings.Severities)),
	}
	for _, sev := range findings.Severities {
		s.BySeverity[string(sev)] = 0
	}
	for _, f := range list {
		s.BySeverity[string(f.Severity)]++
	}
	return s
}

// writeAtomic serializes the report to a temp file in the destination
// directory, verifies the size ceiling before anything becomes
// visible, then renames into place. Every failure path removes the
// temp file and reports a sanitized error without full host paths.
func (a *Aggregator) writeAtomic(rep *UnifiedReport, outputPath string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize unified report: %w", err)
	}
	if int64(len(data)) > a.MaxReportBytes {
		return fmt.Errorf("serialized report size %d exceeds the %d byte ceiling", len(data), a.MaxReportBytes)
	}

	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, ".kekkai-report-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary report file in %s: %w", filepath.Base(dir), sanitizeFSError(err))
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write report %s: %w", filepath.Base(outputPath), sanitizeFSError(err))
	}
	// World-readable, owner-writable: CI consumers read the artifact,
	// nothing rewrites it.
	if err := tmp.Chmod(0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set report permissions: %w", sanitizeFSError(err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize report %s: %w", filepath.Base(outputPath), sanitizeFSError(err))
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish report %s: %w", filepath.Base(outputPath), sanitizeFSError(err))
	}
	return nil
}

// sanitizeFSError strips filesystem paths out of os-level errors so
// report failures never echo full host paths back to the caller.
func sanitizeFSError(err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err
	}
	return err
}
