package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/report"
	"github.com/kekkai-sec/kekkai/internal/scanners"
)

// ReportFileName is the unified report artifact written into the run
// directory unless the caller overrides the path.
const ReportFileName = "kekkai-report.json"

// RunInput identifies one pipeline run. The run directory is exclusive
// to this run id and is never shared between executions.
type RunInput struct {
	RepoPath  string
	RunDir    string
	RunID     string
	CommitSHA string
	// TargetURL is the DAST target for this run, overriding any
	// configured default.
	TargetURL string
	// ReportPath overrides the unified report location. Empty means
	// RunDir/ReportFileName.
	ReportPath string
}

// RunOutcome carries everything a caller needs after a run: the
// persisted manifest, the unified report, and the policy verdict.
type RunOutcome struct {
	Manifest *RunManifest
	Report   *report.UnifiedReport
	Policy   PolicyResult
}

// Runner executes the configured pipeline: preparation steps first,
// then every enabled scanner, then aggregation and the policy gate.
type Runner struct {
	cfg    *config.Config
	deps   scanners.Deps
	steps  StepExecutor
	agg    *report.Aggregator
	logger *zap.Logger
}

// NewRunner wires a pipeline runner from its collaborators.
func NewRunner(cfg *config.Config, deps scanners.Deps, steps StepExecutor, agg *report.Aggregator, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		steps:  steps,
		agg:    agg,
		logger: logger.Named("pipeline"),
	}
}

// Run executes the whole pipeline for one run. The manifest is written
// once at the end on every path, including aborts. The returned error
// is ErrPolicyViolation when the run completed but the policy gate
// failed, and an operational error otherwise; a nil error means the
// run passed.
func (r *Runner) Run(ctx context.Context, in RunInput) (*RunOutcome, error) {
	if err := os.MkdirAll(in.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	manifest := &RunManifest{
		Version:   ManifestSchemaVersion,
		RunID:     in.RunID,
		RepoPath:  in.RepoPath,
		RunDir:    in.RunDir,
		StartedAt: time.Now().UTC(),
		Status:    RunSuccess,
	}

	aborted := r.runSteps(ctx, in, manifest)

	var results []*scanners.ScanResult
	var scanTypes []string
	if aborted {
		manifest.Status = RunFailed
		r.logger.Error("Pipeline aborted on step failure; scanners skipped",
			zap.String("run_id", in.RunID))
	} else {
		var err error
		results, scanTypes, err = r.runScanners(ctx, in)
		if err != nil {
			manifest.Status = RunFailed
			manifest.FinishedAt = time.Now().UTC()
			if werr := manifest.Write(); werr != nil {
				r.logger.Error("Failed to write run manifest", zap.Error(werr))
			}
			return nil, err
		}
	}

	for i, res := range results {
		manifest.Scanners = append(manifest.Scanners, ScannerSummary{
			Name:          res.Scanner,
			ScanType:      scanTypes[i],
			Success:       res.Success,
			FindingsCount: len(res.Findings),
			DurationMs:    res.DurationMs,
			Error:         res.Error,
		})
		if !res.Success {
			manifest.Status = RunFailed
		}
	}

	reportPath := in.ReportPath
	if reportPath == "" {
		reportPath = filepath.Join(in.RunDir, ReportFileName)
	}
	rep, aggErr := r.agg.Generate(results, reportPath, in.RunID, in.CommitSHA)
	if aggErr != nil {
		manifest.Status = RunFailed
	}

	manifest.FinishedAt = time.Now().UTC()
	if err := manifest.Write(); err != nil {
		return nil, err
	}
	if aggErr != nil {
		return nil, aggErr
	}

	if aborted {
		// No policy verdict for an aborted run: CI must see the
		// operational failure, not a vacuous pass on zero findings.
		return &RunOutcome{Manifest: manifest, Report: rep},
			fmt.Errorf("pipeline aborted: a step failed and fail_fast is enabled")
	}

	gate := Gate{MinFailSeverity: findings.ParseSeverity(r.cfg.Policy.MinFailSeverity)}
	verdict := gate.Evaluate(rep)
	if err := verdict.Write(in.RunDir); err != nil {
		return nil, err
	}

	outcome := &RunOutcome{Manifest: manifest, Report: rep, Policy: verdict}
	if !verdict.Passed {
		return outcome, fmt.Errorf("%w: findings at or above %s severity", ErrPolicyViolation, r.cfg.Policy.MinFailSeverity)
	}

	r.logger.Info("Pipeline run passed",
		zap.String("run_id", in.RunID),
		zap.Int("findings", rep.Summary.Total),
	)
	return outcome, nil
}

// runSteps executes the configured steps strictly in order. It reports
// whether the run was aborted by fail-fast; skipped steps stay Pending
// in the manifest.
func (r *Runner) runSteps(ctx context.Context, in RunInput, manifest *RunManifest) bool {
	steps := r.cfg.Pipeline.Steps
	manifest.Steps = make([]StepResult, len(steps))
	for i, step := range steps {
		manifest.Steps[i] = StepResult{Name: step.Name, Args: step.Command, Status: StatusPending}
	}

	aborted := false
	for i, step := range steps {
		if aborted {
			continue
		}
		r.logger.Info("Running pipeline step",
			zap.String("step", step.Name),
			zap.Int("index", i),
		)
		res := r.steps.RunStep(ctx, step, in.RepoPath)
		manifest.Steps[i] = res

		if res.Status != StatusSucceeded {
			manifest.Status = RunFailed
			r.logger.Error("Pipeline step failed",
				zap.String("step", step.Name),
				zap.Int("exit_code", res.ExitCode),
				zap.Bool("timed_out", res.TimedOut),
			)
			if r.cfg.Pipeline.FailFast {
				aborted = true
			}
		}
	}
	return aborted
}

// runScanners invokes every enabled scanner and returns one result per
// scanner, in configuration order. Individual scanner failures are
// carried in their results, never returned as errors; only environment
// problems (unknown scanner name, unwritable output directory) abort.
func (r *Runner) runScanners(ctx context.Context, in RunInput) ([]*scanners.ScanResult, []string, error) {
	enabled := r.cfg.Scanners.Enabled
	adapters := make([]scanners.Scanner, len(enabled))
	contexts := make([]*scanners.ScanContext, len(enabled))
	scanTypes := make([]string, len(enabled))

	for i, name := range enabled {
		s, err := scanners.New(name, r.deps)
		if err != nil {
			return nil, nil, err
		}
		outDir := filepath.Join(in.RunDir, name)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create output directory for scanner %s: %w", name, err)
		}
		adapters[i] = s
		scanTypes[i] = s.ScanType()
		contexts[i] = &scanners.ScanContext{
			RepoPath:  in.RepoPath,
			OutputDir: outDir,
			TargetURL: in.TargetURL,
		}
	}

	results := make([]*scanners.ScanResult, len(adapters))
	if r.cfg.Pipeline.ScannerConcurrency <= 1 {
		for i, s := range adapters {
			results[i] = s.Run(ctx, contexts[i])
		}
		return results, scanTypes, nil
	}

	// Adapters share no mutable state: the repo mount is read-only and
	// each scanner writes into its own output directory. Dedupe and the
	// caps are applied later, on the merged result.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Pipeline.ScannerConcurrency)
	for i, s := range adapters {
		g.Go(func() error {
			results[i] = s.Run(gctx, contexts[i])
			return nil
		})
	}
	g.Wait()
	return results, scanTypes, nil
}
