package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kekkai-sec/kekkai/internal/config"
	"github.com/kekkai-sec/kekkai/internal/gitinfo"
	"github.com/kekkai-sec/kekkai/internal/observability"
	"github.com/kekkai-sec/kekkai/internal/pipeline"
	"github.com/kekkai-sec/kekkai/internal/report"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
	"github.com/kekkai-sec/kekkai/internal/scanners"
	"github.com/kekkai-sec/kekkai/internal/store"
	"github.com/kekkai-sec/kekkai/internal/urlguard"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [repo-path]",
		Short: "Runs the configured scanners against a repository and writes the unified report",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so they override the config
			// file and environment with the right precedence.
			if err := viper.BindPFlag("scanners.enabled", cmd.Flags().Lookup("scanners")); err != nil {
				return err
			}
			if err := viper.BindPFlag("policy.min_fail_severity", cmd.Flags().Lookup("min-fail-severity")); err != nil {
				return err
			}
			if err := viper.BindPFlag("policy.ci", cmd.Flags().Lookup("ci")); err != nil {
				return err
			}
			if err := viper.BindPFlag("scanners.zap.target", cmd.Flags().Lookup("target")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			repoPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve repository path: %w", err)
			}
			info, err := os.Stat(repoPath)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("repository path %q is not a directory", args[0])
			}

			runID, _ := cmd.Flags().GetString("run-id")
			if runID == "" {
				runID = uuid.New().String()
			}
			runDir, _ := cmd.Flags().GetString("run-dir")
			if runDir == "" {
				base, err := config.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("failed to resolve default run directory: %w", err)
				}
				runDir = filepath.Join(base, "runs", runID)
			}
			reportPath, _ := cmd.Flags().GetString("output")

			executor, err := sandbox.NewExecutor(cfg.Sandbox, logger)
			if err != nil {
				return err
			}
			if pull, _ := cmd.Flags().GetBool("pull"); pull {
				images := map[string]string{
					"gitleaks": cfg.Scanners.Gitleaks.Image,
					"trivy":    cfg.Scanners.Trivy.Image,
					"zap":      cfg.Scanners.ZAP.Image,
				}
				for _, name := range cfg.Scanners.Enabled {
					if img := images[name]; img != "" && !executor.PullImage(ctx, img) {
						logger.Warn("Image pull failed; the scanner may still run from a local image",
							zap.String("scanner", name), zap.String("image", img))
					}
				}
			}

			guard := urlguard.New(logger)
			deps := scanners.Deps{
				Runner:  executor,
				Guard:   guard,
				Images:  cfg.Scanners,
				Sandbox: cfg.Sandbox,
				Logger:  logger,
			}
			runner := pipeline.NewRunner(cfg, deps, pipeline.NewHostStepExecutor(logger), report.NewAggregator(logger), logger)

			commitSHA, err := gitinfo.HeadCommit(repoPath)
			if err != nil {
				logger.Debug("No commit SHA available for this tree", zap.Error(err))
				commitSHA = ""
			}

			logger.Info("Starting scan run",
				zap.String("run_id", runID),
				zap.String("repo", repoPath),
				zap.Strings("scanners", cfg.Scanners.Enabled),
			)

			outcome, runErr := runner.Run(ctx, pipeline.RunInput{
				RepoPath:   repoPath,
				RunDir:     runDir,
				RunID:      runID,
				CommitSHA:  commitSHA,
				TargetURL:  cfg.Scanners.ZAP.Target,
				ReportPath: reportPath,
			})

			if outcome != nil {
				persistHistory(cmd, cfg, outcome, repoPath, commitSHA, logger)
				printSummary(cmd, outcome, runDir)
			}

			if runErr != nil && errors.Is(runErr, pipeline.ErrPolicyViolation) && !cfg.Policy.CI {
				// Outside CI mode the verdict is advisory: report it, but
				// do not fail the process.
				logger.Warn("Policy gate failed; not enforcing outside CI mode", zap.Error(runErr))
				return nil
			}
			return runErr
		},
	}

	scanCmd.Flags().String("run-id", "", "Run identifier (default: a random UUID)")
	scanCmd.Flags().String("run-dir", "", "Directory for run artifacts (default: ~/.kekkai/runs/<run-id>)")
	scanCmd.Flags().StringSlice("scanners", nil, "Scanners to run, in order (overrides config)")
	scanCmd.Flags().Bool("ci", false, "CI mode: a failed policy gate fails the process")
	scanCmd.Flags().String("min-fail-severity", "", "Lowest severity that fails the policy gate (overrides config)")
	scanCmd.Flags().StringP("output", "o", "", "Unified report path (default: <run-dir>/kekkai-report.json)")
	scanCmd.Flags().String("target", "", "DAST target URL (overrides config)")
	scanCmd.Flags().Bool("pull", false, "Pull scanner images before running (best effort)")

	return scanCmd
}

// persistHistory records the run in Postgres when a database is
// configured. History is best effort and never fails a scan.
func persistHistory(cmd *cobra.Command, cfg *config.Config, outcome *pipeline.RunOutcome, repoPath, commitSHA string, logger *zap.Logger) {
	if cfg.Database.URL == "" || outcome.Report == nil {
		return
	}
	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Warn("Failed to connect to the scan-history database", zap.Error(err))
		return
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		logger.Warn("Scan-history database unavailable", zap.Error(err))
		return
	}
	rec := store.RunRecord{
		RunID:         outcome.Manifest.RunID,
		RepoPath:      repoPath,
		CommitSHA:     commitSHA,
		Status:        string(outcome.Manifest.Status),
		TotalFindings: outcome.Report.Summary.Total,
		FinishedAt:    outcome.Manifest.FinishedAt,
	}
	if err := st.SaveRun(ctx, rec, outcome.Report); err != nil {
		logger.Warn("Failed to persist scan history", zap.Error(err))
	}
}

func printSummary(cmd *cobra.Command, outcome *pipeline.RunOutcome, runDir string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nScan complete. Run ID: %s\n", outcome.Manifest.RunID)
	if outcome.Report != nil {
		fmt.Fprintf(out, "Findings: %d", outcome.Report.Summary.Total)
		for _, w := range outcome.Report.Warnings {
			fmt.Fprintf(out, "\nWarning: %s", w)
		}
		fmt.Fprintln(out)
	}
	if outcome.Policy.Counts != nil {
		if outcome.Policy.Passed {
			fmt.Fprintln(out, "Policy: PASSED")
		} else {
			fmt.Fprintln(out, "Policy: FAILED")
		}
	}
	fmt.Fprintf(out, "Artifacts: %s\n", runDir)
}
