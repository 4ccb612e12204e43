package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/policyatlas/metabatch/internal/analyzer"
	"github.com/policyatlas/metabatch/internal/app"
	"github.com/policyatlas/metabatch/internal/config"
	"github.com/policyatlas/metabatch/internal/logging"
)

type runFlags struct {
	docsDir      string
	progressFile string
	quotaFile    string
	endpoint     string
	rateRPM      int
	dailyQuota   int
	workers      int
	minWorkers   int
	maxWorkers   int
	limit        int
	resume       bool
	retryFailed  bool
}

// newRunCmd creates the 'run' subcommand. It starts (or resumes) a batch and
// blocks until the run reaches quiescence or is interrupted.
func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a batch run",
		Long: `Enumerates documents under the docs directory, filters out tasks the
progress file already resolved, and processes the rest through the analysis
service. SIGINT stops enumeration, lets in-flight calls finish, and writes a
final checkpoint before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.docsDir, "docs-dir", "", "corpus root directory")
	cmd.Flags().StringVar(&flags.progressFile, "progress-file", "", "progress checkpoint path")
	cmd.Flags().StringVar(&flags.quotaFile, "quota-file", "", "quota state path")
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "analysis service endpoint")
	cmd.Flags().IntVar(&flags.rateRPM, "rate-rpm", 0, "requests-per-minute ceiling")
	cmd.Flags().IntVar(&flags.dailyQuota, "daily-quota", 0, "daily enrichment quota ceiling")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "base worker count")
	cmd.Flags().IntVar(&flags.minWorkers, "min-workers", 0, "minimum worker count")
	cmd.Flags().IntVar(&flags.maxWorkers, "max-workers", 0, "maximum worker count")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "process at most N tasks (0 = unlimited)")
	cmd.Flags().BoolVar(&flags.resume, "resume", true, "resume from the progress file")
	cmd.Flags().BoolVar(&flags.retryFailed, "retry-failed", false, "re-queue previously failed tasks")

	return cmd
}

func runBatch(cmd *cobra.Command, flags runFlags) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	client, err := analyzer.New(analyzer.Config{
		Endpoint: cfg.Analyzer.Endpoint,
		APIKey:   cfg.Analyzer.APIKey,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := app.Run(ctx, app.Options{
		Config:   cfg,
		Analyzer: client,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	printReport(cmd, report)
	return nil
}

// applyFlagOverrides lets explicit flags win over file/env configuration.
func applyFlagOverrides(cmd *cobra.Command, flags runFlags, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("docs-dir") {
		cfg.Run.DocsDir = flags.docsDir
	}
	if set("progress-file") {
		cfg.Run.ProgressFile = flags.progressFile
	}
	if set("quota-file") {
		cfg.Quota.StateFile = flags.quotaFile
	}
	if set("endpoint") {
		cfg.Analyzer.Endpoint = flags.endpoint
	}
	if set("rate-rpm") {
		cfg.Rate.RequestsPerMinute = flags.rateRPM
	}
	if set("daily-quota") {
		cfg.Quota.DailyCeiling = flags.dailyQuota
	}
	if set("workers") {
		cfg.Workers.Base = flags.workers
	}
	if set("min-workers") {
		cfg.Workers.Min = flags.minWorkers
	}
	if set("max-workers") {
		cfg.Workers.Max = flags.maxWorkers
	}
	if set("limit") {
		cfg.Run.Limit = flags.limit
	}
	if set("resume") {
		cfg.Run.Resume = flags.resume
	}
	if set("retry-failed") {
		cfg.Run.RetryFailed = flags.retryFailed
	}
}

func printReport(cmd *cobra.Command, report app.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s finished in %s\n", report.RunID, report.Elapsed.Round(time.Second))
	fmt.Fprintf(out, "  enqueued:  %d (skipped %d already resolved)\n", report.Enqueued, report.Skipped)
	fmt.Fprintf(out, "  completed: %d\n", report.Summary.Completed)
	fmt.Fprintf(out, "  failed:    %d\n", report.Summary.Failed)
	fmt.Fprintf(out, "  pending:   %d\n", report.Summary.Pending)
	if len(report.Summary.Manifest) > 0 {
		fmt.Fprintln(out, "failures:")
		for _, entry := range report.Summary.Manifest {
			fmt.Fprintf(out, "  %s  kind=%s attempts=%d  %s\n",
				entry.TaskID, entry.Kind, entry.Attempts, entry.Message)
		}
	}
}
