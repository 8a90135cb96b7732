// Command audit sweeps EC2 instances for EFS mounts without noresvport outside of
// an AWS Config rule run, tracking findings in a local SQLite ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/fatih/color"

	"github.com/chrishm00/efs-compliance-checker/internal/agent"
)

// Version is set at build time via ldflags
var Version = "0.1.0"

const (
	exitNonCompliant = 2
	exitIncomplete   = 3
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	instances := flag.String("instances", "", "comma-separated EC2 instance ids")
	targetsPath := flag.String("targets", "", "YAML file with an 'instances' list")
	bucket := flag.String("bucket", "", "evidence bucket (overrides BUCKET_NAME)")
	ledger := flag.String("ledger", "", "SQLite ledger path (overrides LEDGER_PATH)")
	noColor := flag.Bool("no-color", false, "disable colored output")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("efs-noresvport-audit %s\n", Version)
		return 0, nil
	}
	if *noColor {
		color.NoColor = true
	}

	if *bucket != "" {
		if err := os.Setenv("BUCKET_NAME", *bucket); err != nil {
			return 0, err
		}
	}
	cfg, err := agent.LoadConfig()
	if err != nil {
		return 0, err
	}
	cfg.Version = Version
	if *ledger != "" {
		cfg.LedgerPath = *ledger
	}

	ids, err := loadTargets(*instances, *targetsPath)
	if err != nil {
		return 0, err
	}

	// Logs go to stderr so the summary on stdout stays readable
	logger := agent.NewLogger(os.Stderr, "text", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}

	db, err := agent.NewDB(ctx, cfg.LedgerPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	sweeper := agent.NewSweeper(a.Reporter(), a.Evaluator(), db, logger)

	report, err := sweeper.Sweep(ctx, ids)
	if err != nil {
		return 0, err
	}

	printReport(os.Stdout, report)

	if cfg.HasWebhook() {
		result, err := sweeper.Deliver(ctx, agent.NewNotifier(cfg, logger))
		if err != nil {
			logger.Error("webhook delivery failed", "error", err)
		} else if result.Err != nil {
			logger.Error("webhook delivery had failures",
				"delivered", len(result.DeliveredIDs),
				"failed", len(result.FailedIDs),
				"error", result.Err,
			)
		}
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger stats: %w", err)
	}
	printLedger(os.Stdout, stats)

	return exitCode(report), nil
}

func exitCode(report *agent.SweepReport) int {
	confirmed := 0
	for _, o := range report.Instances {
		if o.Result.Err == nil && o.Result.Compliance == types.ComplianceTypeNonCompliant {
			confirmed++
		}
	}
	switch {
	case confirmed > 0:
		return exitNonCompliant
	case report.Failed() > 0:
		return exitIncomplete
	}
	return 0
}
