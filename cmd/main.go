package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/chrishm00/efs-compliance-checker/internal/agent"
)

// Version is set at build time via ldflags
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := agent.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Version = Version

	logger := agent.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	a, err := agent.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("efs-noresvport rule starting",
		"version", Version,
		"bucket", cfg.BucketName,
		"command_timeout", cfg.CommandTimeout,
		"test_mode", cfg.ConfigTestMode,
	)

	lambda.Start(a.Handle)
	return nil
}
