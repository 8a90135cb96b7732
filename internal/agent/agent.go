package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/chrishm00/efs-compliance-checker/internal/evidence"
	"github.com/chrishm00/efs-compliance-checker/internal/remote"
)

// Clients are the AWS service clients the agent talks to.
type Clients struct {
	SSM    remote.API
	S3     evidence.API
	Config ComplianceAPI
}

type Agent struct {
	config    *Config
	evaluator *Evaluator
	reporter  *Reporter
	logger    *slog.Logger
}

// New loads AWS credentials from the environment and builds the agent once per process.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Agent, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clients := Clients{
		SSM:    ssm.NewFromConfig(awsCfg),
		S3:     s3.NewFromConfig(awsCfg),
		Config: configservice.NewFromConfig(awsCfg),
	}

	return NewWithClients(config, clients, logger), nil
}

// NewWithClients builds the agent on top of the given clients.
func NewWithClients(config *Config, clients Clients, logger *slog.Logger) *Agent {
	runner := remote.NewRunner(clients.SSM, config.RunnerOptions(), logger)
	archiver := evidence.NewArchiver(clients.S3, config.BucketName, logger)

	return &Agent{
		config:    config,
		evaluator: NewEvaluator(runner, archiver, logger),
		reporter:  NewReporter(clients.Config, config.ConfigTestMode, logger),
		logger:    logger,
	}
}

// Evaluator returns the evaluator shared by the Lambda handler and the sweep.
func (a *Agent) Evaluator() *Evaluator {
	return a.evaluator
}

// Reporter returns the AWS Config reporter.
func (a *Agent) Reporter() *Reporter {
	return a.reporter
}

// Handle processes one Config rule invocation: it evaluates the configuration item and
// reports exactly one evaluation. Only event parsing and reporting failures are returned.
func (a *Agent) Handle(ctx context.Context, event events.ConfigEvent) (*configservice.PutEvaluationsOutput, error) {
	if event.ResultToken == "" {
		return nil, errors.New("event has no resultToken")
	}

	ci, err := ParseInvokingEvent(event.InvokingEvent)
	if err != nil {
		return nil, err
	}

	a.logger.Info("evaluating resource",
		"rule", event.ConfigRuleName,
		"resource_type", ci.ResourceType,
		"resource_id", ci.ResourceID,
		"state", ci.StateName(),
	)

	result := a.evaluator.Evaluate(ctx, ci)

	return a.reporter.Report(ctx, ci, result, event.ResultToken)
}
