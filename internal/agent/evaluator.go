package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/configservice/types"

	"github.com/chrishm00/efs-compliance-checker/internal/mounts"
	"github.com/chrishm00/efs-compliance-checker/internal/remote"
)

// CommandRunner runs a shell command on an instance and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, instanceID, command string) (string, error)
}

// EvidenceArchiver stores the mount partitions of an evaluation and returns their location.
type EvidenceArchiver interface {
	Archive(ctx context.Context, instanceID string, compliant, nonCompliant []string) (string, error)
}

// Result is the outcome of evaluating one configuration item.
type Result struct {
	Compliance types.ComplianceType
	Annotation string

	// Mount lines, set once the instance has been inspected
	Compliant    []string
	NonCompliant []string
	EvidencePath string

	// Err is set when the evaluation could not complete. Compliance is then NON_COMPLIANT.
	Err *EvaluationError
}

// Evaluator checks EC2 instances for EFS mounts without the noresvport option.
type Evaluator struct {
	runner   CommandRunner
	archiver EvidenceArchiver
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(runner CommandRunner, archiver EvidenceArchiver, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		runner:   runner,
		archiver: archiver,
		logger:   logger,
	}
}

// Evaluate produces exactly one verdict for the configuration item. It never returns an
// error: failures after the applicability checks become NON_COMPLIANT with Result.Err set.
func (e *Evaluator) Evaluate(ctx context.Context, ci *ConfigurationItem) Result {
	if ci.ResourceType != ResourceTypeEC2Instance {
		return Result{
			Compliance: types.ComplianceTypeNotApplicable,
			Annotation: "The rule does not apply to resources of type " + ci.ResourceType + ".",
		}
	}

	if ci.StateName() != StateRunning {
		return Result{
			Compliance: types.ComplianceTypeNotApplicable,
			Annotation: "The instance is not in a running state.",
		}
	}

	logger := e.logger.With("instance_id", ci.ResourceID)

	result, err := e.inspect(ctx, ci.ResourceID)
	if err != nil {
		evalErr := newEvaluationError(ci.ResourceID, err)
		logger.Error("evaluation failed", "kind", evalErr.Kind, "error", err)
		result.Compliance = types.ComplianceTypeNonCompliant
		result.Annotation = fmt.Sprintf("Error checking the instance %s (%s): %v", ci.ResourceID, evalErr.Kind, err)
		result.Err = evalErr
		return result
	}

	logger.Info("instance evaluated",
		"verdict", result.Compliance,
		"compliant_mounts", len(result.Compliant),
		"non_compliant_mounts", len(result.NonCompliant),
	)
	return result
}

func (e *Evaluator) inspect(ctx context.Context, instanceID string) (Result, error) {
	output, err := e.runner.Run(ctx, instanceID, mounts.ListCommand)
	if err != nil {
		// grep exits 1 when the instance has no nfs4 mounts at all
		var cmdErr *remote.CommandError
		if !errors.As(err, &cmdErr) || !cmdErr.NoMatch() {
			return Result{}, err
		}
		output = ""
	}

	efs := mounts.EFSMounts(output)
	if len(efs) == 0 {
		return Result{
			Compliance: types.ComplianceTypeCompliant,
			Annotation: "This EC2 instance is marked compliant as it does not have any EFS mounted.",
		}, nil
	}

	compliant, nonCompliant := mounts.Partition(efs)
	result := Result{
		Compliant:    compliant,
		NonCompliant: nonCompliant,
	}

	path, err := e.archiver.Archive(ctx, instanceID, compliant, nonCompliant)
	if err != nil {
		return result, fmt.Errorf("archive evidence: %w", err)
	}
	result.EvidencePath = path

	if len(nonCompliant) > 0 {
		result.Compliance = types.ComplianceTypeNonCompliant
		result.Annotation = "Please check the results stored in your S3 bucket: " + path
		return result, nil
	}

	result.Compliance = types.ComplianceTypeCompliant
	result.Annotation = "All EFS mounts on the instance have the noresvport option."
	return result, nil
}
