package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/configservice/types"
)

const (
	maxAnnotationLength = 256 // AWS Config limit
	batchGetLimit       = 100 // BatchGetResourceConfig keys per call
)

// ComplianceAPI is the subset of the AWS Config client used by the rule.
type ComplianceAPI interface {
	PutEvaluations(ctx context.Context, params *configservice.PutEvaluationsInput, optFns ...func(*configservice.Options)) (*configservice.PutEvaluationsOutput, error)
	BatchGetResourceConfig(ctx context.Context, params *configservice.BatchGetResourceConfigInput, optFns ...func(*configservice.Options)) (*configservice.BatchGetResourceConfigOutput, error)
}

// Reporter sends evaluation results to AWS Config and looks up configuration items.
type Reporter struct {
	api      ComplianceAPI
	testMode bool
	logger   *slog.Logger
}

// NewReporter creates a Reporter. With testMode set, AWS Config validates but does not record evaluations.
func NewReporter(api ComplianceAPI, testMode bool, logger *slog.Logger) *Reporter {
	return &Reporter{
		api:      api,
		testMode: testMode,
		logger:   logger,
	}
}

// Report sends exactly one evaluation for the configuration item and returns the
// service response as is.
func (r *Reporter) Report(ctx context.Context, ci *ConfigurationItem, result Result, resultToken string) (*configservice.PutEvaluationsOutput, error) {
	ordering, err := ci.OrderingTimestamp()
	if err != nil {
		return nil, err
	}

	out, err := r.api.PutEvaluations(ctx, &configservice.PutEvaluationsInput{
		Evaluations: []types.Evaluation{
			{
				ComplianceResourceType: aws.String(ci.ResourceType),
				ComplianceResourceId:   aws.String(ci.ResourceID),
				ComplianceType:         result.Compliance,
				Annotation:             aws.String(truncateAnnotation(result.Annotation)),
				OrderingTimestamp:      aws.Time(ordering),
			},
		},
		ResultToken: aws.String(resultToken),
		TestMode:    r.testMode,
	})
	if err != nil {
		return nil, fmt.Errorf("put evaluations: %w", err)
	}

	if len(out.FailedEvaluations) > 0 {
		r.logger.Warn("evaluation rejected by AWS Config",
			"resource_id", ci.ResourceID,
			"failed", len(out.FailedEvaluations),
		)
	} else {
		r.logger.Info("evaluation reported",
			"resource_id", ci.ResourceID,
			"verdict", result.Compliance,
			"test_mode", r.testMode,
		)
	}

	return out, nil
}

// LookupResult is the current configuration item of one instance, or why it is unavailable.
type LookupResult struct {
	InstanceID string
	Item       *ConfigurationItem
	Err        error
}

// LookupInstances fetches the current configuration items of EC2 instances from AWS Config.
// Results follow the order of instanceIDs. Unknown or unprocessed ids carry an error.
func (r *Reporter) LookupInstances(ctx context.Context, instanceIDs []string) ([]LookupResult, error) {
	found := make(map[string]LookupResult, len(instanceIDs))

	for start := 0; start < len(instanceIDs); start += batchGetLimit {
		end := min(start+batchGetLimit, len(instanceIDs))

		keys := make([]types.ResourceKey, 0, end-start)
		for _, id := range instanceIDs[start:end] {
			keys = append(keys, types.ResourceKey{
				ResourceType: types.ResourceTypeInstance,
				ResourceId:   aws.String(id),
			})
		}

		out, err := r.api.BatchGetResourceConfig(ctx, &configservice.BatchGetResourceConfigInput{
			ResourceKeys: keys,
		})
		if err != nil {
			return nil, fmt.Errorf("batch get resource config: %w", err)
		}

		for _, base := range out.BaseConfigurationItems {
			id := aws.ToString(base.ResourceId)
			item, err := fromBaseItem(base)
			found[id] = LookupResult{InstanceID: id, Item: item, Err: err}
		}
		for _, key := range out.UnprocessedResourceKeys {
			id := aws.ToString(key.ResourceId)
			found[id] = LookupResult{
				InstanceID: id,
				Err: &EvaluationError{
					Kind:       KindServiceUnavailable,
					ResourceID: id,
					Err:        fmt.Errorf("AWS Config did not process %s", id),
				},
			}
		}

		r.logger.Debug("configuration items fetched",
			"requested", len(keys),
			"returned", len(out.BaseConfigurationItems),
			"unprocessed", len(out.UnprocessedResourceKeys),
		)
	}

	results := make([]LookupResult, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		res, ok := found[id]
		if !ok {
			res = LookupResult{
				InstanceID: id,
				Err: &EvaluationError{
					Kind:       KindInvalidTarget,
					ResourceID: id,
					Err:        fmt.Errorf("no configuration item recorded for %s", id),
				},
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func fromBaseItem(base types.BaseConfigurationItem) (*ConfigurationItem, error) {
	ci := &ConfigurationItem{
		ResourceType: string(base.ResourceType),
		ResourceID:   aws.ToString(base.ResourceId),
		Status:       string(base.ConfigurationItemStatus),
	}
	if base.ConfigurationItemCaptureTime != nil {
		ci.CaptureTime = base.ConfigurationItemCaptureTime.UTC().Format(time.RFC3339Nano)
	}

	if cfg := aws.ToString(base.Configuration); cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &ci.Config); err != nil {
			return nil, newEvaluationError(ci.ResourceID, fmt.Errorf("parse configuration of %s: %w", ci.ResourceID, err))
		}
	}

	return ci, nil
}

func truncateAnnotation(s string) string {
	runes := []rune(s)
	if len(runes) <= maxAnnotationLength {
		return s
	}
	return string(runes[:maxAnnotationLength-3]) + "..."
}
