package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/chrishm00/efs-compliance-checker/internal/remote"
)

// Kind classifies why an evaluation could not complete.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindPermissionDenied   Kind = "permission-denied"
	KindServiceUnavailable Kind = "service-unavailable"
	KindInvalidTarget      Kind = "invalid-target"
	KindCommandFailed      Kind = "command-failed"
	KindParseError         Kind = "parse-error"
	KindInternal           Kind = "internal"
)

// EvaluationError is an evaluation failure with its classification.
type EvaluationError struct {
	Kind       Kind
	ResourceID string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the evaluation later may succeed.
func (e *EvaluationError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindServiceUnavailable
}

// API error codes from SSM, S3 and STS, grouped by kind.
var errorCodeKinds = map[string]Kind{
	"AccessDenied":                KindPermissionDenied,
	"AccessDeniedException":       KindPermissionDenied,
	"UnauthorizedOperation":       KindPermissionDenied,
	"ExpiredToken":                KindPermissionDenied,
	"ExpiredTokenException":       KindPermissionDenied,
	"InvalidClientTokenId":        KindPermissionDenied,
	"UnrecognizedClientException": KindPermissionDenied,

	"ThrottlingException":          KindServiceUnavailable,
	"Throttling":                   KindServiceUnavailable,
	"RequestLimitExceeded":         KindServiceUnavailable,
	"TooManyUpdates":               KindServiceUnavailable,
	"SlowDown":                     KindServiceUnavailable,
	"ServiceUnavailable":           KindServiceUnavailable,
	"InternalServerError":          KindServiceUnavailable,
	"InternalError":                KindServiceUnavailable,
	"InternalServerErrorException": KindServiceUnavailable,

	"InvalidInstanceId":       KindInvalidTarget,
	"InvalidDocument":         KindInvalidTarget,
	"UnsupportedPlatformType": KindInvalidTarget,
	"NoSuchBucket":            KindInvalidTarget,
}

// Classify maps an error from the evaluation pipeline to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Kind
	}

	if errors.Is(err, remote.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var cmdErr *remote.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Status == "TimedOut" {
			return KindTimeout
		}
		return KindCommandFailed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindParseError
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := errorCodeKinds[apiErr.ErrorCode()]; ok {
			return kind
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return KindServiceUnavailable
		}
	}

	return KindInternal
}

func newEvaluationError(resourceID string, err error) *EvaluationError {
	return &EvaluationError{
		Kind:       Classify(err),
		ResourceID: resourceID,
		Err:        err,
	}
}
