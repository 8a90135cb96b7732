package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// DefaultDocument runs shell commands on Linux instances.
const DefaultDocument = "AWS-RunShellScript"

// API is the subset of the SSM client used to run commands.
type API interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// Options controls how a Runner waits for command completion.
type Options struct {
	Document     string
	MinPollDelay time.Duration
	MaxPollDelay time.Duration
	Timeout      time.Duration
}

// Runner sends shell commands through SSM Run Command and waits for their output.
type Runner struct {
	api    API
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a Runner. Zero option values fall back to defaults.
func NewRunner(api API, opts Options, logger *slog.Logger) *Runner {
	if opts.Document == "" {
		opts.Document = DefaultDocument
	}
	if opts.MinPollDelay <= 0 {
		opts.MinPollDelay = time.Second
	}
	if opts.MaxPollDelay < opts.MinPollDelay {
		opts.MaxPollDelay = opts.MinPollDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}

	return &Runner{
		api:    api,
		opts:   opts,
		logger: logger,
	}
}

// Run executes command on the instance and returns its standard output once the
// invocation reaches a terminal status. It polls with backoff until Options.Timeout.
func (r *Runner) Run(ctx context.Context, instanceID, command string) (string, error) {
	sent, err := r.api.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(r.opts.Document),
		InstanceIds:  []string{instanceID},
		Parameters: map[string][]string{
			"commands": {command},
		},
		Comment: aws.String("noresvport compliance check"),
	})
	if err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	if sent.Command == nil || sent.Command.CommandId == nil {
		return "", errors.New("send command: response has no command id")
	}
	commandID := aws.ToString(sent.Command.CommandId)

	r.logger.Debug("command sent", "instance_id", instanceID, "command_id", commandID)

	out, err := r.wait(ctx, commandID, instanceID)
	if err != nil {
		return "", err
	}

	status := out.Status
	stdout := aws.ToString(out.StandardOutputContent)

	r.logger.Debug("command finished",
		"instance_id", instanceID,
		"command_id", commandID,
		"status", status,
		"response_code", out.ResponseCode,
	)

	if status != types.CommandInvocationStatusSuccess {
		return "", &CommandError{
			CommandID:    commandID,
			Status:       string(status),
			ResponseCode: out.ResponseCode,
			Stdout:       stdout,
			Stderr:       aws.ToString(out.StandardErrorContent),
		}
	}

	return stdout, nil
}

// wait polls GetCommandInvocation through the SDK waiter until the invocation leaves
// the Pending/InProgress/Delayed states.
func (r *Runner) wait(ctx context.Context, commandID, instanceID string) (*ssm.GetCommandInvocationOutput, error) {
	var (
		callErr    error
		lastStatus types.CommandInvocationStatus
		start      = time.Now()
	)

	waiter := ssm.NewCommandExecutedWaiter(r.api, func(o *ssm.CommandExecutedWaiterOptions) {
		o.MinDelay = r.opts.MinPollDelay
		o.MaxDelay = r.opts.MaxPollDelay
		o.Retryable = func(ctx context.Context, _ *ssm.GetCommandInvocationInput, out *ssm.GetCommandInvocationOutput, err error) (bool, error) {
			if err != nil {
				// The invocation is not registered right after SendCommand returns.
				var notYet *types.InvocationDoesNotExist
				if errors.As(err, &notYet) {
					return true, nil
				}
				callErr = err
				return false, err
			}
			lastStatus = out.Status
			return !IsTerminal(out.Status), nil
		}
	})

	out, err := waiter.WaitForOutput(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	}, r.opts.Timeout)
	if err == nil {
		return out, nil
	}

	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: command %s: %v", ErrTimeout, commandID, callErr)
		}
		return nil, fmt.Errorf("get command invocation: %w", callErr)
	}

	// The parent context was cancelled by the caller.
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return nil, ctxErr
	}

	if lastStatus == "" {
		lastStatus = types.CommandInvocationStatusPending
	}
	// The caller's deadline can end the wait before opts.Timeout does.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: command %s still %s when the caller deadline passed after %s",
			ErrTimeout, commandID, lastStatus, time.Since(start).Round(time.Millisecond))
	}
	return nil, fmt.Errorf("%w: command %s still %s after %s", ErrTimeout, commandID, lastStatus, r.opts.Timeout)
}

// IsTerminal reports whether an invocation status is final.
func IsTerminal(status types.CommandInvocationStatus) bool {
	switch status {
	case types.CommandInvocationStatusPending,
		types.CommandInvocationStatusInProgress,
		types.CommandInvocationStatusDelayed:
		return false
	}
	return true
}
