package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// fakeSSM replays a scripted sequence of GetCommandInvocation results.
type fakeSSM struct {
	sendErr error
	sent    *ssm.SendCommandInput

	invocations []invocation
	calls       int
}

type invocation struct {
	out *ssm.GetCommandInvocationOutput
	err error
}

func (f *fakeSSM) SendCommand(_ context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	f.sent = in
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &ssm.SendCommandOutput{Command: &types.Command{CommandId: aws.String("cmd-1")}}, nil
}

func (f *fakeSSM) GetCommandInvocation(_ context.Context, in *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	i := f.calls
	if i >= len(f.invocations) {
		i = len(f.invocations) - 1
	}
	f.calls++
	inv := f.invocations[i]
	return inv.out, inv.err
}

func status(s types.CommandInvocationStatus, code int32, stdout string) invocation {
	return invocation{out: &ssm.GetCommandInvocationOutput{
		Status:                s,
		ResponseCode:          code,
		StandardOutputContent: aws.String(stdout),
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		MinPollDelay: time.Millisecond,
		MaxPollDelay: 2 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestRunner_Run_Success(t *testing.T) {
	api := &fakeSSM{invocations: []invocation{
		{err: &types.InvocationDoesNotExist{Message: aws.String("not yet")}},
		status(types.CommandInvocationStatusPending, -1, ""),
		status(types.CommandInvocationStatusInProgress, -1, ""),
		status(types.CommandInvocationStatusSuccess, 0, "line efs\n"),
	}}

	r := NewRunner(api, fastOptions(), testLogger())
	out, err := r.Run(context.Background(), "i-123", "cat /proc/mounts | grep nfs4")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if out != "line efs\n" {
		t.Errorf("Run() = %q, want %q", out, "line efs\n")
	}
	if api.calls != 4 {
		t.Errorf("GetCommandInvocation calls = %d, want 4", api.calls)
	}

	if got := aws.ToString(api.sent.DocumentName); got != DefaultDocument {
		t.Errorf("DocumentName = %q, want %q", got, DefaultDocument)
	}
	if !slices.Equal(api.sent.InstanceIds, []string{"i-123"}) {
		t.Errorf("InstanceIds = %v", api.sent.InstanceIds)
	}
	if !slices.Equal(api.sent.Parameters["commands"], []string{"cat /proc/mounts | grep nfs4"}) {
		t.Errorf("commands = %v", api.sent.Parameters["commands"])
	}
}

func TestRunner_Run_SendError(t *testing.T) {
	sendErr := errors.New("boom")
	api := &fakeSSM{sendErr: sendErr}

	r := NewRunner(api, fastOptions(), testLogger())
	_, err := r.Run(context.Background(), "i-123", "true")
	if !errors.Is(err, sendErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, sendErr)
	}
	if api.calls != 0 {
		t.Errorf("GetCommandInvocation calls = %d, want 0", api.calls)
	}
}

func TestRunner_Run_TerminalFailure(t *testing.T) {
	tests := []struct {
		name        string
		inv         invocation
		wantStatus  string
		wantNoMatch bool
	}{
		{
			name:        "grep without matches",
			inv:         status(types.CommandInvocationStatusFailed, 1, ""),
			wantStatus:  "Failed",
			wantNoMatch: true,
		},
		{
			name:       "script failure",
			inv:        status(types.CommandInvocationStatusFailed, 2, ""),
			wantStatus: "Failed",
		},
		{
			name:       "cancelled",
			inv:        status(types.CommandInvocationStatusCancelled, -1, ""),
			wantStatus: "Cancelled",
		},
		{
			name:       "timed out on the instance",
			inv:        status(types.CommandInvocationStatusTimedOut, -1, ""),
			wantStatus: "TimedOut",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeSSM{invocations: []invocation{tt.inv}}

			r := NewRunner(api, fastOptions(), testLogger())
			_, err := r.Run(context.Background(), "i-123", "true")

			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("Run() error = %v, want *CommandError", err)
			}
			if cmdErr.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", cmdErr.Status, tt.wantStatus)
			}
			if cmdErr.NoMatch() != tt.wantNoMatch {
				t.Errorf("NoMatch() = %v, want %v", cmdErr.NoMatch(), tt.wantNoMatch)
			}
		})
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	api := &fakeSSM{invocations: []invocation{
		status(types.CommandInvocationStatusInProgress, -1, ""),
	}}

	opts := fastOptions()
	opts.Timeout = 30 * time.Millisecond

	r := NewRunner(api, opts, testLogger())
	_, err := r.Run(context.Background(), "i-123", "true")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if api.calls < 2 {
		t.Errorf("GetCommandInvocation calls = %d, want at least 2", api.calls)
	}
}

func TestRunner_Run_CallerDeadline(t *testing.T) {
	api := &fakeSSM{invocations: []invocation{
		status(types.CommandInvocationStatusInProgress, -1, ""),
	}}

	opts := fastOptions()
	opts.Timeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r := NewRunner(api, opts, testLogger())
	_, err := r.Run(ctx, "i-123", "true")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	msg := err.Error()
	if strings.Contains(msg, opts.Timeout.String()) {
		t.Errorf("Run() error = %q, should not report the configured %s", msg, opts.Timeout)
	}
	if !strings.Contains(msg, "caller deadline") || !strings.Contains(msg, "InProgress") {
		t.Errorf("Run() error = %q, want caller deadline and last status", msg)
	}
}

func TestRunner_Run_InvocationError(t *testing.T) {
	apiErr := errors.New("access denied")
	api := &fakeSSM{invocations: []invocation{{err: apiErr}}}

	r := NewRunner(api, fastOptions(), testLogger())
	_, err := r.Run(context.Background(), "i-123", "true")
	if !errors.Is(err, apiErr) {
		t.Fatalf("Run() error = %v, want wrapping %v", err, apiErr)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("Run() error = %v, should not be ErrTimeout", err)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status types.CommandInvocationStatus
		want   bool
	}{
		{types.CommandInvocationStatusPending, false},
		{types.CommandInvocationStatusInProgress, false},
		{types.CommandInvocationStatusDelayed, false},
		{types.CommandInvocationStatusSuccess, true},
		{types.CommandInvocationStatusFailed, true},
		{types.CommandInvocationStatusCancelled, true},
		{types.CommandInvocationStatusCancelling, true},
		{types.CommandInvocationStatusTimedOut, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := IsTerminal(tt.status); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
