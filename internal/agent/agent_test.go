package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type stubSSM struct {
	sendErr error
	stdout  string
}

func (s *stubSSM) SendCommand(context.Context, *ssm.SendCommandInput, ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: aws.String("cmd-1")}}, nil
}

func (s *stubSSM) GetCommandInvocation(context.Context, *ssm.GetCommandInvocationInput, ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	return &ssm.GetCommandInvocationOutput{
		Status:                ssmtypes.CommandInvocationStatusSuccess,
		StandardOutputContent: aws.String(s.stdout),
	}, nil
}

type stubS3 struct {
	keys []string
}

func (s *stubS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.keys = append(s.keys, aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func testAgent(ssmAPI *stubSSM, s3API *stubS3, cfgAPI *fakeConfigService) *Agent {
	cfg := &Config{
		BucketName:     "evidence",
		PollMinDelay:   time.Millisecond,
		PollMaxDelay:   time.Millisecond,
		CommandTimeout: time.Second,
	}
	return NewWithClients(cfg, Clients{SSM: ssmAPI, S3: s3API, Config: cfgAPI}, discardLogger())
}

const runningEvent = `{
  "configurationItem": {
    "resourceType": "AWS::EC2::Instance",
    "resourceId": "i-0abc",
    "configurationItemCaptureTime": "2024-05-01T10:00:00.000Z",
    "configurationItemStatus": "OK",
    "configuration": {"instanceId": "i-0abc", "state": {"code": 16, "name": "running"}}
  },
  "messageType": "ConfigurationItemChangeNotification",
  "notificationCreationTime": "2024-05-01T10:00:01.000Z",
  "recordVersion": "1.3"
}`

func TestHandle_ReportsNonCompliant(t *testing.T) {
	ssmAPI := &stubSSM{stdout: "fs-1.efs.us-east-1.amazonaws.com:/ /mnt/efs nfs4 rw,vers=4.1 0 0\n"}
	s3API := &stubS3{}
	cfgAPI := &fakeConfigService{}
	a := testAgent(ssmAPI, s3API, cfgAPI)

	_, err := a.Handle(context.Background(), events.ConfigEvent{
		InvokingEvent:  runningEvent,
		ResultToken:    "token",
		ConfigRuleName: "efs-noresvport",
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(s3API.keys) != 1 || !strings.HasPrefix(s3API.keys[0], "i-0abc-") {
		t.Errorf("evidence keys = %v", s3API.keys)
	}
	if len(cfgAPI.puts) != 1 {
		t.Fatalf("PutEvaluations calls = %d, want 1", len(cfgAPI.puts))
	}
	ev := cfgAPI.puts[0].Evaluations[0]
	if ev.ComplianceType != types.ComplianceTypeNonCompliant {
		t.Errorf("ComplianceType = %s, want NON_COMPLIANT", ev.ComplianceType)
	}
	if !strings.Contains(aws.ToString(ev.Annotation), "s3://evidence/i-0abc-") {
		t.Errorf("Annotation = %q", aws.ToString(ev.Annotation))
	}
}

func TestHandle_EvaluationFailureStillReported(t *testing.T) {
	ssmAPI := &stubSSM{sendErr: errors.New("ssm unreachable")}
	s3API := &stubS3{}
	cfgAPI := &fakeConfigService{}
	a := testAgent(ssmAPI, s3API, cfgAPI)

	if _, err := a.Handle(context.Background(), events.ConfigEvent{InvokingEvent: runningEvent, ResultToken: "token"}); err != nil {
		t.Fatalf("Handle() error = %v, want nil", err)
	}

	if len(cfgAPI.puts) != 1 {
		t.Fatalf("PutEvaluations calls = %d, want 1", len(cfgAPI.puts))
	}
	ann := aws.ToString(cfgAPI.puts[0].Evaluations[0].Annotation)
	if !strings.Contains(ann, "i-0abc") || !strings.Contains(ann, "ssm unreachable") {
		t.Errorf("Annotation = %q", ann)
	}
	if len(s3API.keys) != 0 {
		t.Errorf("evidence written on failure: %v", s3API.keys)
	}
}

func TestHandle_ReportFailurePropagates(t *testing.T) {
	cfgAPI := &fakeConfigService{putErr: errors.New("throttled")}
	a := testAgent(&stubSSM{}, &stubS3{}, cfgAPI)

	_, err := a.Handle(context.Background(), events.ConfigEvent{InvokingEvent: runningEvent, ResultToken: "token"})
	if err == nil {
		t.Fatal("Handle() should return the PutEvaluations error")
	}
}

func TestHandle_BadEvent(t *testing.T) {
	tests := []struct {
		name  string
		event events.ConfigEvent
	}{
		{"no token", events.ConfigEvent{InvokingEvent: runningEvent}},
		{"empty invoking event", events.ConfigEvent{ResultToken: "t"}},
		{"not json", events.ConfigEvent{InvokingEvent: "{", ResultToken: "t"}},
		{"scheduled notification", events.ConfigEvent{InvokingEvent: `{"messageType":"ScheduledNotification"}`, ResultToken: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgAPI := &fakeConfigService{}
			a := testAgent(&stubSSM{}, &stubS3{}, cfgAPI)

			if _, err := a.Handle(context.Background(), tt.event); err == nil {
				t.Error("Handle() error = nil, want error")
			}
			if len(cfgAPI.puts) != 0 {
				t.Errorf("PutEvaluations calls = %d, want 0", len(cfgAPI.puts))
			}
		})
	}
}

func TestParseInvokingEvent(t *testing.T) {
	ci, err := ParseInvokingEvent(runningEvent)
	if err != nil {
		t.Fatalf("ParseInvokingEvent() error = %v", err)
	}
	if ci.ResourceType != ResourceTypeEC2Instance || ci.ResourceID != "i-0abc" {
		t.Errorf("item = %+v", ci)
	}
	if ci.StateName() != "running" {
		t.Errorf("StateName() = %q", ci.StateName())
	}
	ts, err := ci.OrderingTimestamp()
	if err != nil {
		t.Fatalf("OrderingTimestamp() error = %v", err)
	}
	if !ts.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("OrderingTimestamp() = %v", ts)
	}
}

func TestHandle_NumericOffsetCaptureTime(t *testing.T) {
	cfgAPI := &fakeConfigService{}
	a := testAgent(&stubSSM{}, &stubS3{}, cfgAPI)

	event := strings.Replace(runningEvent, "2024-05-01T10:00:00.000Z", "2024-05-01T10:00:00.000+0000", 1)
	if _, err := a.Handle(context.Background(), events.ConfigEvent{InvokingEvent: event, ResultToken: "token"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(cfgAPI.puts) != 1 {
		t.Fatalf("PutEvaluations calls = %d, want 1", len(cfgAPI.puts))
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := aws.ToTime(cfgAPI.puts[0].Evaluations[0].OrderingTimestamp); !got.Equal(want) {
		t.Errorf("OrderingTimestamp = %v, want %v", got, want)
	}
}

func TestOrderingTimestamp_Layouts(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		capture string
		want    time.Time
		wantErr bool
	}{
		{"RFC3339 Z", "2024-05-01T10:00:00Z", want, false},
		{"fractional Z", "2024-05-01T10:00:00.000Z", want, false},
		{"colon offset", "2024-05-01T12:00:00+02:00", want, false},
		{"numeric offset", "2024-05-01T10:00:00.000+0000", want, false},
		{"numeric offset no fraction", "2024-05-01T11:00:00+0100", want, false},
		{"hour offset", "2024-05-01T10:00:00+00", want, false},
		{"no offset is UTC", "2024-05-01T10:00:00", want, false},
		{"garbage", "yesterday", time.Time{}, true},
		{"empty", "", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ci := &ConfigurationItem{CaptureTime: tt.capture}
			got, err := ci.OrderingTimestamp()
			if (err != nil) != tt.wantErr {
				t.Fatalf("OrderingTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("OrderingTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigurationItem_Deleted(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"OK", false},
		{"ResourceDiscovered", false},
		{"", false},
		{StatusResourceDeleted, true},
		{StatusResourceDeletedNotRecorded, true},
	}

	for _, tt := range tests {
		ci := &ConfigurationItem{Status: tt.status}
		if got := ci.Deleted(); got != tt.want {
			t.Errorf("Deleted() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}
