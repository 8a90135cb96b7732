package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// ResourceTypeEC2Instance is the only resource type the rule applies to.
	ResourceTypeEC2Instance = "AWS::EC2::Instance"

	// StateRunning is the EC2 state name required for evaluation.
	StateRunning = "running"

	// Configuration item statuses of a resource that no longer exists.
	StatusResourceDeleted            = "ResourceDeleted"
	StatusResourceDeletedNotRecorded = "ResourceDeletedNotRecorded"
)

// captureTimeLayouts are the ISO-8601 forms accepted for configurationItemCaptureTime.
// Fractional seconds are accepted by every layout when parsing.
var captureTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
}

// ConfigurationItem is the part of an AWS Config configuration item the rule reads.
type ConfigurationItem struct {
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	CaptureTime  string         `json:"configurationItemCaptureTime"`
	Status       string         `json:"configurationItemStatus,omitempty"`
	Config       InstanceConfig `json:"configuration"`
}

// InstanceConfig is the subset of the EC2 instance configuration document used here.
type InstanceConfig struct {
	State struct {
		Name string `json:"name"`
	} `json:"state"`
}

// StateName returns the instance run state, e.g. "running" or "stopped".
func (ci *ConfigurationItem) StateName() string {
	return ci.Config.State.Name
}

// Deleted reports whether the item records the deletion of the resource.
func (ci *ConfigurationItem) Deleted() bool {
	return ci.Status == StatusResourceDeleted || ci.Status == StatusResourceDeletedNotRecorded
}

// OrderingTimestamp parses the capture time used to order evaluations.
// A time without an offset is taken as UTC.
func (ci *ConfigurationItem) OrderingTimestamp() (time.Time, error) {
	var firstErr error
	for _, layout := range captureTimeLayouts {
		t, err := time.Parse(layout, ci.CaptureTime)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("invalid configurationItemCaptureTime %q: %w", ci.CaptureTime, firstErr)
}

type invokingEvent struct {
	ConfigurationItem *ConfigurationItem `json:"configurationItem"`
	MessageType       string             `json:"messageType"`
}

// ParseInvokingEvent extracts the configuration item from the invokingEvent JSON string
// of a Config rule invocation.
func ParseInvokingEvent(raw string) (*ConfigurationItem, error) {
	if raw == "" {
		return nil, errors.New("invokingEvent is empty")
	}

	var ev invokingEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("parse invokingEvent: %w", err)
	}
	if ev.ConfigurationItem == nil {
		return nil, fmt.Errorf("invokingEvent (messageType %q) has no configurationItem", ev.MessageType)
	}
	if ev.ConfigurationItem.ResourceType == "" || ev.ConfigurationItem.ResourceID == "" {
		return nil, errors.New("configurationItem is missing resourceType or resourceId")
	}

	return ev.ConfigurationItem, nil
}
