package agent

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/configservice/types"

	"github.com/chrishm00/efs-compliance-checker/internal/mounts"
)

// Event types
const (
	EventNew   = "NEW"
	EventFixed = "FIXED"
)

// MountEvent represents a change in the state of a non-compliant mount.
type MountEvent struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"` // NEW, FIXED
	InstanceID   string     `json:"instanceId"`
	Mount        string     `json:"mount"`
	Device       string     `json:"device,omitempty"`
	MountPoint   string     `json:"mountPoint,omitempty"`
	FSType       string     `json:"fsType,omitempty"`
	Options      []string   `json:"options,omitempty"`
	EvidencePath string     `json:"evidencePath,omitempty"`
	FirstSeen    time.Time  `json:"firstSeen"`
	FixedAt      *time.Time `json:"fixedAt,omitempty"`
}

// InstanceOutcome is the result of one instance in a sweep.
type InstanceOutcome struct {
	InstanceID string
	Result     Result
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Instances []InstanceOutcome
	Events    []MountEvent
}

// Count returns how many instances ended with the given verdict.
func (r *SweepReport) Count(compliance types.ComplianceType) int {
	n := 0
	for _, o := range r.Instances {
		if o.Result.Compliance == compliance {
			n++
		}
	}
	return n
}

// Failed returns how many instances could not be evaluated.
func (r *SweepReport) Failed() int {
	n := 0
	for _, o := range r.Instances {
		if o.Result.Err != nil {
			n++
		}
	}
	return n
}

// Sweeper evaluates a set of instances outside of a Config rule run and tracks
// non-compliant mounts in the ledger.
type Sweeper struct {
	reporter  *Reporter
	evaluator *Evaluator
	db        *DB
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(reporter *Reporter, evaluator *Evaluator, db *DB, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		reporter:  reporter,
		evaluator: evaluator,
		db:        db,
		logger:    logger,
	}
}

// Sweep evaluates the instances one after another and returns the outcome of each
// together with the ledger changes it caused.
func (s *Sweeper) Sweep(ctx context.Context, instanceIDs []string) (*SweepReport, error) {
	s.logger.Info("starting sweep", "instances", len(instanceIDs))

	lookups, err := s.reporter.LookupInstances(ctx, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up instances: %w", err)
	}

	report := &SweepReport{}
	for _, l := range lookups {
		outcome := InstanceOutcome{InstanceID: l.InstanceID}

		if l.Err != nil {
			evalErr := newEvaluationError(l.InstanceID, l.Err)
			outcome.Result = Result{
				Compliance: types.ComplianceTypeNonCompliant,
				Annotation: fmt.Sprintf("Error checking the instance %s (%s): %v", l.InstanceID, evalErr.Kind, l.Err),
				Err:        evalErr,
			}
			s.logger.Warn("instance skipped", "instance_id", l.InstanceID, "kind", evalErr.Kind, "error", l.Err)
			report.Instances = append(report.Instances, outcome)
			continue
		}

		outcome.Result = s.evaluator.Evaluate(ctx, l.Item)
		report.Instances = append(report.Instances, outcome)

		events, err := s.track(ctx, l.Item, outcome.Result)
		if err != nil {
			s.logger.Error("failed to update ledger", "instance_id", l.InstanceID, "error", err)
			continue
		}
		report.Events = append(report.Events, events...)
	}

	s.logger.Info("sweep complete",
		"compliant", report.Count(types.ComplianceTypeCompliant),
		"non_compliant", report.Count(types.ComplianceTypeNonCompliant),
		"not_applicable", report.Count(types.ComplianceTypeNotApplicable),
		"failed", report.Failed(),
		"new", countByType(report.Events, EventNew),
		"fixed", countByType(report.Events, EventFixed),
	)

	return report, nil
}

// track records the mounts of a confirmed verdict. Failed or inapplicable evaluations
// leave the ledger untouched: an instance that could not be inspected proves nothing.
// A deleted instance closes every mount still open for it.
func (s *Sweeper) track(ctx context.Context, ci *ConfigurationItem, result Result) ([]MountEvent, error) {
	instanceID := ci.ResourceID

	if ci.Deleted() {
		return s.markFixed(ctx, instanceID, nil)
	}
	if result.Err != nil || result.Compliance == types.ComplianceTypeNotApplicable {
		return nil, nil
	}

	var events []MountEvent
	currentIDs := make([]string, 0, len(result.NonCompliant))

	for _, line := range result.NonCompliant {
		record := mountToRecord(instanceID, line, result.EvidencePath)
		currentIDs = append(currentIDs, record.ID)

		isNew, err := s.db.UpsertMount(ctx, record)
		if err != nil {
			return events, fmt.Errorf("upsert mount %s: %w", record.ID, err)
		}
		if isNew {
			record.FirstSeen = time.Now()
			events = append(events, recordToEvent(*record))
		}
	}

	fixed, err := s.markFixed(ctx, instanceID, currentIDs)
	return append(events, fixed...), err
}

func (s *Sweeper) markFixed(ctx context.Context, instanceID string, currentIDs []string) ([]MountEvent, error) {
	fixed, err := s.db.MarkFixed(ctx, instanceID, currentIDs)
	if err != nil {
		return nil, fmt.Errorf("mark fixed: %w", err)
	}

	events := make([]MountEvent, 0, len(fixed))
	for _, m := range fixed {
		events = append(events, recordToEvent(m))
	}
	return events, nil
}

// Deliver sends every undelivered ledger change through the notifier and marks the
// delivered ones. Undelivered changes are picked up again by the next call.
func (s *Sweeper) Deliver(ctx context.Context, notifier *Notifier) (*DeliveryResult, error) {
	pending, err := s.db.GetUnnotifiedMounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get undelivered mounts: %w", err)
	}
	if len(pending) == 0 {
		return &DeliveryResult{}, nil
	}

	events := make([]MountEvent, 0, len(pending))
	for _, m := range pending {
		events = append(events, recordToEvent(m))
	}

	result := notifier.Send(ctx, events)
	if len(result.DeliveredIDs) > 0 {
		if err := s.db.MarkNotified(ctx, result.DeliveredIDs); err != nil {
			return result, fmt.Errorf("failed to mark events as delivered: %w", err)
		}
	}

	return result, nil
}

func mountToRecord(instanceID, line, evidencePath string) *MountRecord {
	// Same line on the same instance is the same mount across sweeps
	idHash := sha256.Sum256([]byte(instanceID + "\x00" + line))

	return &MountRecord{
		ID:           fmt.Sprintf("%x", idHash[:8]),
		InstanceID:   instanceID,
		Mount:        line,
		MountPoint:   mounts.Parse(line).MountPoint,
		EvidencePath: evidencePath,
		State:        StateOpen,
	}
}

func recordToEvent(m MountRecord) MountEvent {
	eventType := EventNew
	if m.State == StateFixed {
		eventType = EventFixed
	}
	parsed := mounts.Parse(m.Mount)
	return MountEvent{
		ID:           m.ID,
		Type:         eventType,
		InstanceID:   m.InstanceID,
		Mount:        m.Mount,
		Device:       parsed.Device,
		MountPoint:   m.MountPoint,
		FSType:       parsed.FSType,
		Options:      parsed.Options,
		EvidencePath: m.EvidencePath,
		FirstSeen:    m.FirstSeen,
		FixedAt:      m.FixedAt,
	}
}

func countByType(events []MountEvent, eventType string) int {
	count := 0
	for _, e := range events {
		if e.Type == eventType {
			count++
		}
	}
	return count
}
