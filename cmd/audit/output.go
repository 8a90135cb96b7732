package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/fatih/color"

	"github.com/chrishm00/efs-compliance-checker/internal/agent"
	"github.com/chrishm00/efs-compliance-checker/internal/mounts"
)

var (
	compliantColor    = color.New(color.FgGreen, color.Bold).SprintFunc()
	nonCompliantColor = color.New(color.FgRed, color.Bold).SprintFunc()
	skippedColor      = color.New(color.FgYellow, color.Bold).SprintFunc()
	mutedColor        = color.New(color.FgHiBlack).SprintFunc()
	headerColor       = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func verdictLabel(r agent.Result) string {
	switch {
	case r.Err != nil && r.Err.Transient():
		return skippedColor("ERROR (retry)")
	case r.Err != nil:
		return skippedColor("ERROR")
	case r.Compliance == types.ComplianceTypeCompliant:
		return compliantColor("COMPLIANT")
	case r.Compliance == types.ComplianceTypeNonCompliant:
		return nonCompliantColor("NON_COMPLIANT")
	}
	return mutedColor(string(r.Compliance))
}

func printReport(w io.Writer, report *agent.SweepReport) {
	fmt.Fprintln(w, headerColor("EFS noresvport sweep"))

	for _, o := range report.Instances {
		fmt.Fprintf(w, "  %-20s %s\n", o.InstanceID, verdictLabel(o.Result))

		for _, line := range o.Result.NonCompliant {
			fmt.Fprintf(w, "      %s %s\n", nonCompliantColor("✗"), mountLine(line))
		}
		if o.Result.Err != nil {
			fmt.Fprintf(w, "      %s\n", mutedColor(o.Result.Annotation))
		} else if o.Result.EvidencePath != "" {
			fmt.Fprintf(w, "      evidence: %s\n", mutedColor(o.Result.EvidencePath))
		}
	}

	for _, e := range report.Events {
		label := nonCompliantColor(e.Type)
		if e.Type == agent.EventFixed {
			label = compliantColor(e.Type)
		}
		fmt.Fprintf(w, "  %-5s %s %s\n", label, e.InstanceID, e.MountPoint)
	}

	fmt.Fprintf(w, "\n  %s %d   %s %d   %s %d   %s %d\n",
		compliantColor("compliant"), report.Count(types.ComplianceTypeCompliant)-countFailed(report, types.ComplianceTypeCompliant),
		nonCompliantColor("non-compliant"), report.Count(types.ComplianceTypeNonCompliant)-countFailed(report, types.ComplianceTypeNonCompliant),
		mutedColor("not applicable"), report.Count(types.ComplianceTypeNotApplicable),
		skippedColor("errors"), report.Failed(),
	)
}

// mountLine shows where a mount lives and which options it carries, falling back to
// the raw line when it does not have the /proc/mounts shape.
func mountLine(line string) string {
	m := mounts.Parse(line)
	if m.MountPoint == "" || m.FSType == "" {
		return line
	}
	return fmt.Sprintf("%s %s %s %s", m.MountPoint, mutedColor(m.Device), m.FSType, mutedColor(strings.Join(m.Options, ",")))
}

func countFailed(report *agent.SweepReport, compliance types.ComplianceType) int {
	n := 0
	for _, o := range report.Instances {
		if o.Result.Err != nil && o.Result.Compliance == compliance {
			n++
		}
	}
	return n
}

func printLedger(w io.Writer, stats *agent.Stats) {
	fmt.Fprintf(w, "\n%s %d open, %d fixed\n", headerColor("ledger:"), stats.TotalOpen, stats.TotalFixed)

	ids := make([]string, 0, len(stats.OpenByInstance))
	for id := range stats.OpenByInstance {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %-20s %d open\n", id, stats.OpenByInstance[id])
	}
}
