package mounts

import "strings"

const (
	// EFSMarker identifies EFS mount lines. The match is a case-sensitive substring check.
	EFSMarker = "efs"

	// NoResvPortOption must be present on every EFS mount line.
	NoResvPortOption = "noresvport"

	// ListCommand lists NFSv4 entries of the mount table on the instance.
	ListCommand = "cat /proc/mounts | grep nfs4"
)

// Mount is one line of /proc/mounts output.
type Mount struct {
	// Raw is the untouched line. Classification only ever looks at Raw.
	Raw string

	// Best-effort fields from "device mountpoint fstype options dump pass"
	Device     string
	MountPoint string
	FSType     string
	Options    []string
}

// Parse builds a Mount from a raw line. Missing fields are left empty.
func Parse(line string) Mount {
	m := Mount{Raw: line}

	fields := strings.Fields(line)
	if len(fields) > 0 {
		m.Device = fields[0]
	}
	if len(fields) > 1 {
		m.MountPoint = fields[1]
	}
	if len(fields) > 2 {
		m.FSType = fields[2]
	}
	if len(fields) > 3 {
		m.Options = strings.Split(strings.Trim(fields[3], "()"), ",")
	}

	return m
}

// IsEFS reports whether the line looks like an EFS mount.
func (m Mount) IsEFS() bool {
	return strings.Contains(m.Raw, EFSMarker)
}

// Compliant reports whether the line carries the noresvport option.
func (m Mount) Compliant() bool {
	return strings.Contains(m.Raw, NoResvPortOption)
}

// EFSMounts splits command output into lines and keeps the EFS ones, in order.
func EFSMounts(output string) []Mount {
	var result []Mount
	for _, line := range splitLines(output) {
		m := Parse(line)
		if m.IsEFS() {
			result = append(result, m)
		}
	}
	return result
}

// Partition separates EFS mounts into compliant and non-compliant raw lines.
// Both slices are non-nil so they serialize as empty JSON arrays.
func Partition(efs []Mount) (compliant, nonCompliant []string) {
	compliant = []string{}
	nonCompliant = []string{}
	for _, m := range efs {
		if m.Compliant() {
			compliant = append(compliant, m.Raw)
		} else {
			nonCompliant = append(nonCompliant, m.Raw)
		}
	}
	return compliant, nonCompliant
}

// splitLines follows the usual universal-newline rules: \n, \r\n and \r all end a line,
// and a trailing terminator does not produce an empty final line.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
