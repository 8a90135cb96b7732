package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is returned when a command does not reach a terminal status in time.
var ErrTimeout = errors.New("command did not finish before deadline")

// CommandError describes an invocation that finished with a non-Success status.
type CommandError struct {
	CommandID    string
	Status       string
	ResponseCode int32
	Stdout       string
	Stderr       string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s finished with status %s (exit code %d)", e.CommandID, e.Status, e.ResponseCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// NoMatch reports whether the invocation is a grep that found nothing: exit code 1
// with empty output and no diagnostics.
func (e *CommandError) NoMatch() bool {
	return e.Status == "Failed" &&
		e.ResponseCode == 1 &&
		strings.TrimSpace(e.Stdout) == "" &&
		strings.TrimSpace(e.Stderr) == ""
}
