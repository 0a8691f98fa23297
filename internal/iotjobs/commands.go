package iotjobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job execution statuses reported on the jobs topics.
const (
	StatusQueued     = "QUEUED"
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
	StatusCanceled   = "CANCELED"
)

var nowMillis = func() int64 { return time.Now().UnixMilli() }

// CommandFunc executes one device command and returns its output.
type CommandFunc func() (string, error)

// Registry holds the commands the device will execute for remote jobs.
type Registry struct {
	commands map[string]CommandFunc
}

// NewRegistry builds a Registry with the built-in commands. version is the
// running agent version reported by the "version" command.
func NewRegistry(version string) *Registry {
	r := &Registry{commands: make(map[string]CommandFunc)}
	r.Register("version", func() (string, error) { return version, nil })
	return r
}

// Register adds or replaces a command.
func (r *Registry) Register(name string, fn CommandFunc) {
	r.commands[name] = fn
}

// Execute runs cmd and returns the job status plus the status details for
// the job update. A command fails when it returns an error or when its
// output contains "error" in any casing.
func (r *Registry) Execute(cmd, thingName string) (string, map[string]string) {
	var output string
	fn, ok := r.commands[cmd]
	switch {
	case !ok:
		output = fmt.Sprintf("Error! Command %q not recognized.", cmd)
	default:
		out, err := fn()
		if err != nil {
			output = fmt.Sprintf("Error! %v", err)
		} else {
			output = out
		}
	}

	status := StatusSucceeded
	if strings.Contains(strings.ToLower(output), "error") {
		status = StatusFailed
	}
	details := map[string]string{
		"handledBy":   thingName,
		"handledTime": strconv.FormatInt(nowMillis(), 10),
		"output":      output,
	}
	return status, details
}
