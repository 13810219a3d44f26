package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSinkClosed is returned when the event consumer failed mid-run and the
// child process was killed because of it.
var ErrSinkClosed = errors.New("output consumer closed")

// SpawnError means the external tool could not be started at all, as
// opposed to starting and exiting non-zero.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Arg is a single process argument. Secret arguments are passed to the child
// unchanged but rendered as *** anywhere they are displayed.
type Arg struct {
	Value  string
	Secret bool
}

// Args wraps plain values.
func Args(values ...string) []Arg {
	out := make([]Arg, len(values))
	for i, v := range values {
		out[i] = Arg{Value: v}
	}
	return out
}

// Command describes one external invocation.
type Command struct {
	// Step names the invocation in events and logs ("build", "deploy", ...).
	Step    string
	Name    string
	Args    []Arg
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Command) argv() []string {
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = a.Value
	}
	return out
}

// String renders the command line with secrets redacted.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a.Secret {
			parts = append(parts, "***")
			continue
		}
		parts = append(parts, a.Value)
	}
	return strings.Join(parts, " ")
}

// Outcome reports how a command finished.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}
