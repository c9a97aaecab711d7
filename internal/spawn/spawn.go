// ABOUTME: Process spawning contract shared by the local and remote implementations.
// ABOUTME: Results carry captured output as text and the exit code.

// Package spawn runs commands either on this host or through an agent
// channel, behind one interface so callers need not care which.
package spawn

import (
	"context"
	"fmt"
	"strings"
)

// Spawner runs a command to completion and captures its output. An empty
// dir uses the spawner's default working directory.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, dir string) (*Result, error)
}

// Result is the outcome of a finished command. ExitCode is -1 when the
// process did not exit normally.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int32
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// ErrorKind classifies a SpawnError.
type ErrorKind int

const (
	// KindChannel is a failure of the agent channel itself.
	KindChannel ErrorKind = iota
	// KindProcess is a failure reported for the process, locally or by the agent.
	KindProcess
	// KindDecode is streamed output that could not be decoded.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindProcess:
		return "process"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// SpawnError wraps the cause of a failed spawn.
type SpawnError struct {
	Kind ErrorKind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn: %s error: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// text converts captured bytes to a string, replacing invalid UTF-8.
func text(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
