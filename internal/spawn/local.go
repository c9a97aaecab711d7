// ABOUTME: Local spawner running commands as child processes of this program.
// ABOUTME: Captures stdout, stderr and the exit code of each run.

package spawn

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Local runs commands as child processes of the current program.
type Local struct{}

// NewLocal returns a spawner for the current host.
func NewLocal() *Local {
	return &Local{}
}

// Spawn runs command and waits for it. A process killed by a signal reports
// exit code -1; one killed because ctx ended returns a SpawnError.
func (l *Local) Spawn(ctx context.Context, command string, args []string, dir string) (*Result, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &SpawnError{Kind: KindProcess, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, &SpawnError{Kind: KindProcess, Err: err}
	}

	return &Result{
		Stdout:   text(stdout.Bytes()),
		Stderr:   text(stderr.Bytes()),
		ExitCode: int32(cmd.ProcessState.ExitCode()),
	}, nil
}
