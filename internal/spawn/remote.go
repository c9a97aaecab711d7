// ABOUTME: Remote spawner issuing exec requests over an agent channel.
// ABOUTME: Reassembles streamed stdout and stderr chunks in arrival order.

package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/quill/internal/channel"
	"github.com/2389/quill/internal/protocol"
)

const abandonTimeout = 5 * time.Second

// Remote runs commands on the agent's host.
type Remote struct {
	ch     *channel.Channel
	logger *slog.Logger
}

// NewRemote returns a spawner that executes through ch.
func NewRemote(ch *channel.Channel, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{ch: ch, logger: logger.With("component", "spawn")}
}

// Spawn sends an exec request and collects its output until the agent
// reports the exit code. Ending ctx abandons the request and asks the agent
// to cancel it.
func (r *Remote) Spawn(ctx context.Context, command string, args []string, dir string) (*Result, error) {
	stream, err := r.ch.RequestStreaming(ctx, protocol.MethodExec, protocol.NewExecParams(command, args, dir))
	if err != nil {
		return nil, &SpawnError{Kind: KindChannel, Err: err}
	}

	var stdout, stderr bytes.Buffer
	data := stream.Data
	for data != nil {
		select {
		case raw, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			if err := appendChunk(raw, &stdout, &stderr); err != nil {
				r.abandon(stream)
				return nil, &SpawnError{Kind: KindDecode, Err: err}
			}
		case <-ctx.Done():
			data = nil
		}
	}

	result, err := stream.Wait(ctx)
	if err != nil {
		var remoteErr *channel.RemoteError
		if errors.As(err, &remoteErr) {
			return nil, &SpawnError{Kind: KindProcess, Err: err}
		}
		return nil, &SpawnError{Kind: KindChannel, Err: err}
	}

	res := &Result{
		Stdout:   text(stdout.Bytes()),
		Stderr:   text(stderr.Bytes()),
		ExitCode: protocol.ParseExitCode(result),
	}
	r.logger.Debug("remote command finished",
		"cmd", command,
		"exit_code", res.ExitCode,
		"stdout_bytes", stdout.Len(),
		"stderr_bytes", stderr.Len(),
	)
	return res, nil
}

// abandon asks the agent to stop a command whose output is no longer
// wanted and drains the rest of its stream in the background.
func (r *Remote) abandon(stream *channel.Stream) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
		defer cancel()
		if err := r.ch.Cancel(ctx, stream.ID); err != nil {
			r.logger.Debug("cancel of abandoned exec failed", "request_id", stream.ID, "error", err)
		}
	}()
	go func() {
		for range stream.Data {
		}
	}()
}

func appendChunk(raw json.RawMessage, stdout, stderr *bytes.Buffer) error {
	var chunk protocol.ExecChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return fmt.Errorf("decoding exec chunk: %w", err)
	}
	if chunk.Out != "" {
		b, err := protocol.DecodeBase64(chunk.Out)
		if err != nil {
			return fmt.Errorf("stdout chunk: %w", err)
		}
		stdout.Write(b)
	}
	if chunk.Err != "" {
		b, err := protocol.DecodeBase64(chunk.Err)
		if err != nil {
			return fmt.Errorf("stderr chunk: %w", err)
		}
		stderr.Write(b)
	}
	return nil
}
