// ABOUTME: File operations on the agent's host over an agent channel.
// ABOUTME: Reassembles streamed read and list chunks and checks sizes.

// Package remotefs exposes read, write, stat and directory listing on the
// remote host behind a small typed API.
package remotefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/quill/internal/channel"
	"github.com/2389/quill/internal/protocol"
)

// ErrIncompleteRead is returned when fewer bytes arrived than the agent
// reported sending, which happens when streamed chunks were dropped.
var ErrIncompleteRead = errors.New("incomplete read")

// FS performs file operations through an agent channel.
type FS struct {
	ch *channel.Channel
}

// New returns an FS backed by ch.
func New(ch *channel.Channel) *FS {
	return &FS{ch: ch}
}

// ReadFile returns the whole content of path.
func (f *FS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return f.read(ctx, protocol.NewReadParams(path, nil, nil))
}

// ReadRange returns up to length bytes of path starting at offset.
func (f *FS) ReadRange(ctx context.Context, path string, offset, length uint64) ([]byte, error) {
	return f.read(ctx, protocol.NewReadParams(path, protocol.Ptr(offset), protocol.Ptr(length)))
}

func (f *FS) read(ctx context.Context, params protocol.ReadParams) ([]byte, error) {
	stream, err := f.ch.RequestStreaming(ctx, protocol.MethodRead, params)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", params.Path, err)
	}

	var buf bytes.Buffer
	err = drain(ctx, stream, func(raw json.RawMessage) error {
		var chunk protocol.DataChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decoding read chunk: %w", err)
		}
		b, err := chunk.Bytes()
		if err != nil {
			return fmt.Errorf("decoding read chunk: %w", err)
		}
		buf.Write(b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", params.Path, err)
	}

	result, err := stream.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", params.Path, err)
	}
	var size protocol.SizeResult
	if err := json.Unmarshal(result, &size); err != nil {
		return nil, fmt.Errorf("reading %s: decoding result: %w", params.Path, err)
	}
	if size.Size != uint64(buf.Len()) {
		return nil, fmt.Errorf("reading %s: %w: got %d of %d bytes", params.Path, ErrIncompleteRead, buf.Len(), size.Size)
	}
	return buf.Bytes(), nil
}

// WriteFile replaces the content of path and returns the bytes written.
func (f *FS) WriteFile(ctx context.Context, path string, data []byte) (uint64, error) {
	result, err := f.ch.Request(ctx, protocol.MethodWrite, protocol.NewWriteParams(path, data))
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	var size protocol.SizeResult
	if err := json.Unmarshal(result, &size); err != nil {
		return 0, fmt.Errorf("writing %s: decoding result: %w", path, err)
	}
	return size.Size, nil
}

// Stat returns metadata for path, following a final symlink.
func (f *FS) Stat(ctx context.Context, path string) (*protocol.Metadata, error) {
	return f.stat(ctx, path, true)
}

// Lstat returns metadata for path itself when it is a symlink.
func (f *FS) Lstat(ctx context.Context, path string) (*protocol.Metadata, error) {
	return f.stat(ctx, path, false)
}

func (f *FS) stat(ctx context.Context, path string, follow bool) (*protocol.Metadata, error) {
	result, err := f.ch.Request(ctx, protocol.MethodStat, protocol.NewStatParams(path, follow))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	var meta protocol.Metadata
	if err := json.Unmarshal(result, &meta); err != nil {
		return nil, fmt.Errorf("stat %s: decoding result: %w", path, err)
	}
	return &meta, nil
}

// ReadDir lists the entries of path in the order the agent sent them.
func (f *FS) ReadDir(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	stream, err := f.ch.RequestStreaming(ctx, protocol.MethodList, protocol.NewListParams(path))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	var entries []protocol.DirEntry
	err = drain(ctx, stream, func(raw json.RawMessage) error {
		var chunk protocol.ListChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return fmt.Errorf("decoding list chunk: %w", err)
		}
		entries = append(entries, chunk.Entries...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	result, err := stream.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	var count protocol.CountResult
	if err := json.Unmarshal(result, &count); err != nil {
		return nil, fmt.Errorf("listing %s: decoding result: %w", path, err)
	}
	if count.Count != len(entries) {
		return nil, fmt.Errorf("listing %s: %w: got %d of %d entries", path, ErrIncompleteRead, len(entries), count.Count)
	}
	return entries, nil
}

// drain hands every streamed chunk to fn until the stream completes or ctx
// ends. Stream.Wait reports the latter.
func drain(ctx context.Context, stream *channel.Stream, fn func(json.RawMessage) error) error {
	for {
		select {
		case raw, ok := <-stream.Data:
			if !ok {
				return nil
			}
			if err := fn(raw); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
