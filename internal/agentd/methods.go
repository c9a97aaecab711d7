// ABOUTME: File system and process handlers for the agent methods.
// ABOUTME: Binary content travels base64-encoded in chunks and parameters.

package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/2389/quill/internal/protocol"
)

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *server) handleRead(ctx context.Context, raw json.RawMessage, emit func(any) error) (any, error) {
	var params protocol.ReadParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	f, err := os.Open(params.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if params.Offset != nil {
		if _, err := f.Seek(int64(*params.Offset), io.SeekStart); err != nil {
			return nil, err
		}
	}
	var r io.Reader = f
	if params.Length != nil {
		r = io.LimitReader(f, int64(*params.Length))
	}

	var total uint64
	buf := make([]byte, s.opts.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, errCancelled
		}
		n, err := r.Read(buf)
		if n > 0 {
			total += uint64(n)
			if err := emit(protocol.DataChunk{Data: protocol.EncodeBase64(buf[:n])}); err != nil {
				return nil, err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return protocol.SizeResult{Size: total}, nil
}

func handleWrite(_ context.Context, raw json.RawMessage, _ func(any) error) (any, error) {
	var params protocol.WriteParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	data, err := protocol.DecodeBase64(params.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if err := os.WriteFile(params.Path, data, 0o644); err != nil {
		return nil, err
	}
	return protocol.SizeResult{Size: uint64(len(data))}, nil
}

func handleStat(_ context.Context, raw json.RawMessage, _ func(any) error) (any, error) {
	var params protocol.StatParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	var (
		info os.FileInfo
		err  error
	)
	if params.Follow {
		info, err = os.Stat(params.Path)
	} else {
		info, err = os.Lstat(params.Path)
	}
	if err != nil {
		return nil, err
	}
	return metadataFor(params.Path, info), nil
}

func (s *server) handleList(ctx context.Context, raw json.RawMessage, emit func(any) error) (any, error) {
	var params protocol.ListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(params.Path)
	if err != nil {
		return nil, err
	}

	count := 0
	batch := make([]protocol.DirEntry, 0, s.opts.ListBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := emit(protocol.ListChunk{Entries: batch})
		batch = make([]protocol.DirEntry, 0, s.opts.ListBatch)
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errCancelled
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		full := filepath.Join(params.Path, entry.Name())
		meta := metadataFor(full, info)
		batch = append(batch, protocol.DirEntry{
			Name:      entry.Name(),
			Path:      full,
			IsDir:     meta.IsDir,
			IsFile:    meta.IsFile,
			IsSymlink: meta.IsSymlink,
			LinkDir:   meta.LinkDir,
			Size:      meta.Size,
			Mtime:     meta.Mtime,
			Mode:      meta.Mode,
		})
		count++
		if len(batch) == s.opts.ListBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return protocol.CountResult{Count: count}, nil
}

func (s *server) handleExec(ctx context.Context, raw json.RawMessage, emit func(any) error) (any, error) {
	var params protocol.ExecParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, errors.New("missing command")
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Dir = params.Cwd
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, s.opts.ChunkSize, func(b []byte) error {
			return emit(protocol.ExecChunk{Out: protocol.EncodeBase64(b)})
		})
	})
	g.Go(func() error {
		return pump(stderr, s.opts.ChunkSize, func(b []byte) error {
			return emit(protocol.ExecChunk{Err: protocol.EncodeBase64(b)})
		})
	})
	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, errCancelled
	}
	if pumpErr != nil {
		s.logger.Debug("exec output pump failed", "cmd", params.Command, "error", pumpErr)
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, waitErr
		}
		code = exitErr.ExitCode()
	}
	return protocol.ExecResult{Code: int32(code)}, nil
}

// pump forwards everything read from r to send in chunks of at most size
// bytes. It keeps draining after a send failure so the process never blocks
// on a full pipe.
func pump(r io.Reader, size int, send func([]byte) error) error {
	buf := make([]byte, size)
	var sendErr error
	for {
		n, err := r.Read(buf)
		if n > 0 && sendErr == nil {
			sendErr = send(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return sendErr
		}
		if err != nil {
			return err
		}
	}
}

func metadataFor(path string, info os.FileInfo) protocol.Metadata {
	mode := info.Mode()
	meta := protocol.Metadata{
		Size:      uint64(info.Size()),
		Mtime:     info.ModTime().Unix(),
		Mode:      uint32(mode.Perm()),
		IsDir:     mode.IsDir(),
		IsFile:    mode.IsRegular(),
		IsSymlink: mode&os.ModeSymlink != 0,
	}
	if meta.IsSymlink {
		if target, err := os.Stat(path); err == nil {
			meta.LinkDir = target.IsDir()
		}
	}
	fillOwner(&meta, info)
	return meta
}
