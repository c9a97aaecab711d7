// ABOUTME: Agent request loop: announces readiness, dispatches requests and writes replies.
// ABOUTME: Each request runs in its own goroutine so cancel can interrupt it.

package agentd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/2389/quill/internal/protocol"
)

const (
	defaultChunkSize = 64 * 1024
	defaultListBatch = 256
)

// errCancelled is reported for requests interrupted by a cancel request.
var errCancelled = errors.New("cancelled")

// Options configures Serve. The zero value serves the current protocol
// version with default chunking.
type Options struct {
	Logger *slog.Logger

	// Version is announced in the ready line. Zero means protocol.Version.
	Version uint32

	// ChunkSize bounds the bytes carried in a single read chunk.
	ChunkSize int

	// ListBatch bounds the entries carried in a single ls chunk.
	ListBatch int
}

type incoming struct {
	ID     uint64          `json:"id"`
	Method string          `json:"m"`
	Params json.RawMessage `json:"params"`
}

type reply struct {
	ID     uint64  `json:"id"`
	Data   any     `json:"d,omitempty"`
	Result any     `json:"r,omitempty"`
	Error  *string `json:"e,omitempty"`
}

// handler runs one request. emit sends a streaming chunk; the returned
// value becomes the terminal result.
type handler func(ctx context.Context, params json.RawMessage, emit func(any) error) (any, error)

type server struct {
	opts     Options
	logger   *slog.Logger
	handlers map[string]handler

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

// Serve announces readiness on w and answers requests read from r until r
// reaches end of input or ctx is cancelled. Requests still running when
// input ends are cancelled and waited for.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == 0 {
		opts.Version = protocol.Version
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ListBatch <= 0 {
		opts.ListBatch = defaultListBatch
	}

	s := &server{
		opts:    opts,
		logger:  opts.Logger.With("component", "agentd"),
		w:       w,
		running: make(map[uint64]context.CancelFunc),
	}
	s.handlers = map[string]handler{
		protocol.MethodRead:  s.handleRead,
		protocol.MethodWrite: handleWrite,
		protocol.MethodStat:  handleStat,
		protocol.MethodList:  s.handleList,
		protocol.MethodExec:  s.handleExec,
	}

	ctx, cancelAll := context.WithCancel(ctx)
	defer func() {
		cancelAll()
		s.wg.Wait()
	}()

	if err := s.writeRaw(protocol.ReadyLine(opts.Version)); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}
	s.logger.Debug("agent ready", "version", opts.Version)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, err := br.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case line := <-lines:
			s.dispatch(ctx, line)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.logger.Debug("input closed, shutting down")
				return nil
			}
			return fmt.Errorf("reading requests: %w", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *server) dispatch(ctx context.Context, line []byte) {
	var req incoming
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("ignoring malformed request", "error", err)
		return
	}

	if req.Method == protocol.MethodCancel {
		s.handleCancel(req)
		return
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		s.sendError(req.ID, fmt.Errorf("unknown method %q", req.Method))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[req.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, req.ID)
			s.mu.Unlock()
			cancel()
		}()

		emit := func(chunk any) error {
			if reqCtx.Err() != nil {
				return errCancelled
			}
			return s.write(reply{ID: req.ID, Data: chunk})
		}

		result, err := h(reqCtx, req.Params, emit)
		if err != nil && reqCtx.Err() != nil {
			err = errCancelled
		}
		if err != nil {
			s.sendError(req.ID, err)
			return
		}
		if result == nil {
			result = struct{}{}
		}
		if err := s.write(reply{ID: req.ID, Result: result}); err != nil {
			s.logger.Warn("writing result failed", "request_id", req.ID, "error", err)
		}
	}()
}

// handleCancel interrupts a running request. The target answers its own
// request with a cancelled error; the cancel request itself always succeeds.
func (s *server) handleCancel(req incoming) {
	var params protocol.CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, fmt.Errorf("invalid cancel params: %w", err))
		return
	}

	s.mu.Lock()
	cancel, ok := s.running[params.ID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	s.logger.Debug("cancel requested", "target_id", params.ID, "running", ok)

	if err := s.write(reply{ID: req.ID, Result: struct{}{}}); err != nil {
		s.logger.Warn("writing cancel result failed", "request_id", req.ID, "error", err)
	}
}

func (s *server) sendError(id uint64, err error) {
	msg := err.Error()
	if werr := s.write(reply{ID: id, Error: &msg}); werr != nil {
		s.logger.Warn("writing error failed", "request_id", id, "error", werr)
	}
}

func (s *server) write(r reply) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reply %d: %w", r.ID, err)
	}
	return s.writeRaw(append(line, '\n'))
}

func (s *server) writeRaw(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.w.Write(line)
	return err
}

// DiscardBootstrap consumes a length-prefixed bootstrap payload ("<len>\n"
// followed by len bytes) so Serve can run on the remaining input.
func DiscardBootstrap(r *bufio.Reader) error {
	header, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading payload length: %w", err)
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace([]byte(header))))
	if err != nil || n < 0 {
		return fmt.Errorf("invalid payload length %q", header)
	}
	if _, err := r.Discard(n); err != nil {
		return fmt.Errorf("discarding payload: %w", err)
	}
	return nil
}
