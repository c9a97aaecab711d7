// ABOUTME: SSH connection lifecycle: spawn the transport, bootstrap the agent, hand off to a channel.
// ABOUTME: Handshake failures kill the subprocess and leave nothing running.

package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/quill/internal/channel"
	"github.com/2389/quill/internal/protocol"
)

const (
	defaultProgram          = "ssh"
	defaultHandshakeTimeout = 30 * time.Second

	// exitGrace bounds how long we wait for the process to be reaped after
	// a failed handshake so its stderr can be reported.
	exitGrace = 2 * time.Second
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Options configures how Connect launches and bootstraps the transport.
type Options struct {
	Logger *slog.Logger

	// Program is the transport executable. Defaults to "ssh".
	Program string

	// ProgramArgs are placed before the generated ssh arguments.
	ProgramArgs []string

	// ExtraArgs are passed to ssh after the standard flags.
	ExtraArgs []string

	// Env is appended to the current environment for the transport.
	Env []string

	// Script replaces the embedded agent script.
	Script []byte

	// ExpectedVersion is the protocol version the agent must announce.
	// Zero means protocol.Version.
	ExpectedVersion uint32

	// HandshakeTimeout bounds the wait for the ready line. Zero means 30s.
	HandshakeTimeout time.Duration

	Channel channel.Options
}

// Connection is an established agent session over a transport subprocess.
type Connection struct {
	id      string
	params  ConnectionParams
	logger  *slog.Logger
	version uint32

	cmd      *exec.Cmd
	channel  *channel.Channel
	stderr   *tailBuffer
	exited   chan struct{}
	exitErr  error
	state    atomic.Int32
	closeErr error
	once     sync.Once
}

// readCloser keeps the handshake reader's buffered bytes while closing the
// underlying pipe.
type readCloser struct {
	*bufio.Reader
	io.Closer
}

// Connect launches the transport for params, sends the agent script and
// waits for a ready line announcing the expected protocol version. It either
// returns a connected value or an error with the subprocess already killed.
func Connect(ctx context.Context, params ConnectionParams, opts Options) (*Connection, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Program == "" {
		opts.Program = defaultProgram
	}
	if opts.ExpectedVersion == 0 {
		opts.ExpectedVersion = protocol.Version
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	script := opts.Script
	if script == nil {
		script = agentScript
	}

	id := uuid.New().String()
	logger := opts.Logger.With("component", "remote", "connection_id", id, "target", params.String())

	if params.IdentityFile != "" {
		identity, err := LoadIdentity(params.IdentityFile)
		if err != nil {
			return nil, err
		}
		if identity.ParseError != nil {
			logger.Debug("identity not readable locally, passing it to the transport", "error", identity.ParseError, "fingerprint", identity.Fingerprint)
		} else {
			logger.Debug("using identity", "fingerprint", identity.Fingerprint, "encrypted", identity.Encrypted)
		}
	}

	args := append([]string(nil), opts.ProgramArgs...)
	args = append(args, params.SSHArgs(opts.ExtraArgs, bootstrapCommand)...)
	cmd := exec.Command(opts.Program, args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.WaitDelay = exitGrace

	c := &Connection{
		id:     id,
		params: params,
		logger: logger,
		cmd:    cmd,
		stderr: newTailBuffer(stderrTailSize),
		exited: make(chan struct{}),
	}
	cmd.Stderr = c.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	// A plain pipe for stdout so Wait never closes it under the read loop.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	cmd.Stdout = stdoutW

	c.state.Store(int32(StateHandshaking))
	logger.Debug("spawning transport", "program", opts.Program)
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, opts.Program, err)
	}
	stdoutW.Close()

	go func() {
		c.exitErr = cmd.Wait()
		close(c.exited)
	}()

	reader := bufio.NewReaderSize(stdoutR, 64*1024)
	version, err := c.handshake(ctx, stdin, reader, script, opts)
	if err != nil {
		c.abort(stdin, stdoutR)
		c.state.Store(int32(StateDisconnected))
		logger.Warn("handshake failed", "error", err)
		return nil, err
	}

	chOpts := opts.Channel
	if chOpts.Logger == nil {
		chOpts.Logger = logger
	}
	c.version = version
	c.channel = channel.New(readCloser{Reader: reader, Closer: stdoutR}, stdin, chOpts)
	c.state.Store(int32(StateConnected))
	logger.Info("connected to agent", "protocol_version", version)
	return c, nil
}

type handshakeResult struct {
	version uint32
	err     error
}

// handshake writes the framed script and reads the ready line.
func (c *Connection) handshake(ctx context.Context, stdin io.Writer, r *bufio.Reader, script []byte, opts Options) (uint32, error) {
	done := make(chan handshakeResult, 1)
	go func() {
		if _, err := stdin.Write(framePayload(script)); err != nil {
			done <- handshakeResult{err: fmt.Errorf("writing agent payload: %w", err)}
			return
		}
		line, err := r.ReadBytes('\n')
		if err != nil {
			done <- handshakeResult{err: fmt.Errorf("reading ready line: %w", err)}
			return
		}
		ready, err := protocol.ParseResponse(line)
		if err != nil {
			done <- handshakeResult{err: fmt.Errorf("invalid ready line %q: %w", strings.TrimSpace(string(line)), err)}
			return
		}
		if !ready.IsReady() {
			done <- handshakeResult{err: fmt.Errorf("expected ready line, got %s response for id %d", ready.Kind(), ready.ID)}
			return
		}
		done <- handshakeResult{version: *ready.Version}
	}()

	timer := time.NewTimer(opts.HandshakeTimeout)
	defer timer.Stop()

	var res handshakeResult
	select {
	case res = <-done:
	case <-timer.C:
		return 0, fmt.Errorf("%w: no ready line within %s", ErrAgentStartFailed, opts.HandshakeTimeout)
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrAgentStartFailed, ctx.Err())
	}

	if res.err != nil {
		return 0, c.startFailure(res.err)
	}
	if res.version != opts.ExpectedVersion {
		return 0, &VersionMismatchError{Expected: opts.ExpectedVersion, Got: res.version}
	}
	return res.version, nil
}

// startFailure classifies a handshake error using what the transport wrote
// to stderr before exiting.
func (c *Connection) startFailure(cause error) error {
	select {
	case <-c.exited:
	case <-time.After(exitGrace):
	}

	tail := c.stderr.String()
	if strings.Contains(tail, "Permission denied") {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, tail)
	}
	if tail != "" {
		return fmt.Errorf("%w: %w: %s", ErrAgentStartFailed, cause, tail)
	}
	return fmt.Errorf("%w: %w", ErrAgentStartFailed, cause)
}

// abort tears down a subprocess whose handshake failed and waits briefly
// for it so its stderr is complete.
func (c *Connection) abort(stdin io.Closer, stdout io.Closer) {
	stdin.Close()
	stdout.Close()
	c.kill()
	select {
	case <-c.exited:
	case <-time.After(exitGrace):
		c.logger.Warn("transport did not exit after kill")
	}
}

// kill signals the transport without waiting for it; the reaper started by
// Connect collects its exit status.
func (c *Connection) kill() {
	select {
	case <-c.exited:
		return
	default:
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Debug("killing transport failed", "error", err)
	}
}

// Close shuts the channel down, failing pending requests, and kills the
// transport without waiting for it to exit. Exited reports when it has been
// reaped. It is safe to call more than once.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		if err := c.channel.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.closeErr = err
		}
		c.kill()
		c.logger.Info("connection closed")
	})
	return c.closeErr
}

// State reports the lifecycle stage. A connection whose channel lost its
// transport reports StateDisconnected.
func (c *Connection) State() State {
	s := State(c.state.Load())
	if s == StateConnected && !c.channel.IsConnected() {
		return StateDisconnected
	}
	return s
}

// IsConnected reports whether requests can currently be sent.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Channel returns the agent channel, or ErrConnectionClosed once the
// connection is closed or lost.
func (c *Connection) Channel() (*channel.Channel, error) {
	if !c.IsConnected() {
		return nil, ErrConnectionClosed
	}
	return c.channel, nil
}

// ID is a unique identifier for this connection attempt.
func (c *Connection) ID() string { return c.id }

// Params returns the parameters the connection was made with.
func (c *Connection) Params() ConnectionParams { return c.params }

// ConnectionString renders the target as user@host[:port].
func (c *Connection) ConnectionString() string { return c.params.String() }

// Version is the protocol version the agent announced.
func (c *Connection) Version() uint32 { return c.version }

// Stderr returns the most recent output the transport wrote to stderr.
func (c *Connection) Stderr() string { return c.stderr.String() }

// Exited is closed once the transport process has been reaped.
func (c *Connection) Exited() <-chan struct{} { return c.exited }

// ExitError is the transport's exit status. It is nil until Exited is closed.
func (c *Connection) ExitError() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}
