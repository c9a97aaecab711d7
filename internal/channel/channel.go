// ABOUTME: Agent channel owning the transport streams and the pending request table.
// ABOUTME: Routes responses by request id and fails every waiter on disconnect.

package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/quill/internal/protocol"
)

const (
	defaultStreamBuffer = 64
	defaultQueueSize    = 64
)

// Options tunes a Channel. The zero value is usable.
type Options struct {
	Logger *slog.Logger

	// StreamBuffer is the number of streaming chunks buffered per request
	// before further chunks are dropped.
	StreamBuffer int

	// QueueSize is the number of encoded requests that may wait for the
	// write loop before senders block.
	QueueSize int
}

// Outcome is the terminal result of a request: exactly one of Result or Err
// is meaningful.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Sent             uint64
	Completed        uint64
	DroppedLines     uint64
	DroppedChunks    uint64
	UnknownResponses uint64
	Pending          int
}

type pendingRequest struct {
	method string
	data   chan json.RawMessage // nil when the caller discards streaming data
	result chan Outcome         // capacity 1, written exactly once
}

// Channel multiplexes requests to a remote agent over one stream pair.
type Channel struct {
	logger       *slog.Logger
	reader       io.Reader
	writer       io.Writer
	streamBuffer int

	outgoing chan []byte
	done     chan struct{}
	once     sync.Once

	// sendMu orders id allocation with enqueueing so ids hit the wire in
	// increasing order.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	closed  bool

	nextID    atomic.Uint64
	connected atomic.Bool

	sent             atomic.Uint64
	completed        atomic.Uint64
	droppedLines     atomic.Uint64
	droppedChunks    atomic.Uint64
	unknownResponses atomic.Uint64
}

// New takes ownership of r and w, starts the read and write loops and
// returns a connected channel. The handshake must already be complete.
func New(r io.Reader, w io.Writer, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	c := &Channel{
		logger:       logger.With("component", "channel"),
		reader:       r,
		writer:       w,
		streamBuffer: opts.StreamBuffer,
		outgoing:     make(chan []byte, opts.QueueSize),
		done:         make(chan struct{}),
		pending:      make(map[uint64]*pendingRequest),
	}
	c.connected.Store(true)

	go c.writeLoop()
	go c.readLoop()
	return c
}

// IsConnected reports whether the transport is currently usable.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the channel has disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close tears the channel down, failing all pending requests, and closes
// the underlying streams when they support it.
func (c *Channel) Close() error {
	c.shutdown(errors.New("closed by client"))

	var errs []error
	if closer, ok := c.writer.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := c.reader.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Sent:             c.sent.Load(),
		Completed:        c.completed.Load(),
		DroppedLines:     c.droppedLines.Load(),
		DroppedChunks:    c.droppedChunks.Load(),
		UnknownResponses: c.unknownResponses.Load(),
		Pending:          pending,
	}
}

func (c *Channel) writeLoop() {
	bw := bufio.NewWriter(c.writer)
	for {
		select {
		case line := <-c.outgoing:
			_, err := bw.Write(line)
			if err == nil {
				err = bw.Flush()
			}
			if err != nil {
				c.logger.Warn("write to agent failed", "error", err)
				c.shutdown(fmt.Errorf("writing request: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop() {
	br := bufio.NewReaderSize(c.reader, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(errors.New("agent closed the stream"))
			} else {
				c.shutdown(fmt.Errorf("reading response: %w", err))
			}
			return
		}
	}
}

// handleLine routes a single response line to its pending request.
// Unparseable lines and responses for unknown ids are counted and dropped.
func (c *Channel) handleLine(line []byte) {
	resp, err := protocol.ParseResponse(line)
	if err != nil {
		c.droppedLines.Add(1)
		c.logger.Debug("dropping unparseable response", "error", err, "bytes", len(line))
		return
	}

	switch resp.Kind() {
	case protocol.KindData:
		c.deliverData(resp)
	case protocol.KindResult, protocol.KindError:
		c.deliverTerminal(resp)
	default:
		c.droppedLines.Add(1)
		c.logger.Debug("ignoring unsolicited response", "kind", resp.Kind().String(), "id", resp.ID)
	}
}

func (c *Channel) deliverData(resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	delivered := true
	var method string
	if ok && p.data != nil {
		method = p.method
		// The send stays under the lock so it cannot race shutdown closing
		// p.data. It never blocks; a slow consumer loses chunks instead.
		select {
		case p.data <- resp.Data:
		default:
			delivered = false
		}
	}
	c.mu.Unlock()

	switch {
	case !ok:
		c.unknownResponses.Add(1)
		c.logger.Debug("received data for unknown request", "request_id", resp.ID)
	case !delivered:
		c.droppedChunks.Add(1)
		c.logger.Warn("stream buffer full, dropping chunk",
			"request_id", resp.ID,
			"method", method,
		)
	}
}

func (c *Channel) deliverTerminal(resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.unknownResponses.Add(1)
		c.logger.Debug("received result for unknown request", "request_id", resp.ID)
		return
	}

	out := Outcome{Result: resp.Result}
	if resp.Kind() == protocol.KindError {
		out = Outcome{Err: &RemoteError{Message: *resp.Error}}
	}
	c.completed.Add(1)
	p.finish(out)
}

// shutdown disconnects the channel once and fails every pending request.
func (c *Channel) shutdown(cause error) {
	c.once.Do(func() {
		c.connected.Store(false)
		close(c.done)

		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint64]*pendingRequest)
		c.mu.Unlock()

		for _, p := range pending {
			p.finish(Outcome{Err: ErrChannelClosed})
		}

		c.logger.Info("agent channel closed",
			"reason", cause,
			"failed_requests", len(pending),
		)
	})
}

// finish delivers the outcome and closes the data stream. Callers must have
// removed p from the pending table first, which makes this exactly-once.
func (p *pendingRequest) finish(out Outcome) {
	p.result <- out
	if p.data != nil {
		close(p.data)
	}
}
