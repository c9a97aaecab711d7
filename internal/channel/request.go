// ABOUTME: Request API of the agent channel: plain, streaming, blocking and cancel.
// ABOUTME: Allocates ids, registers pending entries and queues encoded lines.

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/quill/internal/protocol"
)

// cancelTimeout bounds the best-effort cancel sent when a caller gives up.
const cancelTimeout = 5 * time.Second

// Stream is an in-flight request whose streaming chunks are exposed to the
// caller. Data is closed once the request completes; Result receives the
// terminal outcome exactly once.
type Stream struct {
	ID     uint64
	Method string
	Data   <-chan json.RawMessage
	Result <-chan Outcome

	ch *Channel
}

// Wait blocks until the terminal outcome arrives or ctx ends. Chunks still
// sitting in Data are left for the caller.
func (s *Stream) Wait(ctx context.Context) (json.RawMessage, error) {
	return s.ch.await(ctx, s.ID, s.Method, s.Result)
}

// Request sends method with params and waits for the terminal outcome,
// discarding any streaming data.
func (c *Channel) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, p, err := c.send(ctx, method, params, false)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, id, method, p.result)
}

// RequestStreaming sends method with params and hands both the streaming and
// the terminal receivers to the caller. ctx only bounds queueing; use
// Stream.Wait to bound the wait for completion.
func (c *Channel) RequestStreaming(ctx context.Context, method string, params any) (*Stream, error) {
	id, p, err := c.send(ctx, method, params, true)
	if err != nil {
		return nil, err
	}
	return &Stream{
		ID:     id,
		Method: method,
		Data:   p.data,
		Result: p.result,
		ch:     c,
	}, nil
}

// RequestBlocking is Request for call sites that have no context.
func (c *Channel) RequestBlocking(method string, params any) (json.RawMessage, error) {
	return c.Request(context.Background(), method, params)
}

// Cancel asks the agent to abort request id. The target's pending entry is
// left in place; it completes when the agent answers the original request.
func (c *Channel) Cancel(ctx context.Context, id uint64) error {
	_, err := c.Request(ctx, protocol.MethodCancel, protocol.NewCancelParams(id))
	return err
}

// send allocates an id, registers the pending entry and queues the line.
func (c *Channel) send(ctx context.Context, method string, params any, streaming bool) (uint64, *pendingRequest, error) {
	if !c.IsConnected() {
		return 0, nil, ErrChannelClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	id := c.nextID.Add(1)
	line, err := protocol.Request{ID: id, Method: method, Params: params}.EncodeLine()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}

	p := &pendingRequest{
		method: method,
		result: make(chan Outcome, 1),
	}
	if streaming {
		p.data = make(chan json.RawMessage, c.streamBuffer)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, nil, ErrChannelClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	select {
	case c.outgoing <- line:
	case <-c.done:
		c.forget(id)
		return 0, nil, ErrChannelClosed
	case <-ctx.Done():
		c.forget(id)
		return 0, nil, contextError(ctx.Err())
	}

	c.sent.Add(1)
	c.logger.Debug("request queued", "request_id", id, "method", method)
	return id, p, nil
}

// await waits for the terminal outcome of request id. When ctx ends first
// the entry is abandoned and the agent is asked to stop working on it.
func (c *Channel) await(ctx context.Context, id uint64, method string, result <-chan Outcome) (json.RawMessage, error) {
	select {
	case out := <-result:
		return out.Result, out.Err
	case <-ctx.Done():
	}

	// The outcome may have landed at the same moment.
	select {
	case out := <-result:
		return out.Result, out.Err
	default:
	}

	if c.forget(id) && method != protocol.MethodCancel && c.IsConnected() {
		go func() {
			cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			if err := c.Cancel(cancelCtx, id); err != nil {
				c.logger.Debug("cancel after abandon failed", "request_id", id, "error", err)
			}
		}()
	}
	return nil, contextError(ctx.Err())
}

// forget removes request id from the pending table without delivering an
// outcome. It reports whether the entry was still present.
func (c *Channel) forget(id uint64) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && p.data != nil {
		close(p.data)
	}
	return ok
}
