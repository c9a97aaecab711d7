// ABOUTME: Tests for the agent channel including routing, streaming and disconnect handling.
// ABOUTME: Drives the channel through in-memory pipes with a scripted agent.

package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireRequest is a request as observed on the agent side of the pipe.
type wireRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"m"`
	Params json.RawMessage `json:"params"`
}

// scriptedAgent plays the remote end of a channel under test.
type scriptedAgent struct {
	t        *testing.T
	requests *bufio.Reader
	reqR     *io.PipeReader
	respW    *io.PipeWriter
}

func newTestChannel(t *testing.T, opts Options) (*Channel, *scriptedAgent) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	ch := New(respR, reqW, opts)
	agent := &scriptedAgent{
		t:        t,
		requests: bufio.NewReader(reqR),
		reqR:     reqR,
		respW:    respW,
	}
	t.Cleanup(func() {
		ch.Close()
		reqR.Close()
		respW.Close()
	})
	return ch, agent
}

// next reads the next request the channel wrote.
func (a *scriptedAgent) next() wireRequest {
	a.t.Helper()
	type result struct {
		req wireRequest
		err error
	}
	done := make(chan result, 1)
	go func() {
		line, err := a.requests.ReadBytes('\n')
		if err != nil {
			done <- result{err: err}
			return
		}
		var req wireRequest
		err = json.Unmarshal(line, &req)
		done <- result{req: req, err: err}
	}()
	select {
	case r := <-done:
		require.NoError(a.t, r.err)
		return r.req
	case <-time.After(2 * time.Second):
		a.t.Fatal("timeout waiting for request")
		return wireRequest{}
	}
}

func (a *scriptedAgent) send(format string, args ...any) {
	a.t.Helper()
	_, err := fmt.Fprintf(a.respW, format+"\n", args...)
	require.NoError(a.t, err)
}

// stuckWriter blocks every write until unblock is called.
type stuckWriter struct {
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
	freeOnce  sync.Once
}

func newStuckWriter() *stuckWriter {
	return &stuckWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *stuckWriter) Write(p []byte) (int, error) {
	w.enterOnce.Do(func() { close(w.entered) })
	<-w.release
	return len(p), nil
}

func (w *stuckWriter) unblock() {
	w.freeOnce.Do(func() { close(w.release) })
}

func TestChannelRequest(t *testing.T) {
	t.Run("returns terminal result", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		type reply struct {
			raw json.RawMessage
			err error
		}
		done := make(chan reply, 1)
		go func() {
			raw, err := ch.Request(context.Background(), "stat", map[string]any{"path": "/tmp"})
			done <- reply{raw, err}
		}()

		req := agent.next()
		assert.Equal(t, uint64(1), req.ID)
		assert.Equal(t, "stat", req.Method)
		assert.JSONEq(t, `{"path":"/tmp"}`, string(req.Params))

		agent.send(`{"id":%d,"d":{"ignored":true}}`, req.ID)
		agent.send(`{"id":%d,"r":{"size":100}}`, req.ID)

		got := <-done
		require.NoError(t, got.err)
		assert.JSONEq(t, `{"size":100}`, string(got.raw))
		assert.Equal(t, 0, ch.Stats().Pending)
	})

	t.Run("returns remote error verbatim", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		done := make(chan error, 1)
		go func() {
			_, err := ch.Request(context.Background(), "read", map[string]any{"path": "/missing"})
			done <- err
		}()

		req := agent.next()
		agent.send(`{"id":%d,"e":"file not found"}`, req.ID)

		err := <-done
		var remoteErr *RemoteError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, "file not found", remoteErr.Message)
		assert.NotErrorIs(t, err, ErrCancelled)
	})

	t.Run("surfaces serialization errors", func(t *testing.T) {
		ch, _ := newTestChannel(t, Options{})

		_, err := ch.Request(context.Background(), "bad", make(chan int))
		assert.ErrorIs(t, err, ErrSerialize)
		assert.True(t, ch.IsConnected())
	})

	t.Run("blocking variant", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		done := make(chan error, 1)
		go func() {
			_, err := ch.RequestBlocking("ls", map[string]any{"path": "/"})
			done <- err
		}()

		req := agent.next()
		agent.send(`{"id":%d,"r":{"count":0}}`, req.ID)
		require.NoError(t, <-done)
	})
}

func TestChannelIDs(t *testing.T) {
	t.Run("sequential ids start at one", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		for want := uint64(1); want <= 3; want++ {
			done := make(chan error, 1)
			go func() {
				_, err := ch.Request(context.Background(), "stat", nil)
				done <- err
			}()
			req := agent.next()
			assert.Equal(t, want, req.ID)
			agent.send(`{"id":%d,"r":{}}`, req.ID)
			require.NoError(t, <-done)
		}
	})

	t.Run("concurrent ids are distinct and written in order", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})
		const n = 20

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ch.Request(context.Background(), "stat", nil)
				errs <- err
			}()
		}

		seen := make(map[uint64]bool)
		var last uint64
		for i := 0; i < n; i++ {
			req := agent.next()
			assert.Greater(t, req.ID, last, "ids must increase in wire order")
			assert.False(t, seen[req.ID], "id %d reused", req.ID)
			seen[req.ID] = true
			last = req.ID
		}
		// Answer in reverse to show routing is by id, not arrival order.
		for id := last; id >= 1; id-- {
			agent.send(`{"id":%d,"r":{}}`, id)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Len(t, seen, n)
		assert.Equal(t, uint64(n), ch.Stats().Completed)
	})
}

func TestChannelStreaming(t *testing.T) {
	t.Run("delivers chunks then result", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		stream, err := ch.RequestStreaming(context.Background(), "exec", map[string]any{"cmd": "echo"})
		require.NoError(t, err)

		req := agent.next()
		assert.Equal(t, stream.ID, req.ID)
		agent.send(`{"id":%d,"d":{"out":"aGk="}}`, req.ID)
		agent.send(`{"id":%d,"d":{"err":"b29wcw=="}}`, req.ID)
		agent.send(`{"id":%d,"r":{"code":0}}`, req.ID)

		var chunks []string
		for chunk := range stream.Data {
			chunks = append(chunks, string(chunk))
		}
		assert.Equal(t, []string{`{"out":"aGk="}`, `{"err":"b29wcw=="}`}, chunks)

		raw, err := stream.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"code":0}`, string(raw))
	})

	t.Run("drops chunks when the consumer lags", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{StreamBuffer: 1})

		stream, err := ch.RequestStreaming(context.Background(), "read", nil)
		require.NoError(t, err)

		req := agent.next()
		for i := 0; i < 3; i++ {
			agent.send(`{"id":%d,"d":{"data":"AA=="}}`, req.ID)
		}
		agent.send(`{"id":%d,"r":{"size":3}}`, req.ID)

		_, err = stream.Wait(context.Background())
		require.NoError(t, err)

		count := 0
		for range stream.Data {
			count++
		}
		assert.Equal(t, 1, count)
		assert.Equal(t, uint64(2), ch.Stats().DroppedChunks)
	})

	t.Run("slow log sink does not hold the pending table", func(t *testing.T) {
		sink := newStuckWriter()
		logger := slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelWarn}))
		ch, agent := newTestChannel(t, Options{StreamBuffer: 1, Logger: logger})
		t.Cleanup(sink.unblock)

		stream, err := ch.RequestStreaming(context.Background(), "read", nil)
		require.NoError(t, err)

		req := agent.next()
		agent.send(`{"id":%d,"d":{"data":"AA=="}}`, req.ID)
		agent.send(`{"id":%d,"d":{"data":"AA=="}}`, req.ID)

		select {
		case <-sink.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("drop warning was never logged")
		}

		stats := make(chan Stats, 1)
		go func() { stats <- ch.Stats() }()
		select {
		case s := <-stats:
			assert.Equal(t, uint64(1), s.DroppedChunks)
			assert.Equal(t, 1, s.Pending)
		case <-time.After(time.Second):
			t.Fatal("Stats blocked while the logger was writing")
		}

		other, err := ch.RequestStreaming(context.Background(), "read", nil)
		require.NoError(t, err)
		assert.Equal(t, req.ID+1, agent.next().ID)

		sink.unblock()
		agent.send(`{"id":%d,"r":{"size":2}}`, req.ID)
		agent.send(`{"id":%d,"r":{"size":0}}`, other.ID)
		_, err = stream.Wait(context.Background())
		require.NoError(t, err)
		_, err = other.Wait(context.Background())
		require.NoError(t, err)
	})

	t.Run("completes exactly once", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		stream, err := ch.RequestStreaming(context.Background(), "read", nil)
		require.NoError(t, err)

		req := agent.next()
		agent.send(`{"id":%d,"r":{"size":0}}`, req.ID)
		agent.send(`{"id":%d,"e":"late failure"}`, req.ID)

		raw, err := stream.Wait(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"size":0}`, string(raw))

		assert.Eventually(t, func() bool {
			return ch.Stats().UnknownResponses == 1
		}, time.Second, 5*time.Millisecond)
		select {
		case out := <-stream.Result:
			t.Fatalf("unexpected second outcome: %+v", out)
		default:
		}
	})
}

func TestChannelDropsMalformedLines(t *testing.T) {
	ch, agent := newTestChannel(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "stat", nil)
		done <- err
	}()

	req := agent.next()
	agent.send(`this is not json`)
	agent.send(`{"id":%d}`, req.ID)
	agent.send(`{"id":999,"r":{}}`)
	agent.send(`{"id":%d,"r":{"size":1}}`, req.ID)

	require.NoError(t, <-done)
	stats := ch.Stats()
	assert.Equal(t, uint64(2), stats.DroppedLines)
	assert.Equal(t, uint64(1), stats.UnknownResponses)
	assert.True(t, ch.IsConnected())
}

func TestChannelDisconnect(t *testing.T) {
	t.Run("end of input fails every pending request", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})
		const m = 5

		errs := make(chan error, m)
		for i := 0; i < m; i++ {
			go func() {
				_, err := ch.Request(context.Background(), "stat", nil)
				errs <- err
			}()
		}
		for i := 0; i < m; i++ {
			agent.next()
		}

		require.NoError(t, agent.respW.Close())

		for i := 0; i < m; i++ {
			select {
			case err := <-errs:
				assert.ErrorIs(t, err, ErrChannelClosed)
			case <-time.After(2 * time.Second):
				t.Fatal("pending request was not failed")
			}
		}
		assert.False(t, ch.IsConnected())
		assert.Equal(t, 0, ch.Stats().Pending)

		<-ch.Done()
		_, err := ch.Request(context.Background(), "stat", nil)
		assert.ErrorIs(t, err, ErrChannelClosed)
	})

	t.Run("streams are closed on disconnect", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		stream, err := ch.RequestStreaming(context.Background(), "exec", nil)
		require.NoError(t, err)
		agent.next()

		require.NoError(t, agent.respW.Close())

		_, err = stream.Wait(context.Background())
		assert.ErrorIs(t, err, ErrChannelClosed)
		_, open := <-stream.Data
		assert.False(t, open)
	})

	t.Run("write failure disconnects", func(t *testing.T) {
		respR, respW := io.Pipe()
		t.Cleanup(func() { respW.Close() })
		ch := New(respR, failingWriter{}, Options{})

		_, err := ch.Request(context.Background(), "stat", nil)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Eventually(t, func() bool { return !ch.IsConnected() }, time.Second, 5*time.Millisecond)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		ch, _ := newTestChannel(t, Options{})

		ch.Close()
		ch.Close()
		assert.False(t, ch.IsConnected())
	})
}

func TestChannelCancel(t *testing.T) {
	t.Run("cancel keeps the target pending until the agent answers", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		stream, err := ch.RequestStreaming(context.Background(), "exec", map[string]any{"cmd": "sleep"})
		require.NoError(t, err)
		target := agent.next()

		cancelDone := make(chan error, 1)
		go func() { cancelDone <- ch.Cancel(context.Background(), stream.ID) }()

		cancelReq := agent.next()
		assert.Equal(t, "cancel", cancelReq.Method)
		assert.JSONEq(t, fmt.Sprintf(`{"id":%d}`, target.ID), string(cancelReq.Params))
		assert.Equal(t, 2, ch.Stats().Pending)

		agent.send(`{"id":%d,"r":{}}`, cancelReq.ID)
		require.NoError(t, <-cancelDone)
		assert.Equal(t, 1, ch.Stats().Pending)

		agent.send(`{"id":%d,"e":"cancelled"}`, target.ID)
		_, err = stream.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
		var remoteErr *RemoteError
		assert.ErrorAs(t, err, &remoteErr)
	})

	t.Run("deadline abandons the request and cancels remotely", func(t *testing.T) {
		ch, agent := newTestChannel(t, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			_, err := ch.Request(ctx, "exec", map[string]any{"cmd": "sleep"})
			done <- err
		}()

		target := agent.next()
		err := <-done
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))

		cancelReq := agent.next()
		assert.Equal(t, "cancel", cancelReq.Method)
		assert.JSONEq(t, fmt.Sprintf(`{"id":%d}`, target.ID), string(cancelReq.Params))
		agent.send(`{"id":%d,"r":{}}`, cancelReq.ID)

		// A late answer for the abandoned id is dropped.
		agent.send(`{"id":%d,"e":"cancelled"}`, target.ID)
		assert.Eventually(t, func() bool {
			return ch.Stats().UnknownResponses == 1 && ch.Stats().Pending == 0
		}, time.Second, 5*time.Millisecond)
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}
