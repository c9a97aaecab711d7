// ABOUTME: Tests for the local and remote spawners against one shared contract.
// ABOUTME: Remote cases run through an in-process agent or a scripted one.

package spawn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/quill/internal/agentd"
	"github.com/2389/quill/internal/channel"
)

// agentChannel connects a channel to an in-process agent.
func agentChannel(t *testing.T) *channel.Channel {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		_ = agentd.Serve(context.Background(), reqR, respW, agentd.Options{ChunkSize: 3})
		respW.Close()
	}()

	br := bufio.NewReader(respR)
	_, err := br.ReadBytes('\n')
	require.NoError(t, err)

	ch := channel.New(br, reqW, channel.Options{})
	t.Cleanup(func() {
		ch.Close()
		respR.Close()
	})
	return ch
}

func spawners(t *testing.T) map[string]Spawner {
	return map[string]Spawner{
		"local":  NewLocal(),
		"remote": NewRemote(agentChannel(t), nil),
	}
}

func TestSpawnContract(t *testing.T) {
	for name, sp := range spawners(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("echo", func(t *testing.T) {
				res, err := sp.Spawn(ctx, "echo", []string{"hello"}, "")
				require.NoError(t, err)
				assert.Equal(t, "hello\n", res.Stdout)
				assert.Empty(t, res.Stderr)
				assert.Equal(t, int32(0), res.ExitCode)
				assert.True(t, res.Success())
			})

			t.Run("stderr and exit code", func(t *testing.T) {
				res, err := sp.Spawn(ctx, "sh", []string{"-c", "printf out; printf err >&2; exit 7"}, "")
				require.NoError(t, err)
				assert.Equal(t, "out", res.Stdout)
				assert.Equal(t, "err", res.Stderr)
				assert.Equal(t, int32(7), res.ExitCode)
				assert.False(t, res.Success())
			})

			t.Run("killed by signal", func(t *testing.T) {
				res, err := sp.Spawn(ctx, "sh", []string{"-c", "kill -9 $$"}, "")
				require.NoError(t, err)
				assert.Equal(t, int32(-1), res.ExitCode)
			})

			t.Run("working directory", func(t *testing.T) {
				dir, err := filepath.EvalSymlinks(t.TempDir())
				require.NoError(t, err)
				res, err := sp.Spawn(ctx, "pwd", nil, dir)
				require.NoError(t, err)
				assert.Equal(t, dir+"\n", res.Stdout)
			})

			t.Run("invalid utf8 is replaced", func(t *testing.T) {
				res, err := sp.Spawn(ctx, "printf", []string{`a\377b`}, "")
				require.NoError(t, err)
				assert.Equal(t, "a\uFFFDb", res.Stdout)
			})

			t.Run("missing command", func(t *testing.T) {
				_, err := sp.Spawn(ctx, "definitely-not-a-command-quill", nil, "")
				var spawnErr *SpawnError
				require.ErrorAs(t, err, &spawnErr)
				assert.Equal(t, KindProcess, spawnErr.Kind)
			})
		})
	}
}

func TestRemoteLargeOutputOrdering(t *testing.T) {
	sp := NewRemote(agentChannel(t), nil)

	res, err := sp.Spawn(context.Background(), "sh", []string{"-c", "seq 1 200"}, "")
	require.NoError(t, err)

	var want string
	for i := 1; i <= 200; i++ {
		want += fmt.Sprintf("%d\n", i)
	}
	assert.Equal(t, want, res.Stdout)
}

func TestLocalContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewLocal().Spawn(ctx, "sleep", []string{"30"}, "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, KindProcess, spawnErr.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteErrors(t *testing.T) {
	t.Run("channel closed", func(t *testing.T) {
		ch := agentChannel(t)
		require.NoError(t, ch.Close())

		_, err := NewRemote(ch, nil).Spawn(context.Background(), "echo", nil, "")
		var spawnErr *SpawnError
		require.ErrorAs(t, err, &spawnErr)
		assert.Equal(t, KindChannel, spawnErr.Kind)
		assert.ErrorIs(t, err, channel.ErrChannelClosed)
	})

	t.Run("context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := NewRemote(agentChannel(t), nil).Spawn(ctx, "sleep", []string{"30"}, "")
		var spawnErr *SpawnError
		require.ErrorAs(t, err, &spawnErr)
		assert.Equal(t, KindChannel, spawnErr.Kind)
		assert.ErrorIs(t, err, channel.ErrTimeout)
	})

	t.Run("bad base64 cancels the command", func(t *testing.T) {
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		ch := channel.New(respR, reqW, channel.Options{})
		t.Cleanup(func() {
			ch.Close()
			respW.Close()
		})

		type wireRequest struct {
			ID     uint64          `json:"id"`
			Method string          `json:"m"`
			Params json.RawMessage `json:"params"`
		}
		cancelled := make(chan wireRequest, 1)
		go func() {
			requests := bufio.NewReader(reqR)
			var execID uint64
			for {
				line, err := requests.ReadBytes('\n')
				if err != nil {
					return
				}
				var req wireRequest
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				switch req.Method {
				case "exec":
					execID = req.ID
					fmt.Fprintf(respW, "{\"id\":%d,\"d\":{\"out\":\"!!!not base64\"}}\n", req.ID)
				case "cancel":
					cancelled <- req
					fmt.Fprintf(respW, "{\"id\":%d,\"r\":{}}\n", req.ID)
					fmt.Fprintf(respW, "{\"id\":%d,\"e\":\"cancelled\"}\n", execID)
				}
			}
		}()

		_, err := NewRemote(ch, nil).Spawn(context.Background(), "yes", nil, "")
		var spawnErr *SpawnError
		require.ErrorAs(t, err, &spawnErr)
		assert.Equal(t, KindDecode, spawnErr.Kind)

		select {
		case req := <-cancelled:
			assert.JSONEq(t, `{"id":1}`, string(req.Params))
		case <-time.After(2 * time.Second):
			t.Fatal("exec was not cancelled after the decode failure")
		}
		assert.Eventually(t, func() bool {
			return ch.Stats().Pending == 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestSpawnErrorFormatting(t *testing.T) {
	err := &SpawnError{Kind: KindDecode, Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "spawn: decode error: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
