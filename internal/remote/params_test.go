// ABOUTME: Tests for connection string parsing and ssh argument assembly.
// ABOUTME: Includes bracketed IPv6 hosts and rejected forms.

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ConnectionParams
		str   string
	}{
		{
			name:  "with port",
			input: "bob@example.org:2222",
			want:  ConnectionParams{User: "bob", Host: "example.org", Port: 2222},
			str:   "bob@example.org:2222",
		},
		{
			name:  "without port",
			input: "alice@host",
			want:  ConnectionParams{User: "alice", Host: "host"},
			str:   "alice@host",
		},
		{
			name:  "bracketed ipv6 with port",
			input: "root@[::1]:2200",
			want:  ConnectionParams{User: "root", Host: "::1", Port: 2200},
			str:   "root@[::1]:2200",
		},
		{
			name:  "bracketed ipv6 without port",
			input: "root@[fe80::1]",
			want:  ConnectionParams{User: "root", Host: "fe80::1"},
			str:   "root@[fe80::1]",
		},
		{
			name:  "bare ipv6",
			input: "root@2001:db8::5",
			want:  ConnectionParams{User: "root", Host: "2001:db8::5"},
			str:   "root@[2001:db8::5]",
		},
		{
			name:  "user containing at sign",
			input: "me@corp@build01",
			want:  ConnectionParams{User: "me@corp", Host: "build01"},
			str:   "me@corp@build01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())

			again, err := ParseConnectionString(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	for _, input := range []string{
		"hostonly",
		"@host",
		"user@",
		"",
		"user@host:",
		"user@host:0",
		"user@host:70000",
		"user@host:ssh",
		"user@[::1",
		"user@[::1]x",
		"user@[]:22",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseConnectionString(input)
			assert.ErrorIs(t, err, ErrInvalidConnectionString)
		})
	}
}

func TestSSHArgs(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		p := ConnectionParams{User: "alice", Host: "host"}
		assert.Equal(t, []string{
			"-o", "BatchMode=yes",
			"-o", "StrictHostKeyChecking=accept-new",
			"alice@host", "cmd",
		}, p.SSHArgs(nil, "cmd"))
	})

	t.Run("port identity and extras", func(t *testing.T) {
		p := ConnectionParams{User: "bob", Host: "::1", Port: 2222, IdentityFile: "/keys/id"}
		assert.Equal(t, []string{
			"-o", "BatchMode=yes",
			"-o", "StrictHostKeyChecking=accept-new",
			"-p", "2222",
			"-i", "/keys/id",
			"-o", "ConnectTimeout=5",
			"bob@::1", "cmd",
		}, p.SSHArgs([]string{"-o", "ConnectTimeout=5"}, "cmd"))
	})
}
