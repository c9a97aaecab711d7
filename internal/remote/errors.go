// ABOUTME: Error kinds reported while establishing a remote connection.
// ABOUTME: Version mismatches carry both the expected and advertised versions.

package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailed indicates the transport process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn transport")

	// ErrAgentStartFailed indicates the agent never produced a valid ready line.
	ErrAgentStartFailed = errors.New("agent failed to start")

	// ErrConnectionClosed indicates the connection was closed or lost.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAuthenticationFailed indicates the transport rejected our credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidConnectionString indicates a target that is not user@host[:port].
	ErrInvalidConnectionString = errors.New("invalid connection string")

	// ErrInvalidIdentity indicates an identity file that cannot be read.
	ErrInvalidIdentity = errors.New("invalid identity file")
)

// VersionMismatchError is returned when the agent speaks a different
// protocol version than the client.
type VersionMismatchError struct {
	Expected uint32
	Got      uint32
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: expected %d, got %d", e.Expected, e.Got)
}
