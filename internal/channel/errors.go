// ABOUTME: Error kinds reported by the agent channel.
// ABOUTME: Remote failures carry the agent's message verbatim.

package channel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed indicates the transport is gone or the channel was closed.
	ErrChannelClosed = errors.New("connection closed")

	// ErrCancelled indicates the request was cancelled before it completed.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout indicates the caller's deadline passed before a terminal response.
	ErrTimeout = errors.New("request timed out")

	// ErrSerialize indicates request parameters could not be encoded.
	ErrSerialize = errors.New("encoding request")
)

// cancelledMessage is the error text the agent uses for cancelled requests.
const cancelledMessage = "cancelled"

// RemoteError is a failure reported by the agent for a single request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Is reports a cancellation-derived remote failure as ErrCancelled.
func (e *RemoteError) Is(target error) bool {
	return target == ErrCancelled && e.Message == cancelledMessage
}

// contextError maps a finished context onto the channel's error kinds.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
