// Package channel multiplexes concurrent requests to a remote agent over a
// single pair of byte streams.
//
// # Overview
//
// A Channel takes ownership of an already-handshaken reader/writer pair
// (typically the stdout/stdin of an ssh subprocess) and runs two goroutines:
//
//   - the write loop drains the outgoing queue in submission order and
//     flushes every line to the transport;
//   - the read loop parses response lines and routes them by request id.
//
// # Request/Response Correlation
//
// Every call allocates a fresh id (starting at 1, never reused) and registers
// a pending entry before its line is queued:
//
//	pending map[uint64]*pendingRequest
//
// Streaming chunks ("d") are delivered best-effort to the entry's bounded
// data channel and dropped when the consumer falls behind. Terminal
// responses ("r" or "e") remove the entry and are delivered exactly once.
//
// # Disconnection
//
// When the transport reports end of input, a read error or a write error,
// the channel flips its connected flag, fails every pending request with
// ErrChannelClosed and rejects new requests. No caller waits past
// disconnection.
//
// # Cancellation
//
// Cancel asks the agent to abort a request; the request still completes
// through its normal terminal response. A caller whose context ends stops
// waiting, sends a best-effort cancel and forgets the entry.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The pending table is guarded by a
// mutex whose critical sections never perform I/O.
package channel
