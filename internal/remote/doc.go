// Package remote establishes agent channels over an ssh subprocess.
//
// Connect spawns the transport, sends the embedded agent script over its
// stdin, waits for the agent's ready line and checks the protocol version.
// On success the subprocess's stdio is handed to a channel.Channel and the
// returned Connection owns the process until Close.
package remote
