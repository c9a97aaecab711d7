// Package agentd is a Go implementation of the remote agent side of the
// line protocol. It serves read, write, stat, ls, exec and cancel requests
// against the local file system and is used by tests and cmd/fake-agent
// in place of the embedded script.
package agentd
