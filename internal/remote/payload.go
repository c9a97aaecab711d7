// ABOUTME: Embedded agent script and the loader command that bootstraps it.
// ABOUTME: The script is framed as "<len>\n<script>" on the transport's stdin.

package remote

import (
	_ "embed"
	"strconv"
)

//go:embed agent.py
var agentScript []byte

// bootstrapCommand runs remotely. It reads one length line from stdin, then
// exactly that many bytes of script, and executes it with stdin left open
// for requests.
const bootstrapCommand = `python3 -u -c "import sys;exec(sys.stdin.read(int(sys.stdin.readline())))"`

// AgentScript returns a copy of the embedded agent script.
func AgentScript() []byte {
	return append([]byte(nil), agentScript...)
}

// framePayload prefixes script with its length line.
func framePayload(script []byte) []byte {
	header := strconv.Itoa(len(script)) + "\n"
	framed := make([]byte, 0, len(header)+len(script))
	framed = append(framed, header...)
	return append(framed, script...)
}
