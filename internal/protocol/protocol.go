// ABOUTME: Request and response envelopes for the agent wire protocol.
// ABOUTME: Handles line encoding of requests and classification of parsed responses.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version this client speaks. The agent advertises
// its own version in the ready message and the two must match.
const Version uint32 = 1

// Method names understood by the agent.
const (
	MethodRead   = "read"
	MethodWrite  = "write"
	MethodStat   = "stat"
	MethodList   = "ls"
	MethodExec   = "exec"
	MethodCancel = "cancel"
)

// ErrMalformedResponse indicates a response line that is valid JSON but fits
// none of the response shapes.
var ErrMalformedResponse = errors.New("malformed response")

// Request is a single outgoing call. ID 0 is reserved for the ready message.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"m"`
	Params any    `json:"params"`
}

// EncodeLine serializes the request as one newline-terminated JSON line.
func (r Request) EncodeLine() ([]byte, error) {
	if r.Params == nil {
		r.Params = struct{}{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request %d: %w", r.Method, r.ID, err)
	}
	return append(data, '\n'), nil
}

// Kind classifies a parsed response.
type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindData
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindData:
		return "data"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is a single incoming message from the agent.
type Response struct {
	ID      uint64          `json:"id"`
	OK      *bool           `json:"ok,omitempty"`
	Version *uint32         `json:"v,omitempty"`
	Data    json.RawMessage `json:"d,omitempty"`
	Result  json.RawMessage `json:"r,omitempty"`
	Error   *string         `json:"e,omitempty"`
}

// Kind reports which of the response shapes r carries. An error wins over a
// result, and either wins over streaming data.
func (r *Response) Kind() Kind {
	switch {
	case r.ID == 0:
		if r.OK != nil && *r.OK && r.Version != nil {
			return KindReady
		}
		return KindUnknown
	case r.Error != nil:
		return KindError
	case r.Result != nil:
		return KindResult
	case r.Data != nil:
		return KindData
	default:
		return KindUnknown
	}
}

// IsReady reports whether r is the agent's startup message.
func (r *Response) IsReady() bool { return r.Kind() == KindReady }

// IsTerminal reports whether r completes its request.
func (r *Response) IsTerminal() bool {
	k := r.Kind()
	return k == KindResult || k == KindError
}

// ParseResponse decodes one response line. Trailing whitespace, including the
// newline delimiter, is ignored.
func ParseResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Kind() == KindUnknown {
		return nil, fmt.Errorf("%w: id %d", ErrMalformedResponse, resp.ID)
	}
	return &resp, nil
}

// ReadyLine builds the ready message an agent sends at startup.
func ReadyLine(version uint32) []byte {
	return []byte(fmt.Sprintf(`{"id":0,"ok":true,"v":%d}`+"\n", version))
}
