// ABOUTME: Parameter objects for each agent method.
// ABOUTME: Optional fields are omitted from the wire when unset.

package protocol

// ReadParams asks for a whole file, or a byte range of it when Offset or
// Length is set.
type ReadParams struct {
	Path   string  `json:"path"`
	Offset *uint64 `json:"offset,omitempty"`
	Length *uint64 `json:"length,omitempty"`
}

// NewReadParams builds read parameters. Nil offset and length request the
// whole file.
func NewReadParams(path string, offset, length *uint64) ReadParams {
	return ReadParams{Path: path, Offset: offset, Length: length}
}

// WriteParams replaces a file's content. Data is base64.
type WriteParams struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

func NewWriteParams(path string, data []byte) WriteParams {
	return WriteParams{Path: path, Data: EncodeBase64(data)}
}

// StatParams asks for file metadata. Follow resolves a final symlink.
type StatParams struct {
	Path   string `json:"path"`
	Follow bool   `json:"follow"`
}

func NewStatParams(path string, follow bool) StatParams {
	return StatParams{Path: path, Follow: follow}
}

// ListParams asks for the entries of a directory.
type ListParams struct {
	Path string `json:"path"`
}

func NewListParams(path string) ListParams {
	return ListParams{Path: path}
}

// ExecParams runs a command on the agent's host. An empty Cwd leaves the
// working directory to the agent.
type ExecParams struct {
	Command string   `json:"cmd"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd,omitempty"`
}

func NewExecParams(command string, args []string, cwd string) ExecParams {
	if args == nil {
		args = []string{}
	}
	return ExecParams{Command: command, Args: args, Cwd: cwd}
}

// CancelParams asks the agent to abort the request with the given id.
type CancelParams struct {
	ID uint64 `json:"id"`
}

func NewCancelParams(target uint64) CancelParams {
	return CancelParams{ID: target}
}

// Ptr returns a pointer to v, for the optional fields above.
func Ptr[T any](v T) *T {
	return &v
}
