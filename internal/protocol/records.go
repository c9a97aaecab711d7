// ABOUTME: Payload records carried in streaming chunks and terminal results.
// ABOUTME: Mirrors POSIX stat fields for directory entries and metadata.

package protocol

import (
	"encoding/json"
	"math"
	"strconv"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	IsDir     bool   `json:"dir"`
	IsFile    bool   `json:"file"`
	IsSymlink bool   `json:"symlink"`
	// LinkDir is set when a symlink points to a directory.
	LinkDir bool   `json:"link_dir"`
	Size    uint64 `json:"size"`
	Mtime   int64  `json:"mtime"`
	Mode    uint32 `json:"mode"`
}

// Metadata is the result of a stat request.
type Metadata struct {
	Size      uint64 `json:"size"`
	Mtime     int64  `json:"mtime"`
	Mode      uint32 `json:"mode"`
	UID       uint32 `json:"uid"`
	GID       uint32 `json:"gid"`
	IsDir     bool   `json:"dir"`
	IsFile    bool   `json:"file"`
	IsSymlink bool   `json:"symlink"`
	LinkDir   bool   `json:"link_dir"`
}

// DataChunk is a streamed piece of file content.
type DataChunk struct {
	Data string `json:"data"`
}

// Bytes decodes the chunk's payload.
func (c DataChunk) Bytes() ([]byte, error) {
	return DecodeBase64(c.Data)
}

// SizeResult terminates read and write requests.
type SizeResult struct {
	Size uint64 `json:"size"`
}

// ListChunk is a streamed batch of directory entries.
type ListChunk struct {
	Entries []DirEntry `json:"entries"`
}

// CountResult terminates a listing.
type CountResult struct {
	Count int `json:"count"`
}

// ExecChunk carries streamed process output. Either field may be empty.
type ExecChunk struct {
	Out string `json:"out,omitempty"`
	Err string `json:"err,omitempty"`
}

// ExecResult terminates an exec request.
type ExecResult struct {
	Code int32 `json:"code"`
}

// ParseExitCode extracts the exit code from an exec result. A missing,
// null or non-numeric code yields -1.
func ParseExitCode(result json.RawMessage) int32 {
	var wrapper struct {
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil || len(wrapper.Code) == 0 {
		return -1
	}
	var num json.Number
	if err := json.Unmarshal(wrapper.Code, &num); err != nil {
		return -1
	}
	if n, err := strconv.ParseInt(num.String(), 10, 32); err == nil {
		return int32(n)
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return -1
	}
	return int32(f)
}
