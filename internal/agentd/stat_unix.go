// ABOUTME: Owner and group lookup for stat results on unix hosts.
// ABOUTME: Reads uid and gid from the raw syscall stat structure.

//go:build unix

package agentd

import (
	"os"
	"syscall"

	"github.com/2389/quill/internal/protocol"
)

// fillOwner copies the raw POSIX mode and ownership from the stat record.
func fillOwner(meta *protocol.Metadata, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	meta.Mode = uint32(st.Mode)
	meta.UID = st.Uid
	meta.GID = st.Gid
}
