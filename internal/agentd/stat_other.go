// ABOUTME: Owner and group fallback for platforms without unix stat.
// ABOUTME: Leaves uid and gid at zero.

//go:build !unix

package agentd

import (
	"os"

	"github.com/2389/quill/internal/protocol"
)

func fillOwner(*protocol.Metadata, os.FileInfo) {}
