// Package config handles configuration loading for quill-remote.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from QUILL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/quill/remote.yaml
//  3. ~/.config/quill/remote.yaml
//
// A missing file is not an error; Default() is used instead.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	hosts:
//	  build:
//	    target: "${USER}@build01:2222"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Transport:
//
//	ssh:
//	  program: "ssh"
//	  extra_args: ["-o", "ConnectTimeout=10"]
//	  handshake_timeout: "30s"
//	  request_timeout: "1m"   # 0 disables the per-request deadline
//
// Named hosts:
//
//	hosts:
//	  devbox:
//	    target: "alice@devbox.internal"
//	    identity_file: "~/.ssh/id_ed25519"
//
// Connection history:
//
//	history:
//	  enabled: true
//	  path: "~/.local/state/quill/history.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
