// ABOUTME: Subcommands of quill-remote: ping, exec, cat, put, stat, ls and history
// ABOUTME: Each command dials the target, performs one operation and closes the connection

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/quill/internal/channel"
	"github.com/2389/quill/internal/config"
	"github.com/2389/quill/internal/history"
	"github.com/2389/quill/internal/protocol"
	"github.com/2389/quill/internal/remote"
	"github.com/2389/quill/internal/remotefs"
	"github.com/2389/quill/internal/spawn"
)

// withChannel dials target, runs fn with the connection's channel and
// closes the connection afterwards.
func (o *rootOptions) withChannel(cmd *cobra.Command, target string, fn func(ctx context.Context, conn *remote.Connection, ch *channel.Channel) error) error {
	ctx, cancel := o.requestContext(cmd.Context())
	defer cancel()

	conn, err := o.dial(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	return fn(ctx, conn, ch)
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping TARGET",
		Short: "Connect to TARGET and report handshake and round-trip times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			return opts.withChannel(cmd, args[0], func(ctx context.Context, conn *remote.Connection, ch *channel.Channel) error {
				handshake := time.Since(start)

				rtStart := time.Now()
				if _, err := remotefs.New(ch).Stat(ctx, "."); err != nil {
					return err
				}
				roundTrip := time.Since(rtStart)

				fmt.Fprintf(cmd.OutOrStdout(), "%s %s protocol v%d handshake %s round-trip %s\n",
					okColor("connected"),
					conn.ConnectionString(),
					conn.Version(),
					handshake.Round(time.Millisecond),
					roundTrip.Round(time.Microsecond),
				)
				return nil
			})
		},
	}
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	var (
		cwd   string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "exec [TARGET] -- COMMAND [ARGS...]",
		Short: "Run a command on TARGET, or locally with --local, and relay its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func(ctx context.Context, sp spawn.Spawner, argv []string) error {
				if len(argv) == 0 {
					return fmt.Errorf("missing command")
				}
				res, err := sp.Spawn(ctx, argv[0], argv[1:], cwd)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
				if !res.Success() {
					return &exitCodeError{code: exitStatus(res.ExitCode)}
				}
				return nil
			}

			if local {
				ctx, cancel := opts.requestContext(cmd.Context())
				defer cancel()
				return run(ctx, spawn.NewLocal(), args)
			}
			return opts.withChannel(cmd, args[0], func(ctx context.Context, _ *remote.Connection, ch *channel.Channel) error {
				return run(ctx, spawn.NewRemote(ch, opts.logger), args[1:])
			})
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the command")
	cmd.Flags().BoolVar(&local, "local", false, "run on this host instead of a remote target")
	return cmd
}

// exitStatus maps a process exit code onto a shell exit status.
func exitStatus(code int32) int {
	if code < 0 || code > 255 {
		return 255
	}
	return int(code)
}

func newCatCmd(opts *rootOptions) *cobra.Command {
	var offset, length uint64
	cmd := &cobra.Command{
		Use:   "cat TARGET PATH",
		Short: "Print a remote file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withChannel(cmd, args[0], func(ctx context.Context, _ *remote.Connection, ch *channel.Channel) error {
				fs := remotefs.New(ch)
				var (
					data []byte
					err  error
				)
				if cmd.Flags().Changed("offset") || cmd.Flags().Changed("length") {
					if !cmd.Flags().Changed("length") {
						length = ^uint64(0) >> 1
					}
					data, err = fs.ReadRange(ctx, args[1], offset, length)
				} else {
					data, err = fs.ReadFile(ctx, args[1])
				}
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "byte offset to start reading at")
	cmd.Flags().Uint64Var(&length, "length", 0, "maximum number of bytes to read")
	return cmd
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put TARGET LOCAL_PATH REMOTE_PATH",
		Short: "Upload a local file (or - for stdin) to the remote host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[1] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(config.ExpandPath(args[1]))
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[1], err)
			}

			return opts.withChannel(cmd, args[0], func(ctx context.Context, _ *remote.Connection, ch *channel.Channel) error {
				n, err := remotefs.New(ch).WriteFile(ctx, args[2], data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes to %s\n", okColor("wrote"), n, args[2])
				return nil
			})
		},
	}
}

func newStatCmd(opts *rootOptions) *cobra.Command {
	var noFollow bool
	cmd := &cobra.Command{
		Use:   "stat TARGET PATH",
		Short: "Show metadata for a remote path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withChannel(cmd, args[0], func(ctx context.Context, _ *remote.Connection, ch *channel.Channel) error {
				fs := remotefs.New(ch)
				stat := fs.Stat
				if noFollow {
					stat = fs.Lstat
				}
				meta, err := stat(ctx, args[1])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "path\t%s\n", args[1])
				fmt.Fprintf(w, "type\t%s\n", metadataType(meta))
				fmt.Fprintf(w, "size\t%d\n", meta.Size)
				fmt.Fprintf(w, "mode\t%s\n", formatMode(meta.Mode))
				fmt.Fprintf(w, "owner\t%d:%d\n", meta.UID, meta.GID)
				fmt.Fprintf(w, "modified\t%s\n", time.Unix(meta.Mtime, 0).Format(time.RFC3339))
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "describe a symlink itself rather than its target")
	return cmd
}

func metadataType(m *protocol.Metadata) string {
	switch {
	case m.IsSymlink && m.LinkDir:
		return "symlink to directory"
	case m.IsSymlink:
		return "symlink"
	case m.IsDir:
		return "directory"
	case m.IsFile:
		return "file"
	default:
		return "other"
	}
}

func formatMode(mode uint32) string {
	return fmt.Sprintf("%04o", mode&0o7777)
}

func newLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls TARGET PATH",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withChannel(cmd, args[0], func(ctx context.Context, _ *remote.Connection, ch *channel.Channel) error {
				entries, err := remotefs.New(ch).ReadDir(ctx, args[1])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, e := range entries {
					name := e.Name
					switch {
					case e.IsDir || e.LinkDir:
						name += "/"
					case e.IsSymlink:
						name += "@"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
						formatMode(e.Mode),
						e.Size,
						time.Unix(e.Mtime, 0).Format("2006-01-02 15:04"),
						name,
					)
				}
				return w.Flush()
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history [TARGET]",
		Short: "Show recent connection attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.config.History.Enabled {
				return fmt.Errorf("history is disabled in the configuration")
			}
			store, err := history.Open(config.ExpandPath(opts.config.History.Path))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if prune > 0 {
				n, err := store.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
				return nil
			}

			target := ""
			if len(args) == 1 {
				params, err := opts.resolveTarget(args[0])
				if err != nil {
					return err
				}
				target = params.String()
			}
			entries, err := store.List(ctx, target, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tTARGET\tOUTCOME\tDURATION\tDETAIL")
			for _, e := range entries {
				outcome := okColor(string(e.Outcome))
				detail := fmt.Sprintf("v%d", e.ProtocolVersion)
				if e.Outcome == history.OutcomeFailed {
					outcome = errorColor(string(e.Outcome))
					detail = firstLine(e.Error)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					dimColor(e.StartedAt.Local().Format("2006-01-02 15:04:05")),
					e.Target,
					outcome,
					e.Duration,
					detail,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this instead of listing")
	return cmd
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
