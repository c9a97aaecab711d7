// ABOUTME: Entry point for quill-remote, a CLI over the remote agent channel
// ABOUTME: Connects over ssh and runs file and process operations on the target

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/quill/internal/config"
	"github.com/2389/quill/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

type rootOptions struct {
	configPath string
	identity   string
	verbose    bool

	config *config.Config
	logger *slog.Logger
}

// prepare loads the configuration and installs the logger.
func (o *rootOptions) prepare() error {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}

	o.config = cfg
	o.logger = logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(o.logger)
	return nil
}

// requestContext bounds a single command by the configured request timeout.
func (o *rootOptions) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if o.config.SSH.RequestTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.config.SSH.RequestTimeout)
}

// exitCodeError carries a remote process exit status out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "quill-remote",
		Short:         "Run file and process operations on a remote host through an ssh agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.prepare()
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVarP(&opts.identity, "identity", "i", "", "ssh identity file (overrides the host's configured identity)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newPingCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newCatCmd(opts))
	rootCmd.AddCommand(newPutCmd(opts))
	rootCmd.AddCommand(newStatCmd(opts))
	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, errorColor("error:"), err)
	os.Exit(1)
}
