// ABOUTME: Stdio agent for manual and end-to-end testing of the remote channel.
// ABOUTME: Usage: fake-agent [-bootstrap] [-version 1] [-chunk 65536]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/2389/quill/internal/agentd"
	"github.com/2389/quill/internal/config"
	"github.com/2389/quill/internal/logging"
	"github.com/2389/quill/internal/protocol"
)

func main() {
	bootstrap := flag.Bool("bootstrap", false, "consume a length-prefixed bootstrap payload from stdin first")
	version := flag.Uint("version", uint(protocol.Version), "protocol version to announce")
	chunk := flag.Int("chunk", 0, "bytes per streamed read chunk (0 for default)")
	level := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	// stdout carries the protocol; logs go to stderr.
	logger := logging.New(config.LoggingConfig{Level: *level}, os.Stderr)

	if err := run(logger, *bootstrap, uint32(*version), *chunk); err != nil {
		fmt.Fprintln(os.Stderr, "fake-agent:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, bootstrap bool, version uint32, chunk int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stdin := bufio.NewReader(os.Stdin)
	if bootstrap {
		if err := agentd.DiscardBootstrap(stdin); err != nil {
			return err
		}
	}

	return agentd.Serve(ctx, stdin, os.Stdout, agentd.Options{
		Logger:    logger,
		Version:   version,
		ChunkSize: chunk,
	})
}
