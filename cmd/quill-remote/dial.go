// ABOUTME: Target resolution and connection setup shared by the subcommands
// ABOUTME: Records every connection attempt in the history store when enabled

package main

import (
	"context"
	"time"

	"github.com/fatih/color"

	"github.com/2389/quill/internal/config"
	"github.com/2389/quill/internal/history"
	"github.com/2389/quill/internal/remote"
)

var (
	okColor    = color.New(color.FgGreen).SprintFunc()
	errorColor = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor   = color.New(color.FgHiBlack).SprintFunc()
)

// resolveTarget turns a configured host name or a user@host[:port] string
// into connection parameters.
func (o *rootOptions) resolveTarget(target string) (remote.ConnectionParams, error) {
	identity := o.identity
	if host, ok := o.config.Host(target); ok {
		target = host.Target
		if identity == "" {
			identity = host.IdentityFile
		}
	}

	params, err := remote.ParseConnectionString(target)
	if err != nil {
		return remote.ConnectionParams{}, err
	}
	if identity != "" {
		params.IdentityFile = config.ExpandPath(identity)
	}
	return params, nil
}

// dial connects to target and records the attempt.
func (o *rootOptions) dial(ctx context.Context, target string) (*remote.Connection, error) {
	params, err := o.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, err := remote.Connect(ctx, params, remote.Options{
		Logger:           o.logger,
		Program:          o.config.SSH.Program,
		ExtraArgs:        o.config.SSH.ExtraArgs,
		HandshakeTimeout: o.config.SSH.HandshakeTimeout,
	})
	o.recordAttempt(ctx, params, conn, err, start)
	return conn, err
}

func (o *rootOptions) recordAttempt(ctx context.Context, params remote.ConnectionParams, conn *remote.Connection, connErr error, start time.Time) {
	if !o.config.History.Enabled {
		return
	}

	store, err := history.Open(config.ExpandPath(o.config.History.Path))
	if err != nil {
		o.logger.Warn("history unavailable", "error", err)
		return
	}
	defer store.Close()

	entry := &history.Entry{
		Target:    params.String(),
		Outcome:   history.OutcomeConnected,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if connErr != nil {
		entry.Outcome = history.OutcomeFailed
		entry.Error = connErr.Error()
	} else {
		entry.ConnectionID = conn.ID()
		entry.ProtocolVersion = conn.Version()
	}

	// The command context may already be done.
	if err := store.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("recording connection attempt failed", "error", err)
	}
}
