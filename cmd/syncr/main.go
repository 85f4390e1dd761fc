// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command syncr is the n-way filesystem synchronizer: `syncr sync`
// runs the orchestrator over a set of local and remote roots, and
// `syncr serve` is the per-root protocol server the orchestrator spawns
// (locally or through ssh) for each remote root.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncr/syncr/internal/config"
	"github.com/syncr/syncr/internal/exclude"
	"github.com/syncr/syncr/internal/fsserver"
	"github.com/syncr/syncr/internal/logging"
	"github.com/syncr/syncr/internal/observer"
	"github.com/syncr/syncr/internal/state"
	"github.com/syncr/syncr/internal/syncengine"
	"github.com/syncr/syncr/internal/transport"
	"github.com/syncr/syncr/internal/wire"
)

const (
	exitOK = 0
	// exitInterrupt and exitTerminated follow the 128+signal shell
	// convention for SIGINT and SIGTERM.
	exitInterrupt  = 130
	exitTerminated = 143
	exitError      = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitError
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "sync":
		return runSync(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "syncr: unknown command %q\n", args[0])
		usage()
		return exitError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  syncr sync [flags] <location>...   reconcile two or more roots
  syncr serve [flags] <path>         run as a protocol server on stdin/stdout`)
}

// stringList is a repeatable flag value.
type stringList []string

func (s *stringList) String() string     { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func runSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a .syncr.yaml options file")
	profile := fs.String("profile", "", "profile name (selects the manifest)")
	stateDir := fs.String("state-dir", "", "override the state directory")
	dryRun := fs.Bool("dry-run", false, "compute and report the diff without changing anything")
	onConflict := fs.String("on-conflict", "", "conflict strategy: first, last, newest, oldest, largest, smallest, node:<i>, name:<loc>, skip, fail, interactive")
	chunkBits := fs.Uint("chunk-bits", 0, "chunking window bits (expected chunk size 2^bits)")
	bwLimit := fs.String("bwlimit", "", "bandwidth cap per remote, e.g. 512kb")
	verbose := fs.Bool("v", false, "debug logging")
	logFormat := fs.String("log-format", "", "log format: json or text")
	var excludes, includes stringList
	fs.Var(&excludes, "exclude", "exclusion glob (repeatable)")
	fs.Var(&includes, "include", "inclusion override glob (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	locations := fs.Args()

	opts := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncr: %v\n", err)
			return exitError
		}
		opts = loaded
	}
	if *profile != "" {
		opts.Profile = *profile
	}
	if *stateDir != "" {
		opts.StateDir = *stateDir
	}
	if *dryRun {
		opts.DryRun = true
	}
	if *onConflict != "" {
		opts.Conflict.Strategy = *onConflict
	}
	if *chunkBits != 0 {
		opts.ChunkBits = *chunkBits
	}
	if *bwLimit != "" {
		opts.BandwidthLimit = *bwLimit
	}
	opts.Exclude = append(opts.Exclude, excludes...)
	opts.Include = append(opts.Include, includes...)
	if *verbose {
		opts.Logging.Level = "debug"
	}
	if *logFormat != "" {
		opts.Logging.Format = *logFormat
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "syncr: %v\n", err)
		return exitError
	}

	logger, logCloser := logging.NewLogger(opts.Logging.Level, opts.Logging.Format, opts.Logging.File)
	defer logCloser.Close()

	engine, err := syncengine.New(opts, logger, &observer.LogSink{Logger: logger}, nil)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitError
	}

	ctx, stop, interrupted := signalContext()
	defer stop()

	report, err := engine.Run(ctx, locations)
	if err != nil {
		if sig := interrupted(); sig != 0 {
			logger.Warn("sync interrupted", "signal", sig.String())
			return signalExitCode(sig)
		}
		logger.Error("sync failed", "error", err)
		if errors.Is(err, state.ErrLockHeld) || errors.Is(err, syncengine.ErrConflict) ||
			errors.Is(err, syncengine.ErrMissingChunks) {
			fmt.Fprintf(os.Stderr, "syncr: %v\n", err)
		}
		return exitError
	}

	if report.DryRun {
		fmt.Printf("dry run: %d record(s) would propagate, %d chunk(s) / %d byte(s) would transfer, %d delete(s)\n",
			report.FilesPropagated, report.WouldTransferChunks, report.WouldTransferBytes, report.Deletes)
	} else {
		fmt.Printf("synced %d node(s): %d record(s) propagated, %d byte(s) relayed, %d delete(s), %d conflict(s)\n",
			len(report.Nodes), report.FilesPropagated, report.BytesRelayed, report.Deletes, report.Conflicts)
	}
	return exitOK
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	chunkBits := fs.Uint("chunk-bits", 0, "chunking window bits")
	verbose := fs.Bool("v", false, "debug logging")
	var excludes, includes stringList
	fs.Var(&excludes, "exclude", "exclusion glob (repeatable)")
	fs.Var(&includes, "include", "inclusion override glob (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "syncr serve: exactly one root path required")
		return exitError
	}
	root := fs.Arg(0)

	opts := config.Default()
	opts.Exclude = excludes
	opts.Include = includes
	if *chunkBits != 0 {
		opts.ChunkBits = *chunkBits
	}
	level := "info"
	if *verbose {
		level = "debug"
	}
	// stdout carries the wire protocol; logs go to stderr, where the
	// orchestrator's handshake reader tolerates them as passthrough.
	logger := logging.NewLoggerTo(os.Stderr, level, "text")

	excl, err := exclude.New(root, exclude.Options{Patterns: opts.Exclude, Include: opts.Include})
	if err != nil {
		logger.Error("building exclusion engine", "error", err)
		return exitError
	}
	srv, err := fsserver.New(root, opts.ChunkBits, excl, logger)
	if err != nil {
		logger.Error("starting server", "root", root, "error", err)
		return exitError
	}

	conn := transport.NewStreamConn(os.Stdin, os.Stdout, nil)
	version, err := conn.ServerHandshake(wire.SupportedVersions)
	if err != nil {
		logger.Error("handshake failed", "error", err)
		return exitError
	}
	logger.Info("serving", "root", root, "version", version)

	if err := srv.Serve(conn); err != nil {
		logger.Error("session ended with error", "error", err)
		return exitError
	}
	return exitOK
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, plus an
// accessor for which signal fired. The handler does nothing beyond the
// cancellation: every resource is released by the deferred guards on
// the sync path.
func signalContext() (context.Context, func(), func() syscall.Signal) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	var got syscall.Signal
	go func() {
		if sig, ok := <-ch; ok {
			if s, isSyscall := sig.(syscall.Signal); isSyscall {
				got = s
			}
			cancel()
		}
	}()

	stop := func() {
		signal.Stop(ch)
		close(ch)
		cancel()
	}
	return ctx, stop, func() syscall.Signal { return got }
}

func signalExitCode(sig syscall.Signal) int {
	switch sig {
	case syscall.SIGINT:
		return exitInterrupt
	case syscall.SIGTERM:
		return exitTerminated
	default:
		return exitError
	}
}
