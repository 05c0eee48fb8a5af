// Copyright © 2024 MoleQueue contributors.
//
//  This file is part of molequeue.
//
//  molequeue is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  molequeue is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

// Package cmd implements the molequeue command-line client: a thin
// cobra front end that either starts the daemon ("serve") or talks to
// an already-running one over its JSON-RPC socket.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/spf13/cobra"
)

// Flags shared across subcommands. wr's own cmd package keeps these as
// package-level vars bound by each subcommand's init(), rather than
// threading a config struct through every Run func, and kill.go
// already assumes that shape for timeoutint.
var (
	baseDir    string
	socketPath string
	timeoutint int

	cmdIDStatus   string
	cmdFileStatus string
)

var appLogger = log15.New()

// RootCmd is the entry point every subcommand registers itself with
// from its own init().
var RootCmd = &cobra.Command{
	Use:   "molequeue",
	Short: "molequeue submits and tracks computational chemistry jobs",
	Long: `molequeue is a job queue daemon for computational chemistry
calculations: submit a job to a configured local or remote queue, track
its state as it runs, and retrieve its output once finished.

Run "molequeue serve" to start the daemon, then use the other
subcommands to talk to it over its control socket.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logPath := filepath.Join(baseDir, "log", "cli.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
			if fh, err := log15.FileHandler(logPath, log15.LogfmtFormat()); err == nil {
				l15h.AddHandler(appLogger, fh)
			}
		}
	},
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultBase := filepath.Join(home, ".molequeue")

	RootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", defaultBase,
		"directory holding the daemon's jobs, queue config and log")
	RootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"control socket path (defaults to <base-dir>/molequeue.sock)")
	RootCmd.PersistentFlags().IntVar(&timeoutint, "timeout", 30,
		"how long (seconds) to wait for a reply from the daemon")
}

// Execute runs the selected subcommand; main calls this and exits
// non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvedSocketPath returns --socket if set, else the default path
// under --base-dir.
func resolvedSocketPath() string {
	if socketPath != "" {
		return socketPath
	}
	return filepath.Join(baseDir, "molequeue.sock")
}

// connect dials the daemon's control socket, dying with a helpful
// message if it isn't there -- almost always because the daemon isn't
// running.
func connect(timeout time.Duration) *Client {
	c, err := Dial(resolvedSocketPath(), timeout)
	if err != nil {
		die("could not connect to molequeue daemon at %s: %s\n(is it running? try 'molequeue serve')",
			resolvedSocketPath(), err)
	}
	return c
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "molequeue: error: "+format+"\n", args...)
	os.Exit(1)
}

func warn(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "molequeue: warning: "+format+"\n", args...)
}

func info(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
