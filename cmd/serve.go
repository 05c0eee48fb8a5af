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

package cmd

import (
	"path/filepath"

	"github.com/OpenChemistry/molequeue/internal"
	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/OpenChemistry/molequeue/scheduler"
	"github.com/OpenChemistry/molequeue/server"
	"github.com/spf13/cobra"
)

var serveForce bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the molequeue daemon",
	Long: `Starts the molequeue daemon: loads the job registry, any
previously-saved queue configurations and log entries under --base-dir,
then listens on the control socket for JSON-RPC clients until it
receives a signal, an rpcKill request, or a host quit-signal.`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := internal.EnsureDir(baseDir); err != nil {
			die("could not create base directory %s: %s", baseDir, err)
		}

		logPath := filepath.Join(baseDir, "log", "log.json")
		lg, err := logger.LoadFromFile(logPath, appLogger)
		if err != nil {
			lg = logger.New(1000, appLogger)
		}

		registry, err := jobqueue.NewRegistry(filepath.Join(baseDir, "jobs"), appLogger)
		if err != nil {
			die("could not open job registry: %s", err)
		}
		if err := registry.Load(); err != nil {
			warn("loading existing jobs: %s", err)
		}

		manager := scheduler.NewManager(filepath.Join(baseDir, "config"), registry, lg, appLogger)
		if err := manager.Load(); err != nil {
			warn("loading queue configuration: %s", err)
		}

		srv := server.NewServer(resolvedSocketPath(), baseDir, registry, manager, lg, appLogger)
		if err := srv.Start(serveForce); err != nil {
			die("%s", err)
		}
		info("molequeue serving on %s", resolvedSocketPath())
		if err := srv.Wait(); err != nil {
			warn("%s", err)
		}
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&serveForce, "force", "f", false,
		"remove a stale socket left behind by an unclean shutdown before starting")
}
