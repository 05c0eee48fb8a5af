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
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [moleQueueId]",
	Short: "Look up a job's current state",
	Long: `Prints the full job record for the given moleQueueId, as
returned by the daemon's lookupJob method.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			die("%q is not a valid moleQueueId", args[0])
		}

		timeout := time.Duration(timeoutint) * time.Second
		c := connect(timeout)
		defer func() {
			if err := c.Disconnect(); err != nil {
				warn("disconnecting from the daemon: %s", err)
			}
		}()

		var job map[string]interface{}
		if err := c.Call("lookupJob", map[string]interface{}{"moleQueueId": id}, &job); err != nil {
			die("lookupJob failed: %s", err)
		}

		info("job %v", job["moleQueueId"])
		info("  queue:       %v", job["queue"])
		info("  program:     %v", job["program"])
		info("  state:       %v", job["jobState"])
		if wd, ok := job["localWorkingDirectory"]; ok {
			info("  working dir: %v", wd)
		}
		if ec, ok := job["exitCode"]; ok {
			info("  exit code:   %v", ec)
		}
		if es, ok := job["errorString"]; ok {
			info("  error:       %v", es)
		}
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
