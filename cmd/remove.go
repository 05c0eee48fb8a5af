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

var removeCmd = &cobra.Command{
	Use:   "remove [moleQueueId]",
	Short: "Delete a finished job's record",
	Long: `Deletes the daemon's record of a job that has already
reached a terminal state (Finished or Canceled). A still-running
job must be canceled first with "molequeue kill".`,
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

		if err := c.Call("removeJob", map[string]interface{}{"moleQueueId": id}, nil); err != nil {
			die("removeJob failed: %s", err)
		}
		info("removed job %d", id)
	},
}

func init() {
	RootCmd.AddCommand(removeCmd)
}
