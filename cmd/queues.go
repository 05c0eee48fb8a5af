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
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List configured queues and their programs",
	Long:  `Prints every queue the daemon knows about, and the programs available on each, via the listQueues method.`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout := time.Duration(timeoutint) * time.Second
		c := connect(timeout)
		defer func() {
			if err := c.Disconnect(); err != nil {
				warn("disconnecting from the daemon: %s", err)
			}
		}()

		var queues map[string][]string
		if err := c.Call("listQueues", nil, &queues); err != nil {
			die("listQueues failed: %s", err)
		}

		names := make([]string, 0, len(queues))
		for name := range queues {
			names = append(names, name)
		}
		sort.Strings(names)

		if len(names) == 0 {
			info("no queues configured")
			return
		}
		for _, name := range names {
			programs := queues[name]
			sort.Strings(programs)
			info("%s:", name)
			for _, p := range programs {
				info("  %s", p)
			}
		}
	},
}

func init() {
	RootCmd.AddCommand(queuesCmd)
}
