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
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// killCmd represents the kill command
var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Cancel running jobs",
	Long: `Cancels one or more running jobs via the daemon's cancelJob
method. After killing a job, there may be a short delay before its
backend process actually stops and the job's state reaches Canceled.

Specify one of -i or -f to choose which jobs to cancel.

The file given to -f should list one moleQueueId per line.`,
	Run: func(cmd *cobra.Command, args []string) {
		ids := getKillIDs()
		if len(ids) == 0 {
			die("1 of -f or -i is required")
		}

		timeout := time.Duration(timeoutint) * time.Second
		jq := connect(timeout)
		defer func() {
			if err := jq.Disconnect(); err != nil {
				warn("Disconnecting from the server failed: %s", err)
			}
		}()

		killed := 0
		for _, id := range ids {
			var result struct {
				MoleQueueID int `json:"moleQueueId"`
			}
			if err := jq.Call("cancelJob", map[string]interface{}{"moleQueueId": id}, &result); err != nil {
				warn("killing job %d failed: %s", id, err)
				continue
			}
			killed++
		}
		info("Initiated the termination of %d running commands (out of %d requested)", killed, len(ids))
	},
}

// getKillIDs collects the moleQueueIds to cancel from whichever of -f
// or -i was given. wr's kill command picks jobs by matching
// (file|cmdline|identifier|all) against its queue's live command
// lines; MoleQueue instead addresses jobs by the server-assigned id
// handed back from submitJob, so only -f and -i carry over.
func getKillIDs() []int {
	set := 0
	if cmdFileStatus != "" {
		set++
	}
	if cmdIDStatus != "" {
		set++
	}
	if set > 1 {
		die("-f and -i are mutually exclusive; only specify one of them")
	}

	switch {
	case cmdIDStatus != "":
		return parseIDList(cmdIDStatus)
	case cmdFileStatus != "":
		return readIDFile(cmdFileStatus)
	default:
		return nil
	}
}

func parseIDList(s string) []int {
	var ids []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			die("%q is not a valid moleQueueId", field)
		}
		ids = append(ids, id)
	}
	return ids
}

func readIDFile(path string) []int {
	f, err := os.Open(path)
	if err != nil {
		die("opening %s: %s", path, err)
	}
	defer f.Close()

	var ids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			die("%s: %q is not a valid moleQueueId", path, line)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		die("reading %s: %s", path, err)
	}
	return ids
}

func init() {
	RootCmd.AddCommand(killCmd)

	// flags specific to this sub-command
	killCmd.Flags().StringVarP(&cmdFileStatus, "file", "f", "", "file listing moleQueueIds (one per line) of the jobs you want to kill")
	killCmd.Flags().StringVarP(&cmdIDStatus, "identifier", "i", "", "comma-separated moleQueueIds of the jobs you want to kill")
}
