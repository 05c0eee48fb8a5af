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
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitQueue       string
	submitProgram     string
	submitInputFile   string
	submitDescription string
	submitCores       int
	submitWallMinutes int
	submitWait        bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to a configured queue",
	Long: `Submits a new job: --queue and --program select which
configured queue and program to run it on, --input names the file to
send as the job's inputFile (its contents are read and sent inline).

With --wait, submit blocks and prints each jobStateChanged notification
as it arrives, until the job reaches Finished, Canceled or Error.`,
	Run: func(cmd *cobra.Command, args []string) {
		if submitQueue == "" || submitProgram == "" {
			die("--queue and --program are both required")
		}

		params := map[string]interface{}{
			"queue":   submitQueue,
			"program": submitProgram,
		}
		if submitDescription != "" {
			params["description"] = submitDescription
		}
		if submitCores > 0 {
			params["numberOfCores"] = submitCores
		}
		if submitWallMinutes > 0 {
			params["maxWallTime"] = submitWallMinutes
		}
		if submitInputFile != "" {
			contents, err := os.ReadFile(submitInputFile)
			if err != nil {
				die("reading --input file: %s", err)
			}
			params["inputFile"] = map[string]string{
				"filename": filepath.Base(submitInputFile),
				"contents": string(contents),
			}
		}

		timeout := time.Duration(timeoutint) * time.Second
		c := connect(timeout)
		defer func() {
			if err := c.Disconnect(); err != nil {
				warn("disconnecting from the daemon: %s", err)
			}
		}()

		var result struct {
			MoleQueueID int `json:"moleQueueId"`
		}
		if !submitWait {
			if err := c.Call("submitJob", params, &result); err != nil {
				die("submitJob failed: %s", err)
			}
			info("submitted job %d", result.MoleQueueID)
			return
		}

		notes, err := c.CallAndWatch("submitJob", params, &result)
		if err != nil {
			die("submitJob failed: %s", err)
		}
		info("submitted job %d", result.MoleQueueID)
		printStateChanges(notes, result.MoleQueueID)
		watchUntilTerminal(c, result.MoleQueueID)
	},
}

// jobStateChangedParams mirrors what handleStateChanged sends.
type jobStateChangedParams struct {
	MoleQueueID int    `json:"moleQueueId"`
	OldState    string `json:"oldState"`
	NewState    string `json:"newState"`
}

func printStateChanges(notes []Notification, wantID int) {
	for _, n := range notes {
		if n.Method != "jobStateChanged" {
			continue
		}
		var p jobStateChangedParams
		if json.Unmarshal(n.Params, &p) == nil && p.MoleQueueID == wantID {
			info("job %d: %s -> %s", p.MoleQueueID, p.OldState, p.NewState)
		}
	}
}

var terminalStates = map[string]bool{"Finished": true, "Canceled": true, "Error": true}

// watchUntilTerminal keeps reading notifications on c -- no further
// requests are sent -- until job id reaches a terminal state or the
// connection closes.
func watchUntilTerminal(c *Client, id int) {
	// The per-call deadline set by the submitJob round trip would
	// otherwise cut this open-ended wait short.
	_ = c.conn.SetDeadline(time.Time{})
	for {
		payload, err := c.readFrame()
		if err != nil {
			warn("connection to daemon closed: %s", err)
			return
		}
		var msg struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(payload, &msg) != nil || msg.Method != "jobStateChanged" {
			continue
		}
		var p jobStateChangedParams
		if json.Unmarshal(msg.Params, &p) != nil || p.MoleQueueID != id {
			continue
		}
		info("job %d: %s -> %s", p.MoleQueueID, p.OldState, p.NewState)
		if terminalStates[p.NewState] {
			return
		}
	}
}

func init() {
	RootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitQueue, "queue", "q", "", "queue to submit to (required)")
	submitCmd.Flags().StringVarP(&submitProgram, "program", "p", "", "program to run (required)")
	submitCmd.Flags().StringVarP(&submitInputFile, "input", "i", "", "input file to send inline as the job's inputFile")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "human-readable description of the job")
	submitCmd.Flags().IntVarP(&submitCores, "cores", "n", 0, "number of cores to request")
	submitCmd.Flags().IntVar(&submitWallMinutes, "wall-time", 0, "maximum wall time in minutes")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait and print state changes until the job finishes")
}
