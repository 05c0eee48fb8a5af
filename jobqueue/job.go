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

package jobqueue

import (
	"sync"
	"time"
)

// MoleQueueID is the immutable, server-assigned identifier given to
// every Job on acceptance (spec §3). It is never reused, even across
// daemon restarts: Registry.Load reseeds its counter from the highest
// id found on disk.
type MoleQueueID uint64

// Job is the full mutable record MoleQueue keeps for one submitted
// calculation (spec §3). Only Registry may construct and mutate a Job;
// callers elsewhere in the daemon see it through Registry's accessors
// and the read-only snapshots those return.
type Job struct {
	mu sync.RWMutex

	id MoleQueueID

	// ClientID is the id the submitting client used in its
	// submitJob request, so replies and notifications can be routed
	// back to the right connection (spec §4.8).
	ClientID int

	Queue       string
	Program     string
	Description string

	NumberOfCores  int
	MaxWallTime    time.Duration
	InputFile      FileSpec
	AdditionalInputFiles []FileSpec

	LocalWorkingDirectory string
	OutputDirectory       string

	RetrieveOutput       bool
	CleanLocalWorkingDir bool
	CleanRemoteFiles     bool
	HideFromGUI          bool

	// QueueID is the identifier the execution backend assigned this
	// job (a PID for local jobs, a batch-scheduler job id for remote
	// queues). It is empty/zero until the backend accepts the job.
	QueueID string

	state JobState

	SubmittedTimestamp time.Time
	FinishedTimestamp  time.Time

	ExitCode    int
	ErrorString string
}

// ID returns the job's immutable MoleQueue-assigned identifier.
func (j *Job) ID() MoleQueueID {
	return j.id
}

// State returns the job's current JobState.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// snapshot is the JSON-facing view of a Job, used both for on-disk
// persistence (spec §6) and for the jobStateChanged/lookupJob RPC
// payloads (spec §4.8). It is a plain value so json.Marshal never
// has to reach past Job's mutex.
type snapshot struct {
	MoleQueueID           MoleQueueID `json:"moleQueueId"`
	ClientID              int         `json:"clientId,omitempty"`
	Queue                 string      `json:"queue"`
	Program               string      `json:"program"`
	Description           string      `json:"description,omitempty"`
	NumberOfCores         int         `json:"numberOfCores,omitempty"`
	MaxWallTime           int64       `json:"maxWallTime,omitempty"` // minutes
	InputFile             FileSpec    `json:"inputFile"`
	AdditionalInputFiles  []FileSpec  `json:"additionalInputFiles,omitempty"`
	LocalWorkingDirectory string      `json:"localWorkingDirectory"`
	OutputDirectory       string      `json:"outputDirectory,omitempty"`
	RetrieveOutput        bool        `json:"retrieveOutput"`
	CleanLocalWorkingDir  bool        `json:"cleanLocalWorkingDirectory"`
	CleanRemoteFiles      bool        `json:"cleanRemoteFiles"`
	HideFromGUI           bool        `json:"hideFromGui,omitempty"`
	QueueID               string      `json:"queueId,omitempty"`
	JobState              JobState    `json:"jobState"`
	SubmittedTimestamp    time.Time   `json:"submittedTimestamp,omitempty"`
	FinishedTimestamp     time.Time   `json:"finishedTimestamp,omitempty"`
	ExitCode              int         `json:"exitCode,omitempty"`
	ErrorString           string      `json:"errorString,omitempty"`
}

// Snapshot returns a point-in-time, JSON-serializable copy of j.
func (j *Job) Snapshot() snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return snapshot{
		MoleQueueID:           j.id,
		ClientID:              j.ClientID,
		Queue:                 j.Queue,
		Program:               j.Program,
		Description:           j.Description,
		NumberOfCores:         j.NumberOfCores,
		MaxWallTime:           int64(j.MaxWallTime / time.Minute),
		InputFile:             j.InputFile,
		AdditionalInputFiles:  j.AdditionalInputFiles,
		LocalWorkingDirectory: j.LocalWorkingDirectory,
		OutputDirectory:       j.OutputDirectory,
		RetrieveOutput:        j.RetrieveOutput,
		CleanLocalWorkingDir:  j.CleanLocalWorkingDir,
		CleanRemoteFiles:      j.CleanRemoteFiles,
		HideFromGUI:           j.HideFromGUI,
		QueueID:               j.QueueID,
		JobState:              j.state,
		SubmittedTimestamp:    j.SubmittedTimestamp,
		FinishedTimestamp:     j.FinishedTimestamp,
		ExitCode:              j.ExitCode,
		ErrorString:           j.ErrorString,
	}
}

// restore loads a previously-persisted snapshot back into j. Used only
// by Registry.Load while reconstructing Jobs from disk.
func (j *Job) restore(s snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = s.MoleQueueID
	j.ClientID = s.ClientID
	j.Queue = s.Queue
	j.Program = s.Program
	j.Description = s.Description
	j.NumberOfCores = s.NumberOfCores
	j.MaxWallTime = time.Duration(s.MaxWallTime) * time.Minute
	j.InputFile = s.InputFile
	j.AdditionalInputFiles = s.AdditionalInputFiles
	j.LocalWorkingDirectory = s.LocalWorkingDirectory
	j.OutputDirectory = s.OutputDirectory
	j.RetrieveOutput = s.RetrieveOutput
	j.CleanLocalWorkingDir = s.CleanLocalWorkingDir
	j.CleanRemoteFiles = s.CleanRemoteFiles
	j.HideFromGUI = s.HideFromGUI
	j.QueueID = s.QueueID
	j.state = s.JobState
	j.SubmittedTimestamp = s.SubmittedTimestamp
	j.FinishedTimestamp = s.FinishedTimestamp
	j.ExitCode = s.ExitCode
	j.ErrorString = s.ErrorString
}
