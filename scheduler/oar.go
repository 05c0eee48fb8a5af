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

package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/inconshreveable/log15"
)

var (
	oarSubmitIDRegexp   = regexp.MustCompile(`OAR_JOB_ID=(\d+)`)
	oarStatusLineRegexp = regexp.MustCompile(`^(\d+)\s+\S+\s+\S+\s+\S+\s+(\S+)\s`)
)

// oarMapStatus maps an oarstat state word to a JobState. Waiting,
// Hold, toLaunch and Launching are still-queued; Running and Finishing
// are running; everything else, including toError, Error and
// Terminated, is surfaced as Error since oarstat's
// default listing, like squeue and qstat, omits jobs that have
// genuinely finished — a Terminated job seen here indicates the poll
// raced the backend and the engine should treat it as an anomaly.
func oarMapStatus(raw string) jobqueue.JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "waiting", "tolaunch", "launching", "hold":
		return jobqueue.JobStateQueuedRemote
	case "running", "finishing":
		return jobqueue.JobStateRunningRemote
	default:
		return jobqueue.JobStateError
	}
}

var oarAdapter = RemoteAdapter{
	Name:             "OAR",
	SubmitCmd:        "oarsub -S",
	StatusCmd:        "oarstat -u -j",
	CancelCmd:        "oardel",
	SubmitIDRegexp:   oarSubmitIDRegexp,
	StatusLineRegexp: oarStatusLineRegexp,
	MapStatus:        oarMapStatus,
}

// NewOAREngine creates a remote pipeline engine for an OAR queue over
// SSH.
func NewOAREngine(queueName, remoteBase string, registry *jobqueue.Registry, backend RemoteBackend, lg *logger.Logger, log log15.Logger, pollInterval time.Duration) *remoteEngine {
	return newRemoteEngine(queueName, remoteBase, registry, backend, oarAdapter, lg, log, pollInterval)
}
