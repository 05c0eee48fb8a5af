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
	pbsSubmitIDRegexp   = regexp.MustCompile(`^(\d+)`)
	pbsStatusLineRegexp = regexp.MustCompile(`^(\d+)\S*\s+\S+\s+\S+\s+\S+\s+([A-Za-z])\s`)
)

// pbsMapStatus maps a single qstat state letter to a JobState, per
// spec §4.7's "Per-queue-type status mapping" (Q queued, H held, W
// waiting, T transiting are all still-pending; R running, E exiting
// are running; C is completed but PBS/Torque's own qstat omits
// completed jobs from the default listing, so it is not expected
// here — if it ever appears it's folded into Error to surface the
// anomaly rather than silently treat it as still-queued).
func pbsMapStatus(raw string) jobqueue.JobState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Q", "H", "W", "T":
		return jobqueue.JobStateQueuedRemote
	case "R", "E":
		return jobqueue.JobStateRunningRemote
	default:
		return jobqueue.JobStateError
	}
}

// pbsAdapter is the RemoteAdapter data record for PBS/Torque.
var pbsAdapter = RemoteAdapter{
	Name:             "PBS/Torque",
	SubmitCmd:        "qsub",
	StatusCmd:        "qstat",
	CancelCmd:        "qdel",
	SubmitIDRegexp:   pbsSubmitIDRegexp,
	StatusLineRegexp: pbsStatusLineRegexp,
	MapStatus:        pbsMapStatus,
}

// NewPBSEngine creates a remote pipeline engine for a PBS/Torque
// queue over SSH.
func NewPBSEngine(queueName, remoteBase string, registry *jobqueue.Registry, backend RemoteBackend, lg *logger.Logger, log log15.Logger, pollInterval time.Duration) *remoteEngine {
	return newRemoteEngine(queueName, remoteBase, registry, backend, pbsAdapter, lg, log, pollInterval)
}
