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
	slurmSubmitIDRegexp   = regexp.MustCompile(`Submitted batch job (\d+)`)
	slurmStatusLineRegexp = regexp.MustCompile(`^\s*(\d+)\s+\S+\s+\S+\s+\S+\s+(\S+)\s`)
)

// slurmMapStatus maps a squeue ST code to a JobState. PD (pending)
// and CF (configuring) are still-queued; R (running) and CG
// (completing) are running; anything else (CA, F, TO, NF, ...) is
// treated as an error state for the purposes of the poll loop, which
// only ever sees active jobs (squeue omits completed ones).
func slurmMapStatus(raw string) jobqueue.JobState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PD", "CF":
		return jobqueue.JobStateQueuedRemote
	case "R", "CG":
		return jobqueue.JobStateRunningRemote
	default:
		return jobqueue.JobStateError
	}
}

var slurmAdapter = RemoteAdapter{
	Name:             "SLURM",
	SubmitCmd:        "sbatch",
	StatusCmd:        "squeue -j",
	CancelCmd:        "scancel",
	SubmitIDRegexp:   slurmSubmitIDRegexp,
	StatusLineRegexp: slurmStatusLineRegexp,
	MapStatus:        slurmMapStatus,
}

// NewSLURMEngine creates a remote pipeline engine for a SLURM queue
// over SSH.
func NewSLURMEngine(queueName, remoteBase string, registry *jobqueue.Registry, backend RemoteBackend, lg *logger.Logger, log log15.Logger, pollInterval time.Duration) *remoteEngine {
	return newRemoteEngine(queueName, remoteBase, registry, backend, slurmAdapter, lg, log, pollInterval)
}
