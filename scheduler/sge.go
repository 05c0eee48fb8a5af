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
	sgeSubmitIDRegexp   = regexp.MustCompile(`job\s+(\d+)`)
	sgeStatusLineRegexp = regexp.MustCompile(`^\s*(\d+)\s+\S+\s+\S+\s+\S+\s+([a-zA-Z]+)\s`)
)

// sgeMapStatus maps an SGE qstat state string (e.g. "qw", "r", "Eqw")
// to a JobState. Any state containing 'E' (error) is reported as
// Error; 'r'/'t' running-family states map to RunningRemote; the rest
// (queued/waiting/held/suspended) map to QueuedRemote.
func sgeMapStatus(raw string) jobqueue.JobState {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "e"):
		return jobqueue.JobStateError
	case strings.ContainsAny(s, "rt"):
		return jobqueue.JobStateRunningRemote
	case strings.ContainsAny(s, "qwhs"):
		return jobqueue.JobStateQueuedRemote
	default:
		return jobqueue.JobStateError
	}
}

var sgeAdapter = RemoteAdapter{
	Name:             "SGE",
	SubmitCmd:        "qsub",
	StatusCmd:        "qstat",
	CancelCmd:        "qdel",
	SubmitIDRegexp:   sgeSubmitIDRegexp,
	StatusLineRegexp: sgeStatusLineRegexp,
	MapStatus:        sgeMapStatus,
}

// NewSGEEngine creates a remote pipeline engine for a Sun/Son of Grid
// Engine queue over SSH.
func NewSGEEngine(queueName, remoteBase string, registry *jobqueue.Registry, backend RemoteBackend, lg *logger.Logger, log log15.Logger, pollInterval time.Duration) *remoteEngine {
	return newRemoteEngine(queueName, remoteBase, registry, backend, sgeAdapter, lg, log, pollInterval)
}
