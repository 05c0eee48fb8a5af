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

// Package jobqueue implements the MoleQueue data model: Job and
// JobState (spec §3) and the Registry that owns every Job record
// (spec §4.3).
package jobqueue

import (
	"encoding/json"
	"fmt"
)

// JobState is the central job state machine (spec §3).
type JobState int

// The possible JobStates.
const (
	JobStateNone JobState = iota
	JobStateAccepted
	JobStateQueuedLocal
	JobStateSubmitted
	JobStateQueuedRemote
	JobStateRunningLocal
	JobStateRunningRemote
	JobStateFinished
	JobStateCanceled
	JobStateError
)

var jobStateNames = map[JobState]string{
	JobStateNone:          "None",
	JobStateAccepted:      "Accepted",
	JobStateQueuedLocal:   "QueuedLocal",
	JobStateSubmitted:     "Submitted",
	JobStateQueuedRemote:  "QueuedRemote",
	JobStateRunningLocal:  "RunningLocal",
	JobStateRunningRemote: "RunningRemote",
	JobStateFinished:      "Finished",
	JobStateCanceled:      "Canceled",
	JobStateError:         "Error",
}

var jobStateValues = func() map[string]JobState {
	m := make(map[string]JobState, len(jobStateNames))
	for k, v := range jobStateNames {
		m[v] = k
	}
	return m
}()

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalJSON renders a JobState as its string name, matching the
// on-wire and on-disk JSON shapes spec §6 describes.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a JobState from its string name.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := jobStateValues[name]
	if !ok {
		return fmt.Errorf("jobqueue: unknown JobState %q", name)
	}
	*s = v
	return nil
}

// IsTerminal reports whether a job in this state is done: it will
// never transition again and has been (or is about to be) archived.
func (s JobState) IsTerminal() bool {
	return s == JobStateFinished || s == JobStateCanceled
}

// validTransitions enumerates the state machine edges from spec §3.
// State transitions are monotonic except Error -> Queued* (a retry).
var validTransitions = map[JobState]map[JobState]bool{
	JobStateNone: {
		JobStateAccepted: true,
	},
	JobStateAccepted: {
		JobStateQueuedLocal: true,
		JobStateSubmitted:   true,
		JobStateError:       true,
		JobStateCanceled:    true,
	},
	JobStateQueuedLocal: {
		JobStateRunningLocal: true,
		JobStateError:        true,
		JobStateCanceled:     true,
	},
	JobStateRunningLocal: {
		JobStateFinished: true,
		JobStateError:    true,
		JobStateCanceled: true,
	},
	JobStateSubmitted: {
		JobStateQueuedRemote: true,
		JobStateError:        true,
		JobStateCanceled:     true,
	},
	JobStateQueuedRemote: {
		JobStateRunningRemote: true,
		JobStateFinished:      true, // backend never reported it as running
		JobStateError:         true,
		JobStateCanceled:      true,
	},
	JobStateRunningRemote: {
		JobStateFinished: true,
		JobStateError:    true,
		JobStateCanceled: true,
	},
	JobStateError: {
		// a retry: Error -> Queued* is the one allowed non-monotonic edge
		JobStateQueuedLocal:  true,
		JobStateQueuedRemote: true,
	},
}

// ValidTransition reports whether moving a job from "from" to "to" is
// permitted by the state machine in spec §3.
func ValidTransition(from, to JobState) bool {
	if from == to {
		return true // set-state is defined as a no-op when unchanged
	}
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
