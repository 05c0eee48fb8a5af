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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/event"
	"github.com/OpenChemistry/molequeue/internal"
	"github.com/inconshreveable/log15"
)

// StateChange is the payload handed to Registry.StateChanged
// subscribers: the job whose state moved, and the state it moved from.
type StateChange struct {
	Job *Job
	Old JobState
	New JobState
}

// jobInfoFile is the on-disk filename holding a live Job's snapshot,
// per spec §6's layout: jobs/<moleQueueId>/mqjobinfo.json.
const jobInfoFile = "mqjobinfo.json"

// jobInfoArchivedFile is what mqjobinfo.json is renamed to on removal,
// so a removed job's history survives on disk without being scanned
// back in on the next Load (spec §6).
const jobInfoArchivedFile = "mqjobinfo-archived.json"

// Registry owns every Job the daemon knows about: it allocates
// MoleQueueIDs, indexes jobs by id and by state, persists them to
// disk, and fires the events other packages (logger, server) observe
// to react to job lifecycle changes (spec §4.3).
type Registry struct {
	mu     sync.RWMutex
	jobs   map[MoleQueueID]*Job
	nextID MoleQueueID
	dir    string
	log    log15.Logger

	AboutToAdd    event.Emitter[*Job]
	Added         event.Emitter[*Job]
	AboutToRemove event.Emitter[*Job]
	Removed       event.Emitter[*Job]
	StateChanged  event.Emitter[StateChange]
	Updated       event.Emitter[*Job]
}

// NewRegistry creates a Registry that persists jobs under dir (spec
// §6's top-level "jobs" directory). dir is created if missing.
func NewRegistry(dir string, log log15.Logger) (*Registry, error) {
	if log == nil {
		log = log15.New()
	}
	if _, err := internal.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("jobqueue: creating job store %s: %w", dir, err)
	}
	r := &Registry{
		jobs:   make(map[MoleQueueID]*Job),
		nextID: 1,
		dir:    dir,
		log:    log.New("component", "registry"),
	}
	// AboutToAdd gives the registry itself a chance to set defaults
	// before a job is ever seen outside this package (spec §4.3's
	// "new-job() ... persists immediately", §4.8's localWorkingDirectory
	// assignment): every job gets a working directory under this
	// registry's job store unless something else has already set one.
	r.AboutToAdd.Subscribe(func(j *Job) {
		j.mu.Lock()
		if j.LocalWorkingDirectory == "" {
			j.LocalWorkingDirectory = r.jobDir(j.id)
		}
		j.mu.Unlock()
	})
	return r, nil
}

// NewJob allocates a fresh Job with the next MoleQueueID, registers it
// in state None, fires AboutToAdd, persists its initial record and
// then announces it via Added. Callers populate the returned Job's
// fields and then call Accept.
func (r *Registry) NewJob() *Job {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	j := &Job{id: id, state: JobStateNone}
	r.jobs[id] = j
	r.mu.Unlock()

	r.AboutToAdd.Emit(j)
	if err := r.persist(j); err != nil {
		r.log.Warn("failed to persist new job", "id", id, "err", err)
	}
	r.Added.Emit(j)
	return j
}

// NewJobFromJSON allocates a Job and populates its mutable fields from
// a submitJob-shaped JSON document (spec §4.8), leaving ClientID,
// MoleQueueID and JobState untouched by the caller's payload.
func (r *Registry) NewJobFromJSON(data []byte) (*Job, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("jobqueue: decoding job spec: %w", err)
	}
	if err := s.InputFile.Validate(); err != nil {
		return nil, err
	}
	j := r.NewJob()
	j.mu.Lock()
	j.Queue = s.Queue
	j.Program = s.Program
	j.Description = s.Description
	j.NumberOfCores = s.NumberOfCores
	j.InputFile = s.InputFile
	j.AdditionalInputFiles = s.AdditionalInputFiles
	// localWorkingDirectory is deliberately not taken from the client's
	// payload: the registry always assigns it itself, via the
	// AboutToAdd default set in NewRegistry.
	j.OutputDirectory = s.OutputDirectory
	j.RetrieveOutput = s.RetrieveOutput
	j.CleanLocalWorkingDir = s.CleanLocalWorkingDir
	j.CleanRemoteFiles = s.CleanRemoteFiles
	j.HideFromGUI = s.HideFromGUI
	j.MaxWallTime = time.Duration(s.MaxWallTime) * time.Minute
	j.mu.Unlock()
	return j, nil
}

// Accept validates j (currently requiring a non-Invalid InputFile and
// a Queue/Program name) and moves it None -> Accepted, persisting and
// announcing the transition.
func (r *Registry) Accept(j *Job) error {
	if err := j.InputFile.Validate(); err != nil {
		return err
	}
	if !internal.ValidName(j.Queue) || !internal.ValidName(j.Program) {
		return fmt.Errorf("jobqueue: invalid queue or program name for job %d", j.ID())
	}
	return r.SetState(j.ID(), JobStateAccepted)
}

// Remove takes a job out of the Registry's live index, archives its
// on-disk record, and fires AboutToRemove/Removed.
func (r *Registry) Remove(id MoleQueueID) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("jobqueue: no job with id %d", id)
	}
	r.AboutToRemove.Emit(j)
	delete(r.jobs, id)
	r.mu.Unlock()

	if err := r.archive(j); err != nil {
		r.log.Warn("failed to archive job record", "id", id, "err", err)
	}
	r.Removed.Emit(j)
	return nil
}

// Lookup returns the job with the given id, or (nil, false).
func (r *Registry) Lookup(id MoleQueueID) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// JobsInState returns every currently-registered job in state s, in
// ascending id order.
func (r *Registry) JobsInState(s JobState) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.State() == s {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out
}

// All returns every currently-registered job, in ascending id order.
func (r *Registry) All() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out
}

// SetState moves job id to newState if the transition is legal per
// ValidTransition, persists the job, and fires StateChanged then
// Updated. A no-op transition (newState == current state) still
// fires Updated but not StateChanged.
func (r *Registry) SetState(id MoleQueueID, newState JobState) error {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("jobqueue: no job with id %d", id)
	}

	j.mu.Lock()
	old := j.state
	if !ValidTransition(old, newState) {
		j.mu.Unlock()
		return fmt.Errorf("jobqueue: illegal transition %s -> %s for job %d", old, newState, id)
	}
	j.state = newState
	if newState.IsTerminal() && j.FinishedTimestamp.IsZero() {
		j.FinishedTimestamp = time.Now()
	}
	if old == JobStateNone && newState == JobStateAccepted && j.SubmittedTimestamp.IsZero() {
		j.SubmittedTimestamp = time.Now()
	}
	j.mu.Unlock()

	if err := r.persist(j); err != nil {
		r.log.Warn("failed to persist job after state change", "id", id, "err", err)
	}
	if old != newState {
		r.StateChanged.Emit(StateChange{Job: j, Old: old, New: newState})
	}
	r.Updated.Emit(j)
	return nil
}

// SetQueueID records the backend-assigned queue id (a PID or batch
// scheduler job id) for job id, persists, and fires Updated.
func (r *Registry) SetQueueID(id MoleQueueID, queueID string) error {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("jobqueue: no job with id %d", id)
	}
	j.mu.Lock()
	j.QueueID = queueID
	j.mu.Unlock()

	if err := r.persist(j); err != nil {
		r.log.Warn("failed to persist job after queue id change", "id", id, "err", err)
	}
	r.Updated.Emit(j)
	return nil
}

// Load scans dir for job directories left by a previous run, restoring
// every job whose mqjobinfo.json (not yet archived) it finds, and
// reseeds the id counter so new jobs never collide with a loaded one.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("jobqueue: reading job store %s: %w", r.dir, err)
	}

	var maxID MoleQueueID
	loaded := make(map[MoleQueueID]*Job)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), jobInfoFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // archived or never fully written
			}
			r.log.Warn("failed to read job record", "path", path, "err", err)
			continue
		}
		var s snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			r.log.Warn("failed to parse job record", "path", path, "err", err)
			continue
		}
		j := &Job{}
		j.restore(s)
		loaded[j.id] = j
		if j.id > maxID {
			maxID = j.id
		}
	}

	r.mu.Lock()
	for id, j := range loaded {
		r.jobs[id] = j
	}
	if maxID >= r.nextID {
		r.nextID = maxID + 1
	}
	r.mu.Unlock()

	r.log.Info("loaded jobs from disk", "count", len(loaded), "nextId", r.nextID)
	return nil
}

// Sync writes every currently-registered job's snapshot to disk. The
// server calls this on its persistence tick (spec §4.8) in addition
// to the write-through persist() on every mutation, as a defense
// against missed individual writes.
func (r *Registry) Sync() error {
	for _, j := range r.All() {
		if err := r.persist(j); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) jobDir(id MoleQueueID) string {
	return filepath.Join(r.dir, fmt.Sprintf("%d", id))
}

// persist writes j's snapshot to its job directory via a temp-file
// rename, so a crash mid-write never leaves a truncated record.
func (r *Registry) persist(j *Job) error {
	dir := r.jobDir(j.ID())
	if _, err := internal.EnsureDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(j.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(dir, jobInfoFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// archive renames a removed job's mqjobinfo.json out of the way
// rather than deleting it, matching spec §6's archival behavior.
func (r *Registry) archive(j *Job) error {
	dir := r.jobDir(j.ID())
	from := filepath.Join(dir, jobInfoFile)
	to := filepath.Join(dir, jobInfoArchivedFile)
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(from, to)
}
