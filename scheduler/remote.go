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
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/internal"
	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/OpenChemistry/molequeue/queue"
	"github.com/inconshreveable/log15"
)

// defaultFailureBudget is the number of failed attempts at a pipeline
// stage a job may accumulate before it is moved to Error (spec
// §4.7's "Retries", resolved as a per-queue configurable in
// DESIGN.md's Open Question decision #2; default matches the spec
// body's own worked example of "fails four times in a row").
const defaultFailureBudget = 4

// RemoteBackend is the capability set spec §4.7 asks of a "remote
// shell transport": execute a command, copy files and directory
// trees in both directions. sshTransport implements it for
// PBS/SGE/SLURM/OAR over SSH; the UIT variant implements the same
// set over SOAP (uit.go).
type RemoteBackend interface {
	execute(command string) (output string, exitCode int, err error)
	copyTo(localPath, remotePath string) error
	copyFrom(remotePath, localPath string) error
	copyDirTo(localDir, remoteDir string) error
	copyDirFrom(remoteDir, localDir string) error
	removeRemote(path string) error
}

// RemoteAdapter is the small, queue-type-specific data record spec
// §4.7 and §9 call for: PBS/SGE/SLURM/OAR "differ only in the string
// of the submit/status/cancel commands, the regex that extracts the
// backend-assigned job id..., and the regex that parses a single line
// of the status-listing output". Each concrete adapter
// (scheduler/pbs.go etc.) is a value of this type, not a subtype —
// per §9's explicit "express this as data, not inheritance" guidance.
type RemoteAdapter struct {
	Name      string
	SubmitCmd string // e.g. "qsub"
	StatusCmd string // e.g. "qstat"
	CancelCmd string // e.g. "qdel"

	// SubmitIDRegexp extracts the backend job id from the submit
	// command's stdout; its first capture group is the id.
	SubmitIDRegexp *regexp.Regexp

	// StatusLineRegexp parses one line of the status listing into
	// (queueId, rawStatus); its first two capture groups are those.
	StatusLineRegexp *regexp.Regexp

	// MapStatus converts a raw per-line status token into one of
	// {QueuedRemote, RunningRemote, Error}, per spec §4.7's
	// "Per-queue-type status mapping".
	MapStatus func(raw string) jobqueue.JobState
}

// stage names a step of the per-job pipeline in spec §4.7.
type stage string

const (
	stageWriteInputFiles                  stage = "writeInputFiles"
	stageCopyInputFilesToHost             stage = "copyInputFilesToHost"
	stageSubmitJobToRemoteQueue           stage = "submitJobToRemoteQueue"
	stageBeginFinalizeJob                 stage = "beginFinalizeJob"
	stageFinalizeJobCopyFromServer        stage = "finalizeJobCopyFromServer"
	stageFinalizeJobCopyToCustomDest      stage = "finalizeJobCopyToCustomDestination"
	stageFinalizeJobCleanup               stage = "finalizeJobCleanup"
)

// pipelineItem is the Data payload carried by remoteEngine.pipeline's
// generic queue.Queue items.
type pipelineItem struct {
	jobID jobqueue.MoleQueueID
	stage stage
}

// remoteEngine drives one remote queue's job pipeline and polling
// loop (spec §4.7). Every PBS/SGE/SLURM/OAR/UIT queue runs one,
// configured with that queue type's RemoteAdapter value and a
// RemoteBackend; the adapters are plain data records passed to
// newRemoteEngine, not types that embed it.
type remoteEngine struct {
	queueName  string
	remoteBase string

	registry *jobqueue.Registry
	backend  RemoteBackend
	adapter  RemoteAdapter
	lg       *logger.Logger
	log      log15.Logger

	launchTemplate string
	programs       map[string]*Program

	failureBudget int
	pollInterval  time.Duration

	pipeline *queue.Queue

	mu         sync.Mutex
	failures   map[jobqueue.MoleQueueID]int
	queueIDs   map[string]jobqueue.MoleQueueID // backend queue id -> job id, for polling

	stopCh chan struct{}
}

// newRemoteEngine constructs the shared engine; concrete adapters
// call this from their own constructors (scheduler/pbs.go etc.).
func newRemoteEngine(queueName, remoteBase string, registry *jobqueue.Registry, backend RemoteBackend, adapter RemoteAdapter, lg *logger.Logger, log log15.Logger, pollInterval time.Duration) *remoteEngine {
	if log == nil {
		log = log15.New()
	}
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	e := &remoteEngine{
		queueName:     queueName,
		remoteBase:    remoteBase,
		registry:      registry,
		backend:       backend,
		adapter:       adapter,
		lg:            lg,
		log:           log.New("component", "remote", "queue", queueName),
		programs:      make(map[string]*Program),
		failureBudget: defaultFailureBudget,
		pollInterval:  pollInterval,
		pipeline:      queue.New(queueName + "-pipeline"),
		failures:      make(map[jobqueue.MoleQueueID]int),
		queueIDs:      make(map[string]jobqueue.MoleQueueID),
		stopCh:        make(chan struct{}),
	}
	go e.pipelineLoop()
	go e.pollLoop()
	return e
}

// SetPrograms installs the queue's launch-script template and
// program table, mirroring Local.SetPrograms.
func (e *remoteEngine) SetPrograms(launchTemplate string, programs map[string]*Program) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchTemplate = launchTemplate
	e.programs = programs
}

// SetFailureBudget overrides the default failure budget for this
// queue (DESIGN.md Open Question decision #2).
func (e *remoteEngine) SetFailureBudget(n int) {
	if n > 0 {
		e.failureBudget = n
	}
}

// remoteJobDir is <remoteBase>/<moleQueueId>, the per-job remote
// working directory spec §4.7's pipeline diagram names.
func (e *remoteEngine) remoteJobDir(id jobqueue.MoleQueueID) string {
	return path.Join(e.remoteBase, strconv.FormatUint(uint64(id), 10))
}

// Submit enqueues an Accepted job for remote submission, moving it to
// Submitted... actually the pipeline itself performs the
// Accepted -> Submitted transition once the remote submit command
// succeeds; Submit only starts the writeInputFiles stage.
func (e *remoteEngine) Submit(j *jobqueue.Job) error {
	e.enqueue(j.ID(), stageWriteInputFiles, 0)
	return nil
}

// Cancel implements spec §4.7's "Cancellation": issue the adapter's
// cancel command over the transport and move the job to Canceled on
// transport success; log a warning and leave state alone on failure.
func (e *remoteEngine) Cancel(j *jobqueue.Job) error {
	if j.QueueID == "" {
		return e.registry.SetState(j.ID(), jobqueue.JobStateCanceled)
	}
	_, _, err := e.backend.execute(fmt.Sprintf("%s %s", e.adapter.CancelCmd, j.QueueID))
	if err != nil {
		e.log.Warn("cancel command failed", "id", j.ID(), "queueId", j.QueueID, "err", err)
		return err
	}
	e.mu.Lock()
	delete(e.queueIDs, j.QueueID)
	e.mu.Unlock()
	return e.registry.SetState(j.ID(), jobqueue.JobStateCanceled)
}

func (e *remoteEngine) enqueue(id jobqueue.MoleQueueID, s stage, delay time.Duration) {
	key := pipelineKey(id, s)
	_, _ = e.pipeline.Add(key, "", pipelineItem{jobID: id, stage: s}, 0, delay, 30*time.Minute)
}

func pipelineKey(id jobqueue.MoleQueueID, s stage) string {
	return fmt.Sprintf("%d:%s", id, s)
}

func (e *remoteEngine) pipelineLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.drainReady()
		case <-e.stopCh:
			return
		}
	}
}

// drainReady reserves and runs every currently-ready pipeline item.
func (e *remoteEngine) drainReady() {
	for {
		item, err := e.pipeline.Reserve()
		if err != nil {
			return
		}
		pi := item.Data.(pipelineItem)
		e.runStage(item.Key, pi)
	}
}

// runStage executes one pipeline stage for a job, applying the
// failure-budget retry policy on error (spec §4.7 "Retries"): reuses
// queue.Queue's Bury/Release/SetDelay primitives the same way the
// wr-lineage's job.UntilBuried/jrelease handler does.
func (e *remoteEngine) runStage(key string, pi pipelineItem) {
	j, ok := e.registry.Lookup(pi.jobID)
	if !ok {
		_ = e.pipeline.Remove(key)
		return
	}
	if j.State() == jobqueue.JobStateCanceled {
		_ = e.pipeline.Remove(key)
		return
	}

	next, err := e.execStage(j, pi.stage)
	if err != nil {
		e.mu.Lock()
		e.failures[pi.jobID]++
		n := e.failures[pi.jobID]
		e.mu.Unlock()

		e.log.Warn("pipeline stage failed", "id", pi.jobID, "stage", pi.stage, "attempt", n, "err", err)
		if e.lg != nil {
			e.lg.Warning(uint64(pi.jobID), fmt.Sprintf("stage %s failed (attempt %d/%d): %v", pi.stage, n, e.failureBudget, err))
		}

		if n >= e.failureBudget {
			_ = e.pipeline.Bury(key)
			_ = e.registry.SetState(pi.jobID, jobqueue.JobStateError)
			e.mu.Lock()
			delete(e.failures, pi.jobID)
			e.mu.Unlock()
			return
		}
		_ = e.pipeline.SetDelay(key, backoff(n))
		_ = e.pipeline.Release(key)
		return
	}

	e.mu.Lock()
	delete(e.failures, pi.jobID)
	e.mu.Unlock()
	_ = e.pipeline.Remove(key)

	if next != "" {
		e.enqueue(pi.jobID, next, 0)
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// execStage runs a single named stage and returns the next stage to
// enqueue (or "" if the pipeline is done or the job is now waiting on
// an external event, e.g. polling).
func (e *remoteEngine) execStage(j *jobqueue.Job, s stage) (stage, error) {
	switch s {
	case stageWriteInputFiles:
		return e.writeInputFiles(j)
	case stageCopyInputFilesToHost:
		return e.copyInputFilesToHost(j)
	case stageSubmitJobToRemoteQueue:
		return e.submitJobToRemoteQueue(j)
	case stageBeginFinalizeJob:
		return e.beginFinalizeJob(j)
	case stageFinalizeJobCopyFromServer:
		return e.finalizeJobCopyFromServer(j)
	case stageFinalizeJobCopyToCustomDest:
		return e.finalizeJobCopyToCustomDestination(j)
	case stageFinalizeJobCleanup:
		return e.finalizeJobCleanup(j)
	default:
		return "", fmt.Errorf("unknown pipeline stage %q", s)
	}
}

func (e *remoteEngine) writeInputFiles(j *jobqueue.Job) (stage, error) {
	if _, err := internal.EnsureDir(j.LocalWorkingDirectory); err != nil {
		return "", err
	}
	if err := StageFileSpec(j.InputFile, j.LocalWorkingDirectory); err != nil {
		return "", err
	}
	for _, extra := range j.AdditionalInputFiles {
		if err := StageFileSpec(extra, j.LocalWorkingDirectory); err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	program, ok := e.programs[j.Program]
	template := e.launchTemplate
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown program %q", j.Program)
	}

	optional := map[string]string{}
	if wallTime := formatWallTime(j); wallTime != "" {
		optional["maxWallTime"] = wallTime
	}

	inputFileName := j.InputFile.Filename
	script := RenderLaunchScript(template, LaunchContext{
		InputFileName:      inputFileName,
		InputFileBaseName:  strings.TrimSuffix(inputFileName, path.Ext(inputFileName)),
		OutputFileName:     program.OutputFilename,
		MoleQueueID:        strconv.FormatUint(uint64(j.ID()), 10),
		NumberOfCores:      strconv.Itoa(j.NumberOfCores),
		RemoteWorkingDir:   e.remoteJobDir(j.ID()),
		ProgramExecution:   ProgramExecutionForJob(program, j.InputFile),
		Optional:           optional,
	}, true, e.log, uint64(j.ID()))

	return stageCopyInputFilesToHost, writeLauncher(j.LocalWorkingDirectory, script)
}

func formatWallTime(j *jobqueue.Job) string {
	if j.MaxWallTime <= 0 {
		return ""
	}
	h := int(j.MaxWallTime.Hours())
	m := int(j.MaxWallTime.Minutes()) % 60
	return fmt.Sprintf("%02d:%02d:00", h, m)
}

// copyInputFilesToHost recursively copies the job's local working
// directory to its remote counterpart, retrying a missing remote base
// directory once as spec §4.7 describes.
func (e *remoteEngine) copyInputFilesToHost(j *jobqueue.Job) (stage, error) {
	remoteDir := e.remoteJobDir(j.ID())
	err := e.backend.copyDirTo(j.LocalWorkingDirectory, remoteDir)
	if err != nil && isNoSuchDirError(err) {
		if _, _, mkErr := e.backend.execute("mkdir -p " + e.remoteBase); mkErr != nil {
			return "", mkErr
		}
		err = e.backend.copyDirTo(j.LocalWorkingDirectory, remoteDir)
	}
	if err != nil {
		return "", err
	}
	return stageSubmitJobToRemoteQueue, nil
}

func isNoSuchDirError(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory") ||
		strings.Contains(strings.ToLower(err.Error()), "no such directory")
}

// submitJobToRemoteQueue runs the adapter's submit command and parses
// the backend-assigned queue id out of its stdout.
func (e *remoteEngine) submitJobToRemoteQueue(j *jobqueue.Job) (stage, error) {
	remoteDir := e.remoteJobDir(j.ID())
	cmd := fmt.Sprintf("cd %s && %s %s", remoteDir, e.adapter.SubmitCmd, launcherName)
	out, exitCode, err := e.backend.execute(cmd)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("submit command exited %d: %s", exitCode, out)
	}
	m := e.adapter.SubmitIDRegexp.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not parse queue id from submit output: %q", out)
	}
	queueID := m[1]

	if err := e.registry.SetQueueID(j.ID(), queueID); err != nil {
		return "", err
	}
	if err := e.registry.SetState(j.ID(), jobqueue.JobStateSubmitted); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.queueIDs[queueID] = j.ID()
	e.mu.Unlock()
	return "", nil // now driven by the polling loop, not the pipeline queue
}

// beginFinalizeJob de-registers a job from the polled-queue-id map;
// it is enqueued by pollLoop once the backend no longer reports the
// job.
func (e *remoteEngine) beginFinalizeJob(j *jobqueue.Job) (stage, error) {
	e.mu.Lock()
	delete(e.queueIDs, j.QueueID)
	e.mu.Unlock()
	return stageFinalizeJobCopyFromServer, nil
}

func (e *remoteEngine) finalizeJobCopyFromServer(j *jobqueue.Job) (stage, error) {
	if !j.RetrieveOutput {
		return stageFinalizeJobCopyToCustomDest, nil
	}
	if err := e.backend.copyDirFrom(e.remoteJobDir(j.ID()), j.LocalWorkingDirectory); err != nil {
		return "", err
	}
	return stageFinalizeJobCopyToCustomDest, nil
}

func (e *remoteEngine) finalizeJobCopyToCustomDestination(j *jobqueue.Job) (stage, error) {
	if j.OutputDirectory != "" && j.OutputDirectory != j.LocalWorkingDirectory {
		if err := copyDirLocal(j.LocalWorkingDirectory, j.OutputDirectory); err != nil {
			return "", err
		}
	}
	return stageFinalizeJobCleanup, nil
}

// finalizeJobCleanup cleans local/remote working directories as
// requested and moves the job to Finished in the same step — see
// DESIGN.md's Open Question decision #3 on the orphaned
// "remoteDirectoryCleaned" signal.
func (e *remoteEngine) finalizeJobCleanup(j *jobqueue.Job) (stage, error) {
	if j.CleanLocalWorkingDir {
		_ = removeAllLocal(j.LocalWorkingDirectory)
	}
	if j.CleanRemoteFiles {
		if err := e.backend.removeRemote(e.remoteJobDir(j.ID())); err != nil {
			e.log.Warn("failed to clean remote working directory", "id", j.ID(), "err", err)
		}
	}
	return "", e.registry.SetState(j.ID(), jobqueue.JobStateFinished)
}

// pollLoop implements spec §4.7's "Polling": periodically build one
// status command for every currently-submitted job on this queue and
// update state from the listing.
func (e *remoteEngine) pollLoop() {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.poll()
		case <-e.stopCh:
			return
		}
	}
}

func (e *remoteEngine) poll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.queueIDs))
	for qid := range e.queueIDs {
		ids = append(ids, qid)
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	cmd := fmt.Sprintf("%s %s", e.adapter.StatusCmd, strings.Join(ids, " "))
	out, _, err := e.backend.execute(cmd)
	if err != nil {
		e.log.Warn("status command failed", "err", err)
		return
	}

	seen := make(map[string]bool, len(ids))
	parseFailed := false
	for _, line := range splitStatusLines(out) {
		m := e.adapter.StatusLineRegexp.FindStringSubmatch(line)
		if m == nil {
			e.log.Warn("could not parse status line, treating job as still present", "line", line)
			parseFailed = true
			continue
		}
		queueID, raw := m[1], m[2]
		seen[queueID] = true

		e.mu.Lock()
		jobID, known := e.queueIDs[queueID]
		e.mu.Unlock()
		if !known {
			continue
		}
		newState := e.adapter.MapStatus(raw)
		if newState == jobqueue.JobStateError {
			e.log.Warn("unrecognized remote status", "queueId", queueID, "raw", raw)
		}
		if j, ok := e.registry.Lookup(jobID); ok && j.State() != newState {
			_ = e.registry.SetState(jobID, newState)
		}
	}

	// A queueID absent from the listing normally means the remote
	// scheduler is done with it and it should be finalized. But if any
	// line this cycle failed to parse, we can't tell whether an absent
	// id is genuinely gone or just hidden behind a malformed line, so
	// skip finalizing anything until a clean poll confirms it.
	if parseFailed {
		return
	}
	for _, qid := range ids {
		if seen[qid] {
			continue
		}
		e.mu.Lock()
		jobID, known := e.queueIDs[qid]
		e.mu.Unlock()
		if !known {
			continue
		}
		e.enqueue(jobID, stageBeginFinalizeJob, 0)
	}
}

// Stop halts the engine's background goroutines.
func (e *remoteEngine) Stop() {
	close(e.stopCh)
	_ = e.pipeline.Destroy()
}
