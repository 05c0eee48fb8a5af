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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/OpenChemistry/molequeue/queue"
	"github.com/inconshreveable/log15"
)

// localConfig holds the local executor's tunables (spec §4.6).
type localConfig struct {
	MaxCores int
}

// runningChild tracks one in-flight local job.
type runningChild struct {
	cmd *exec.Cmd
	job *jobqueue.Job
}

// Local is the local executor (spec §4.6): it runs jobs as child
// processes on the daemon's own host, enforcing a core-count budget.
// Its pending-job ordering is delegated to queue.Queue (the same
// generic sub-queue structure the remote pipeline uses for retries),
// referenced here as l.queue to match the struct-of-callbacks shape
// jobqueue/scheduler/kubernetes.go shows for a backend built around a
// shared local embed.
type Local struct {
	config localConfig
	jobs   *jobqueue.Registry
	log    log15.Logger
	lg     *logger.Logger

	queue *queue.Queue

	launchTemplate string
	programs       map[string]*Program

	mu      sync.Mutex
	running map[jobqueue.MoleQueueID]*runningChild

	ticker *time.Ticker
	stopCh chan struct{}
}

// NewLocal creates a Local executor. maxCores <= 0 defaults to
// runtime.NumCPU(), matching spec §4.6's "defaults to the hardware
// concurrency if unset".
func NewLocal(jobs *jobqueue.Registry, lg *logger.Logger, log log15.Logger, maxCores int) *Local {
	if maxCores <= 0 {
		maxCores = runtime.NumCPU()
	}
	if log == nil {
		log = log15.New()
	}
	l := &Local{
		config:         localConfig{MaxCores: maxCores},
		jobs:           jobs,
		log:            log.New("component", "local"),
		lg:             lg,
		queue:          queue.New("local"),
		launchTemplate: "#!/bin/sh\n$$programExecution$$\n",
		programs:       make(map[string]*Program),
		running:        make(map[jobqueue.MoleQueueID]*runningChild),
		ticker:         time.NewTicker(100 * time.Millisecond),
		stopCh:         make(chan struct{}),
	}
	go l.loop()
	return l
}

// SetPrograms installs the queue's launch-script template and its
// program table, used to render each job's launcher (spec §4.5).
func (l *Local) SetPrograms(launchTemplate string, programs map[string]*Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchTemplate = launchTemplate
	l.programs = programs
}

// Submit enqueues an Accepted job for local execution, moving it to
// QueuedLocal.
func (l *Local) Submit(j *jobqueue.Job) error {
	if err := l.jobs.SetState(j.ID(), jobqueue.JobStateQueuedLocal); err != nil {
		return err
	}
	key := strconv.FormatUint(uint64(j.ID()), 10)
	_, err := l.queue.Add(key, "", j, 0, 0, 24*time.Hour)
	return err
}

// Cancel implements spec §4.6's "Cancellation": a still-pending job is
// dequeued and marked Canceled; a running job is signalled to
// terminate and marked Canceled without waiting for it to exit.
func (l *Local) Cancel(j *jobqueue.Job) error {
	id := j.ID()
	key := strconv.FormatUint(uint64(id), 10)

	l.mu.Lock()
	rc, running := l.running[id]
	l.mu.Unlock()

	if running {
		if rc.cmd.Process != nil {
			_ = rc.cmd.Process.Kill()
		}
		return l.jobs.SetState(id, jobqueue.JobStateCanceled)
	}

	if err := l.queue.Remove(key); err != nil {
		return err
	}
	return l.jobs.SetState(id, jobqueue.JobStateCanceled)
}

func (l *Local) loop() {
	for {
		select {
		case <-l.ticker.C:
			l.tick()
		case <-l.stopCh:
			return
		}
	}
}

// tick implements spec §4.6's scheduling step: "while cores-in-use +
// next-pending.cores <= max-cores and the pending queue is non-empty:
// pop, start." A job whose own core request exceeds max-cores can
// never satisfy this test and so stays pending forever — the Open
// Question decision recorded in DESIGN.md ("Cores-exceed-max-cores
// jobs" stays pending, matching upstream MoleQueue rather than erroring
// out a request the user explicitly made).
func (l *Local) tick() {
	for {
		l.mu.Lock()
		used := 0
		for _, rc := range l.running {
			used += rc.job.NumberOfCores
		}
		l.mu.Unlock()

		item, err := l.queue.Reserve()
		if err != nil {
			return
		}
		j := item.Data.(*jobqueue.Job)
		cores := j.NumberOfCores
		if cores <= 0 {
			cores = 1
		}
		if used+cores > l.config.MaxCores {
			// put it back; nothing else to try head-of-line
			_ = l.queue.Release(item.Key)
			return
		}
		if err := l.start(j); err != nil {
			l.log.Warn("failed to start local job", "id", j.ID(), "err", err)
			if l.lg != nil {
				l.lg.Error(uint64(j.ID()), fmt.Sprintf("failed to start job: %v", err))
			}
			_ = l.jobs.SetState(j.ID(), jobqueue.JobStateError)
			_ = l.queue.Remove(item.Key)
		}
	}
}

// start materializes a job's working directory and input files,
// renders its launch script, and spawns the child process, per spec
// §4.6's "Per-start procedure".
func (l *Local) start(j *jobqueue.Job) error {
	dir := j.LocalWorkingDirectory
	if _, err := os.Stat(dir); err == nil {
		l.log.Warn("local working directory already exists", "dir", dir, "id", j.ID())
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}

	if err := StageFileSpec(j.InputFile, dir); err != nil {
		_ = l.jobs.SetState(j.ID(), jobqueue.JobStateError)
		return err
	}
	for _, extra := range j.AdditionalInputFiles {
		if err := StageFileSpec(extra, dir); err != nil {
			_ = l.jobs.SetState(j.ID(), jobqueue.JobStateError)
			return err
		}
	}

	l.mu.Lock()
	program, ok := l.programs[j.Program]
	template := l.launchTemplate
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown program %q", j.Program)
	}

	inputFileName := j.InputFile.Filename
	launcherPath := filepath.Join(dir, launcherName)
	script := RenderLaunchScript(template, LaunchContext{
		InputFileName:     inputFileName,
		InputFileBaseName: strings.TrimSuffix(inputFileName, filepath.Ext(inputFileName)),
		NumberOfCores:     strconv.Itoa(j.NumberOfCores),
		MoleQueueID:       strconv.FormatUint(uint64(j.ID()), 10),
		OutputFileName:    program.OutputFilename,
		ProgramExecution:  ProgramExecutionForJob(program, j.InputFile),
	}, true, l.log, uint64(j.ID()))
	if err := writeLauncher(dir, script); err != nil {
		return fmt.Errorf("writing launcher: %w", err)
	}

	cmd := exec.Command("/bin/sh", launcherPath)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting child process: %w", err)
	}

	l.mu.Lock()
	l.running[j.ID()] = &runningChild{cmd: cmd, job: j}
	l.mu.Unlock()

	_ = l.jobs.SetQueueID(j.ID(), strconv.Itoa(cmd.Process.Pid))
	if err := l.jobs.SetState(j.ID(), jobqueue.JobStateRunningLocal); err != nil {
		return err
	}

	go l.wait(j, cmd)
	return nil
}

// wait blocks on the child process and finalizes the job once it
// exits: copy-out, cleanup, and the terminal state transition.
func (l *Local) wait(j *jobqueue.Job, cmd *exec.Cmd) {
	err := cmd.Wait()

	l.mu.Lock()
	delete(l.running, j.ID())
	l.mu.Unlock()

	if j.State() == jobqueue.JobStateCanceled {
		return
	}

	if j.OutputDirectory != "" && j.OutputDirectory != j.LocalWorkingDirectory {
		if cpErr := copyDirLocal(j.LocalWorkingDirectory, j.OutputDirectory); cpErr != nil {
			l.log.Warn("failed to copy working directory to output directory", "id", j.ID(), "err", cpErr)
		}
	}
	if j.CleanLocalWorkingDir {
		_ = os.RemoveAll(j.LocalWorkingDirectory)
	}

	if err != nil {
		j.ExitCode = exitCodeOf(err)
		j.ErrorString = err.Error()
		_ = l.jobs.SetState(j.ID(), jobqueue.JobStateError)
		return
	}
	_ = l.jobs.SetState(j.ID(), jobqueue.JobStateFinished)
}

func exitCodeOf(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// Stop halts the executor's tick goroutine. Running children are left
// alone; the daemon process exiting will reap them.
func (l *Local) Stop() {
	l.ticker.Stop()
	close(l.stopCh)
	_ = l.queue.Destroy()
}
