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
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/internal"
	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/inconshreveable/log15"
	"golang.org/x/crypto/ssh"
)

// engine is the minimal interface both Local and remoteEngine satisfy,
// letting Manager dispatch Submit/Cancel without caring which backend
// a queue runs on.
type engine interface {
	SetPrograms(launchTemplate string, programs map[string]*Program)
	Submit(j *jobqueue.Job) error
	Cancel(j *jobqueue.Job) error
	Stop()
}

// Queue is one configured queue: its static configuration plus the
// running engine that drives jobs submitted to it. It is the runtime
// analogue of the original application's Queue class, minus the GUI
// bindings spec's Non-goals exclude.
type Queue struct {
	Name   string
	Config QueueConfig
	engine engine
}

// ProgramNames lists the programs available on this queue, sorted.
func (q *Queue) ProgramNames() []string {
	names := make([]string, 0, len(q.Config.Programs))
	for name := range q.Config.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager owns the set of configured queues (spec §4.8's "queue
// manager"), grounded on QueueManager: it loads/saves .mqq files,
// enforces unique queue names, and routes submit/cancel calls to the
// right engine.
type Manager struct {
	mu        sync.RWMutex
	configDir string
	registry  *jobqueue.Registry
	lg        *logger.Logger
	log       log15.Logger
	queues    map[string]*Queue
}

// NewManager creates a Manager whose .mqq files live under configDir.
func NewManager(configDir string, registry *jobqueue.Registry, lg *logger.Logger, log log15.Logger) *Manager {
	if log == nil {
		log = log15.New()
	}
	return &Manager{
		configDir: configDir,
		registry:  registry,
		lg:        lg,
		log:       log.New("component", "queuemanager"),
		queues:    make(map[string]*Queue),
	}
}

// AvailableQueueTypes is the Go equivalent of
// QueueManager::availableQueues().
func AvailableQueueTypes() []QueueType { return ValidQueueTypes }

// Names returns every configured queue name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named queue, if configured.
func (m *Manager) Lookup(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// AddQueue registers a new queue under name with the given
// configuration, starting its engine. Matches
// QueueManager::addQueue's name-uniqueness and type-validity checks.
func (m *Manager) AddQueue(name string, cfg QueueConfig) (*Queue, error) {
	if !internal.ValidName(name) {
		return nil, fmt.Errorf("invalid queue name %q", name)
	}
	if !cfg.Type.valid() {
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return nil, fmt.Errorf("queue %q already exists", name)
	}

	q, err := m.buildQueue(name, cfg)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// RemoveQueue stops and forgets a queue, removing its config file.
// Matches QueueManager::removeQueue.
func (m *Manager) RemoveQueue(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("no such queue %q", name)
	}
	q.engine.Stop()
	delete(m.queues, name)
	path := m.queueConfigPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// buildQueue constructs the engine for one queue's configuration.
// Callers must hold m.mu.
func (m *Manager) buildQueue(name string, cfg QueueConfig) (*Queue, error) {
	q := &Queue{Name: name, Config: cfg}

	programs := make(map[string]*Program, len(cfg.Programs))
	for pname, pc := range cfg.Programs {
		programs[pname] = pc.toProgram(pname)
	}

	switch cfg.Type {
	case QueueTypeLocal:
		local := NewLocal(m.registry, m.lg, m.log, cfg.MaxCores)
		local.SetPrograms(cfg.LaunchTemplate, programs)
		q.engine = local

	case QueueTypePBS, QueueTypeSGE, QueueTypeSLURM, QueueTypeOAR:
		backend, err := m.sshBackendFor(cfg)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		poll := pollIntervalOf(cfg)
		var eng *remoteEngine
		switch cfg.Type {
		case QueueTypePBS:
			eng = NewPBSEngine(name, cfg.RemoteWorkingDir, m.registry, backend, m.lg, m.log, poll)
		case QueueTypeSGE:
			eng = NewSGEEngine(name, cfg.RemoteWorkingDir, m.registry, backend, m.lg, m.log, poll)
		case QueueTypeSLURM:
			eng = NewSLURMEngine(name, cfg.RemoteWorkingDir, m.registry, backend, m.lg, m.log, poll)
		case QueueTypeOAR:
			eng = NewOAREngine(name, cfg.RemoteWorkingDir, m.registry, backend, m.lg, m.log, poll)
		}
		eng.SetPrograms(cfg.LaunchTemplate, programs)
		q.engine = eng

	case QueueTypeUIT:
		return nil, fmt.Errorf("queue %q: ezHPC UIT queues require a SOAPTransport, configure via AddUITQueue", name)

	default:
		return nil, fmt.Errorf("unsupported queue type %q", cfg.Type)
	}

	return q, nil
}

// AddUITQueue registers a UIT queue. UIT needs a live SOAPTransport
// and an interactive answer callback that a plain QueueConfig cannot
// carry, so it is configured separately from AddQueue.
func (m *Manager) AddUITQueue(name string, cfg QueueConfig, transport SOAPTransport, answer UITAnswerFunc) (*Queue, error) {
	if !internal.ValidName(name) {
		return nil, fmt.Errorf("invalid queue name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return nil, fmt.Errorf("queue %q already exists", name)
	}

	programs := make(map[string]*Program, len(cfg.Programs))
	for pname, pc := range cfg.Programs {
		programs[pname] = pc.toProgram(pname)
	}

	eng := NewUITEngine(name, cfg.RemoteWorkingDir, cfg.KerberosUser, cfg.KerberosRealm, transport, answer, m.registry, m.lg, m.log, pollIntervalOf(cfg))
	eng.SetPrograms(cfg.LaunchTemplate, programs)

	cfg.Type = QueueTypeUIT
	q := &Queue{Name: name, Config: cfg, engine: eng}
	m.queues[name] = q
	return q, nil
}

func pollIntervalOf(cfg QueueConfig) time.Duration {
	if cfg.PollIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.PollIntervalSec) * time.Second
}

// sshBackendFor dials an SSH-backed RemoteBackend for cfg, loading the
// user's default private key. A production deployment would let the
// key path and passphrase be configured per queue; this mirrors the
// single-identity-file assumption cloud/server.go's SSHClient made.
// If cfg.ConfigFiles names any launch-script template dependencies,
// they are staged to the remote host once, as part of this setup.
func (m *Manager) sshBackendFor(cfg QueueConfig) (RemoteBackend, error) {
	signer, err := defaultSSHSigner()
	if err != nil {
		return nil, fmt.Errorf("loading SSH identity: %w", err)
	}
	port := cfg.SSHPort
	if port <= 0 {
		port = 22
	}
	t := newSSHTransport(cfg.Hostname, port, cfg.Username, signer)
	if cfg.ConfigFiles != "" {
		if err := t.stageConfigFiles(cfg.ConfigFiles); err != nil {
			return nil, fmt.Errorf("staging config files: %w", err)
		}
	}
	return t, nil
}

func defaultSSHSigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no usable private key found under ~/.ssh")
}

// Submit dispatches a job to its queue's engine. The job's Queue field
// must already name a configured queue.
func (m *Manager) Submit(j *jobqueue.Job) error {
	m.mu.RLock()
	q, ok := m.queues[j.Queue]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such queue %q", j.Queue)
	}
	if _, ok := q.Config.Programs[j.Program]; !ok {
		return fmt.Errorf("queue %q has no program %q", j.Queue, j.Program)
	}
	return q.engine.Submit(j)
}

// Cancel dispatches a cancellation to j's queue's engine.
func (m *Manager) Cancel(j *jobqueue.Job) error {
	m.mu.RLock()
	q, ok := m.queues[j.Queue]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such queue %q", j.Queue)
	}
	return q.engine.Cancel(j)
}

// queueConfigPath is the Go equivalent of Queue::stateFileName().
func (m *Manager) queueConfigPath(name string) string {
	return filepath.Join(m.configDir, name+configExt)
}

// Save writes every configured queue's full settings to its .mqq
// file, the Go equivalent of QueueManager::writeSettings().
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, q := range m.queues {
		if err := saveQueueConfig(m.queueConfigPath(name), q.Config); err != nil {
			return fmt.Errorf("saving queue %q: %w", name, err)
		}
	}
	return nil
}

// Export writes one queue's settings to an arbitrary path, optionally
// without its program table, the Go equivalent of
// Queue::exportSettings -- SUPPLEMENTED FEATURE: "export without
// instance state", since QueueConfig never embeds job-id state to
// begin with.
func (m *Manager) Export(name, path string, includePrograms bool) error {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such queue %q", name)
	}
	return exportQueueConfig(path, q.Config, includePrograms)
}

// Load scans configDir for "*.mqq" files and instantiates a queue for
// each, the Go equivalent of QueueManager::readSettings(). A file
// whose type doesn't type-check or whose queue can't be built is
// logged and skipped rather than aborting the whole load --
// SUPPLEMENTED FEATURE: "type-checked .mqq file load".
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.configDir)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Warn("queue config directory does not exist", "dir", m.configDir)
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), configExt) {
			continue
		}
		path := filepath.Join(m.configDir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), configExt)

		queueType, err := queueTypeFromFile(path)
		if err != nil {
			m.log.Error("cannot determine queue type", "file", path, "err", err)
			continue
		}
		if queueType == QueueTypeUIT {
			m.log.Warn("skipping ezHPC UIT queue on load; configure it explicitly with AddUITQueue", "queue", name)
			continue
		}

		cfg, err := loadQueueConfig(path, queueType)
		if err != nil {
			m.log.Error("cannot load queue configuration", "file", path, "err", err)
			continue
		}

		if _, err := m.AddQueue(name, cfg); err != nil {
			m.log.Error("cannot add queue from configuration", "file", path, "err", err)
		}
	}
	return nil
}

// Stop shuts down every configured queue's engine.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.engine.Stop()
	}
}
