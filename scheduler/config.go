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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/OpenChemistry/molequeue/internal"
)

// QueueType names one of the six backends a Queue can drive, mapping
// directly onto the config file's "type" field.
type QueueType string

const (
	QueueTypeLocal QueueType = "Local"
	QueueTypePBS   QueueType = "PBS/Torque"
	QueueTypeSGE   QueueType = "Sun Grid Engine"
	QueueTypeSLURM QueueType = "SLURM"
	QueueTypeOAR   QueueType = "OAR"
	QueueTypeUIT   QueueType = "ezHPC UIT"
)

// ValidQueueTypes lists every type the manager knows how to
// instantiate, the Go equivalent of QueueManager::availableQueues().
var ValidQueueTypes = []QueueType{
	QueueTypeLocal, QueueTypeSGE, QueueTypePBS, QueueTypeSLURM, QueueTypeOAR, QueueTypeUIT,
}

func (t QueueType) valid() bool {
	for _, v := range ValidQueueTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (t QueueType) remote() bool { return t != QueueTypeLocal }

// configExt is the on-disk extension for one queue's configuration,
// matching the original application's ".mqq" files.
const configExt = ".mqq"

// ProgramConfig is one program entry under a queue, matching
// Program::writeJsonSettings/readJsonSettings.
type ProgramConfig struct {
	Executable           string       `json:"executable"`
	Arguments            string       `json:"arguments"`
	OutputFilename       string       `json:"outputFilename"`
	CustomLaunchTemplate string       `json:"customLaunchTemplate"`
	LaunchSyntax         LaunchSyntax `json:"launchSyntax"`
}

// toProgram builds the runtime Program scheduler/launch.go renders
// launch scripts from.
func (c ProgramConfig) toProgram(name string) *Program {
	return &Program{
		Name:                 name,
		Executable:           c.Executable,
		Arguments:            c.Arguments,
		OutputFilename:       c.OutputFilename,
		LaunchSyntax:         c.LaunchSyntax,
		CustomLaunchTemplate: c.CustomLaunchTemplate,
	}
}

func fromProgram(p *Program) ProgramConfig {
	return ProgramConfig{
		Executable:           p.Executable,
		Arguments:            p.Arguments,
		OutputFilename:       p.OutputFilename,
		CustomLaunchTemplate: p.CustomLaunchTemplate,
		LaunchSyntax:         p.LaunchSyntax,
	}
}

// QueueConfig is the full on-disk representation of one queue's
// ".mqq" file, grounded on Queue::writeJsonSettings/readJsonSettings.
// Remote-only fields are omitted from the file for a Local queue.
type QueueConfig struct {
	Type             QueueType                `json:"type"`
	LaunchTemplate   string                   `json:"launchTemplate"`
	LaunchScriptName string                   `json:"launchScriptName"`
	Programs         map[string]ProgramConfig `json:"programs,omitempty"`

	// Local-only.
	MaxCores int `json:"maxCores,omitempty"`

	// Remote-only.
	Hostname           string `json:"hostname,omitempty"`
	Username           string `json:"username,omitempty"`
	SSHPort            int    `json:"sshPort,omitempty"`
	RemoteWorkingDir   string `json:"workingDirectoryBase,omitempty"`
	DefaultMaxWallTime int    `json:"defaultMaxWallTime,omitempty"` // minutes
	PollIntervalSec    int    `json:"pollInterval,omitempty"`

	// ConfigFiles is a comma-separated list of local launch-script
	// template dependencies (optionally "local:remote") to copy to the
	// remote host once, when the queue is set up. See
	// sshTransport.stageConfigFiles.
	ConfigFiles string `json:"configFiles,omitempty"`

	// UIT-only.
	KerberosUser string `json:"kerberosUser,omitempty"`
	KerberosRealm string `json:"kerberosRealm,omitempty"`
}

// queueTypeFromFile peeks at a .mqq file's "type" field without
// otherwise validating it, the Go equivalent of
// Queue::queueTypeFromFile -- used so the manager can pick which
// concrete queue to build before fully parsing the file.
func queueTypeFromFile(path string) (QueueType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var peek struct {
		Type QueueType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return peek.Type, nil
}

// loadQueueConfig reads and type-checks one .mqq file: its "type"
// field must equal wantType and launchScriptName must be set --
// SUPPLEMENTED FEATURE: "type-checked .mqq file load".
func loadQueueConfig(path string, wantType QueueType) (QueueConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QueueConfig{}, err
	}
	var cfg QueueConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return QueueConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Type != wantType {
		return QueueConfig{}, fmt.Errorf("queue config %s: expected type %q, got %q", path, wantType, cfg.Type)
	}
	if cfg.LaunchScriptName == "" {
		return QueueConfig{}, fmt.Errorf("queue config %s: missing launchScriptName", path)
	}
	return cfg, nil
}

// saveQueueConfig writes cfg to path as indented JSON, creating the
// parent directory if needed (Queue::writeSettings mkpath's the
// config directory before writing).
func saveQueueConfig(path string, cfg QueueConfig) error {
	if _, err := internal.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating queue config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// exportQueueConfig strips instance state (job-id maps; here, simply
// everything the persisted full config never needs in the first
// place, since QueueConfig carries no live-job state at all) before
// writing -- SUPPLEMENTED FEATURE: "export without instance state".
// Programs are included only when requested, matching
// Queue::exportSettings(fileName, includePrograms).
func exportQueueConfig(path string, cfg QueueConfig, includePrograms bool) error {
	export := cfg
	if !includePrograms {
		export.Programs = nil
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
