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
	"path/filepath"
	"testing"

	"github.com/OpenChemistry/molequeue/jobqueue"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	registry, err := jobqueue.NewRegistry(filepath.Join(dir, "jobs"), nil)
	So(err, ShouldBeNil)
	return NewManager(filepath.Join(dir, "config"), registry, nil, nil), dir
}

func TestManagerAddQueue(t *testing.T) {
	Convey("A Manager rejects invalid names and types", t, func() {
		m, _ := newTestManager(t)

		_, err := m.AddQueue("not valid!", QueueConfig{Type: QueueTypeLocal, LaunchScriptName: "job.sh"})
		So(err, ShouldNotBeNil)

		_, err = m.AddQueue("bogus", QueueConfig{Type: "nonsense", LaunchScriptName: "job.sh"})
		So(err, ShouldNotBeNil)
	})

	Convey("A Manager adds a Local queue and refuses a duplicate name", t, func() {
		m, _ := newTestManager(t)

		q, err := m.AddQueue("workstation", QueueConfig{
			Type:             QueueTypeLocal,
			LaunchTemplate:   "#!/bin/sh\n$$programExecution$$\n",
			LaunchScriptName: "job.sh",
			MaxCores:         2,
			Programs: map[string]ProgramConfig{
				"echo": {Executable: "echo", LaunchSyntax: SyntaxPlain},
			},
		})
		So(err, ShouldBeNil)
		So(q.Name, ShouldEqual, "workstation")
		defer m.Stop()

		_, err = m.AddQueue("workstation", QueueConfig{Type: QueueTypeLocal, LaunchScriptName: "job.sh"})
		So(err, ShouldNotBeNil)

		So(m.Names(), ShouldResemble, []string{"workstation"})
	})
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	Convey("Save then Load round-trips a queue's configuration", t, func() {
		m, _ := newTestManager(t)

		_, err := m.AddQueue("workstation", QueueConfig{
			Type:             QueueTypeLocal,
			LaunchTemplate:   "#!/bin/sh\n$$programExecution$$\n",
			LaunchScriptName: "job.sh",
			MaxCores:         4,
			Programs: map[string]ProgramConfig{
				"gaussian": {Executable: "g09", LaunchSyntax: SyntaxRedirect, OutputFilename: "$$inputFileBaseName$$.out"},
			},
		})
		So(err, ShouldBeNil)
		So(m.Save(), ShouldBeNil)
		m.Stop()

		m2, dir := newTestManager(t)
		_ = dir
		m2.configDir = m.configDir
		So(m2.Load(), ShouldBeNil)

		q, ok := m2.Lookup("workstation")
		So(ok, ShouldBeTrue)
		So(q.Config.MaxCores, ShouldEqual, 4)
		So(q.ProgramNames(), ShouldResemble, []string{"gaussian"})
		m2.Stop()
	})

	Convey("Load skips a file missing its required launchScriptName", t, func() {
		m, _ := newTestManager(t)

		path := m.queueConfigPath("broken")
		So(saveQueueConfig(path, QueueConfig{Type: QueueTypePBS}), ShouldBeNil)

		So(m.Load(), ShouldBeNil)
		_, ok := m.Lookup("broken")
		So(ok, ShouldBeFalse)
	})
}
