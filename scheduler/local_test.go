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
	"time"

	"github.com/OpenChemistry/molequeue/jobqueue"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLocalExecutor(t *testing.T) {
	Convey("Given a Local executor with a 2-core budget running `true`", t, func() {
		dir := t.TempDir()
		registry, err := jobqueue.NewRegistry(filepath.Join(dir, "jobs"), nil)
		So(err, ShouldBeNil)

		local := NewLocal(registry, nil, nil, 2)
		defer local.Stop()
		local.SetPrograms("#!/bin/sh\n$$programExecution$$\n", map[string]*Program{
			"true": {Executable: "true", LaunchSyntax: SyntaxPlain},
		})

		Convey("A submitted job runs to completion and reaches Finished", func() {
			j := registry.NewJob()
			j.Queue = "local"
			j.Program = "true"
			j.NumberOfCores = 1
			j.InputFile = jobqueue.FileSpec{Filename: "in.txt", Contents: "hi"}
			j.LocalWorkingDirectory = filepath.Join(dir, "jobs", "work")
			So(registry.Accept(j), ShouldBeNil)

			So(local.Submit(j), ShouldBeNil)

			deadline := time.Now().Add(3 * time.Second)
			for j.State() != jobqueue.JobStateFinished && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			So(j.State(), ShouldEqual, jobqueue.JobStateFinished)
		})

		Convey("A job requesting more cores than exist stays pending", func() {
			j := registry.NewJob()
			j.Queue = "local"
			j.Program = "true"
			j.NumberOfCores = 99
			j.InputFile = jobqueue.FileSpec{Filename: "in.txt", Contents: "hi"}
			j.LocalWorkingDirectory = filepath.Join(dir, "jobs", "work2")
			So(registry.Accept(j), ShouldBeNil)

			So(local.Submit(j), ShouldBeNil)

			time.Sleep(250 * time.Millisecond)
			So(j.State(), ShouldEqual, jobqueue.JobStateQueuedLocal)
		})
	})
}

func TestIsUnsafeRemovalPath(t *testing.T) {
	Convey("The root path and its equivalents are unsafe", t, func() {
		So(isUnsafeRemovalPath("/"), ShouldBeTrue)
		So(isUnsafeRemovalPath(""), ShouldBeTrue)
		So(isUnsafeRemovalPath("/home/user/jobs/1"), ShouldBeFalse)
	})
}
