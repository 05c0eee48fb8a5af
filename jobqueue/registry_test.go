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
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestRegistry(t *testing.T) *Registry {
	dir := filepath.Join(t.TempDir(), "jobs")
	r, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRegistry(t *testing.T) {
	Convey("Given a fresh Registry", t, func() {
		r := newTestRegistry(t)

		Convey("NewJob allocates increasing ids and fires Added", func() {
			var added []MoleQueueID
			r.Added.Subscribe(func(j *Job) { added = append(added, j.ID()) })

			j1 := r.NewJob()
			j2 := r.NewJob()
			So(j1.ID(), ShouldEqual, MoleQueueID(1))
			So(j2.ID(), ShouldEqual, MoleQueueID(2))
			So(added, ShouldResemble, []MoleQueueID{1, 2})
		})

		Convey("Accept requires a valid InputFile and queue/program name", func() {
			j := r.NewJob()
			err := r.Accept(j)
			So(err, ShouldEqual, ErrInvalidFileSpec)

			j.InputFile = FileSpec{Filename: "in.xyz", Path: "/tmp/in.xyz"}
			j.Queue = "local"
			j.Program = "GAMESS"
			So(r.Accept(j), ShouldBeNil)
			So(j.State(), ShouldEqual, JobStateAccepted)
		})

		Convey("SetState rejects illegal transitions and applies legal ones", func() {
			j := r.NewJob()
			j.InputFile = FileSpec{Filename: "in.xyz", Path: "/tmp/in.xyz"}
			j.Queue, j.Program = "local", "GAMESS"
			So(r.Accept(j), ShouldBeNil)

			err := r.SetState(j.ID(), JobStateRunningLocal)
			So(err, ShouldNotBeNil)

			So(r.SetState(j.ID(), JobStateQueuedLocal), ShouldBeNil)
			So(r.SetState(j.ID(), JobStateRunningLocal), ShouldBeNil)
			So(r.SetState(j.ID(), JobStateFinished), ShouldBeNil)
			So(j.State(), ShouldEqual, JobStateFinished)
		})

		Convey("Remove stops returning the job from Lookup", func() {
			j := r.NewJob()
			id := j.ID()
			So(r.Remove(id), ShouldBeNil)

			_, ok := r.Lookup(id)
			So(ok, ShouldBeFalse)
		})

		Convey("JobsInState filters correctly", func() {
			j1 := r.NewJob()
			j1.InputFile = FileSpec{Path: "/tmp/a"}
			j1.Queue, j1.Program = "local", "p"
			So(r.Accept(j1), ShouldBeNil)

			j2 := r.NewJob()
			So(j2.State(), ShouldEqual, JobStateNone)

			inAccepted := r.JobsInState(JobStateAccepted)
			So(len(inAccepted), ShouldEqual, 1)
			So(inAccepted[0].ID(), ShouldEqual, j1.ID())
		})

		Convey("A Registry reloaded from disk sees previously-accepted jobs and a reseeded id counter", func() {
			j := r.NewJob()
			j.InputFile = FileSpec{Path: "/tmp/a"}
			j.Queue, j.Program = "local", "p"
			So(r.Accept(j), ShouldBeNil)

			r2, err := NewRegistry(r.dir, nil)
			So(err, ShouldBeNil)
			So(r2.Load(), ShouldBeNil)

			reloaded, ok := r2.Lookup(j.ID())
			So(ok, ShouldBeTrue)
			So(reloaded.State(), ShouldEqual, JobStateAccepted)

			next := r2.NewJob()
			So(next.ID(), ShouldBeGreaterThan, j.ID())
		})
	})
}
