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
	"testing"

	"github.com/OpenChemistry/molequeue/jobqueue"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRenderLaunchScript(t *testing.T) {
	Convey("Given a launch template using the standard keywords", t, func() {
		tmpl := "#!/bin/sh\ncd $$remoteWorkingDir$$\n$$programExecution$$\n"
		ctx := LaunchContext{
			InputFileName:    "job.inp",
			RemoteWorkingDir: "/scratch/42",
			ProgramExecution: "gaussian job.inp",
		}

		Convey("All listed keywords are substituted", func() {
			out := RenderLaunchScript(tmpl, ctx, true, nil, 42)
			So(out, ShouldContainSubstring, "cd /scratch/42")
			So(out, ShouldContainSubstring, "gaussian job.inp")
		})

		Convey("An unreplaced two-dollar keyword is stripped", func() {
			out := RenderLaunchScript("echo $$bogusKeyword$$ done\n", ctx, true, nil, 1)
			So(out, ShouldEqual, "echo  done\n")
		})

		Convey("A newline is appended when requested and absent", func() {
			out := RenderLaunchScript("echo hi", ctx, true, nil, 1)
			So(out, ShouldEndWith, "\n")
		})
	})

	Convey("Given a three-dollar optional keyword", t, func() {
		tmpl := "#!/bin/sh\n#PBS -l walltime=$$$maxWallTime$$$\necho hi\n"

		Convey("A supplied value replaces the token", func() {
			ctx := LaunchContext{Optional: map[string]string{"maxWallTime": "01:00:00"}}
			out := RenderLaunchScript(tmpl, ctx, false, nil, 1)
			So(out, ShouldContainSubstring, "walltime=01:00:00")
		})

		Convey("No supplied value deletes the whole line", func() {
			ctx := LaunchContext{Optional: map[string]string{}}
			out := RenderLaunchScript(tmpl, ctx, false, nil, 1)
			So(out, ShouldNotContainSubstring, "walltime")
			So(out, ShouldContainSubstring, "echo hi")
		})
	})

	Convey("ProgramExecutionForJob resolves built-in syntaxes", t, func() {
		in := jobqueue.FileSpec{Filename: "mol.xyz"}

		Convey("INPUT_ARG appends the filename", func() {
			p := &Program{Executable: "gamess", LaunchSyntax: SyntaxInputArg}
			So(ProgramExecutionForJob(p, in), ShouldEqual, "gamess mol.xyz")
		})

		Convey("INPUT_ARG_NO_EXT appends the basename", func() {
			p := &Program{Executable: "gamess", LaunchSyntax: SyntaxInputArgNoExt}
			So(ProgramExecutionForJob(p, in), ShouldEqual, "gamess mol")
		})

		Convey("REDIRECT wires stdin/stdout", func() {
			p := &Program{Executable: "nwchem", OutputFilename: "mol.out", LaunchSyntax: SyntaxRedirect}
			So(ProgramExecutionForJob(p, in), ShouldEqual, "nwchem < mol.xyz > mol.out")
		})

		Convey("CUSTOM returns the program's own template verbatim", func() {
			p := &Program{LaunchSyntax: SyntaxCustom, CustomLaunchTemplate: "do-the-thing.sh"}
			So(ProgramExecutionForJob(p, in), ShouldEqual, "do-the-thing.sh")
		})
	})
}
