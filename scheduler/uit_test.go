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
	"testing"

	"github.com/OpenChemistry/molequeue/jobqueue"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeSOAPTransport is a scripted SOAPTransport used to exercise
// uitSession's authentication and reauthentication flows without a
// real ezHPC gateway.
type fakeSOAPTransport struct {
	calls      []string
	authCalls  int
	tokenGood  string
	invalidate bool
}

func (f *fakeSOAPTransport) Call(operation string, args map[string]string) (map[string]string, string, error) {
	f.calls = append(f.calls, operation)
	switch operation {
	case "Authenticate":
		f.authCalls++
		return map[string]string{"status": "prompt", "id": "p1", "prompt": "passcode:"}, "", nil
	case "AuthenticateCont":
		f.tokenGood = "tok-" + fmt.Sprint(f.authCalls)
		return map[string]string{"status": "success", "token": f.tokenGood}, "", nil
	case "ExecuteCommand":
		if f.invalidate && args["token"] != f.tokenGood {
			f.invalidate = false
			return nil, uitFaultInvalidToken, nil
		}
		return map[string]string{"output": "hello", "exitCode": "0"}, "", nil
	default:
		return map[string]string{}, "", nil
	}
}

func TestUITSession(t *testing.T) {
	Convey("A uit session authenticates via the prompt flow", t, func() {
		transport := &fakeSOAPTransport{}
		answered := false
		answer := func(p uitAuthPrompt) (string, error) {
			answered = true
			So(p.Prompt, ShouldEqual, "passcode:")
			return "123456", nil
		}
		session := &uitSession{kerberosUser: "alice", realm: "HPCMP.HPC.MIL", transport: transport, answer: answer}

		out, err := session.call("ExecuteCommand", map[string]string{"command": "ls"})
		So(err, ShouldBeNil)
		So(answered, ShouldBeTrue)
		So(out["output"], ShouldEqual, "hello")
		So(transport.authCalls, ShouldEqual, 1)

		Convey("and reauthenticates exactly once on an invalid-token fault", func() {
			transport.invalidate = true
			transport.tokenGood = "stale"
			out, err := session.call("ExecuteCommand", map[string]string{"command": "ls"})
			So(err, ShouldBeNil)
			So(out["output"], ShouldEqual, "hello")
			So(transport.authCalls, ShouldEqual, 2)
		})
	})

	Convey("getUITSession shares one session per (user, realm)", t, func() {
		transport := &fakeSOAPTransport{}
		answer := func(p uitAuthPrompt) (string, error) { return "x", nil }
		s1 := getUITSession("bob", "HPCMP.HPC.MIL", transport, answer)
		s2 := getUITSession("bob", "HPCMP.HPC.MIL", transport, answer)
		So(s1, ShouldEqual, s2)

		s3 := getUITSession("carol", "HPCMP.HPC.MIL", transport, answer)
		So(s3, ShouldNotEqual, s1)
	})
}

func TestUITMapStatus(t *testing.T) {
	Convey("uitMapStatus follows the first-character mapping", t, func() {
		So(uitMapStatus("r"), ShouldEqual, jobqueue.JobStateRunningRemote)
		So(uitMapStatus("Q"), ShouldEqual, jobqueue.JobStateQueuedRemote)
		So(uitMapStatus("x"), ShouldEqual, jobqueue.JobStateError)
		So(uitMapStatus(""), ShouldEqual, jobqueue.JobStateError)
	})
}

func TestUITEnsureRemoteDir(t *testing.T) {
	Convey("ensureRemoteDir only creates path elements that don't already exist", t, func() {
		transport := &fakeSOAPTransport{}
		var created []string
		answer := func(p uitAuthPrompt) (string, error) { return "x", nil }
		backend := newUITBackend("dave", "HPCMP.HPC.MIL", &trackingTransport{fakeSOAPTransport: transport, created: &created}, answer)

		err := backend.ensureRemoteDir("/scratch/dave/job1")
		So(err, ShouldBeNil)
		So(created, ShouldResemble, []string{"/scratch", "/scratch/dave", "/scratch/dave/job1"})
	})
}

// trackingTransport wraps fakeSOAPTransport to record every path
// CreateDirectory is asked to make, treating StatFile as always
// failing (so every element looks new).
type trackingTransport struct {
	*fakeSOAPTransport
	created *[]string
}

func (t *trackingTransport) Call(operation string, args map[string]string) (map[string]string, string, error) {
	switch operation {
	case "Authenticate":
		return map[string]string{"status": "success", "token": "tok"}, "", nil
	case "StatFile":
		return nil, "not found", fmt.Errorf("not found")
	case "CreateDirectory":
		*t.created = append(*t.created, args["path"])
		return map[string]string{}, "", nil
	default:
		return map[string]string{}, "", nil
	}
}
