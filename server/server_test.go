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

package server

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/OpenChemistry/molequeue/scheduler"
	. "github.com/smartystreets/goconvey/convey"
)

func frame(payload []byte) []byte {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], 1)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func readFrame(c net.Conn) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c, header); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[4:8]))
	if _, err := io.ReadFull(c, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func sendRequest(t *testing.T, c net.Conn, id int, method string, params interface{}) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	So(err, ShouldBeNil)
	_, err = c.Write(frame(data))
	So(err, ShouldBeNil)
}

// readUntilResult reads frames until it finds one carrying the given
// request id, collecting any jobStateChanged notifications seen along
// the way (they may interleave with the response in either order).
func readUntilResult(t *testing.T, c net.Conn, wantID float64) (map[string]interface{}, []map[string]interface{}) {
	t.Helper()
	var notifications []map[string]interface{}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		payload, err := readFrame(c)
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		var msg map[string]interface{}
		So(json.Unmarshal(payload, &msg), ShouldBeNil)
		if id, ok := msg["id"]; ok && id == wantID {
			return msg, notifications
		}
		notifications = append(notifications, msg)
	}
	t.Fatalf("timed out waiting for response to id %v", wantID)
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	registry, err := jobqueue.NewRegistry(filepath.Join(dir, "jobs"), nil)
	So(err, ShouldBeNil)
	lg := logger.New(100, nil)
	manager := scheduler.NewManager(filepath.Join(dir, "config"), registry, lg, nil)

	_, err = manager.AddQueue("workstation", scheduler.QueueConfig{
		Type:             scheduler.QueueTypeLocal,
		LaunchTemplate:   "#!/bin/sh\n$$programExecution$$\n",
		LaunchScriptName: "job.sh",
		MaxCores:         2,
		Programs: map[string]scheduler.ProgramConfig{
			"true": {Executable: "true", LaunchSyntax: scheduler.SyntaxPlain},
		},
	})
	So(err, ShouldBeNil)

	s := NewServer(filepath.Join(dir, "molequeue.sock"), dir, registry, manager, lg, nil)
	So(s.Start(false), ShouldBeNil)
	return s, dir
}

func TestServerSubmitJobLifecycle(t *testing.T) {
	Convey("A submitted job runs to completion with jobStateChanged delivered to its submitter", t, func() {
		s, dir := newTestServer(t)
		defer s.Stop()

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "listQueues", nil)
		resp, _ := readUntilResult(t, client, 1)
		result := resp["result"].(map[string]interface{})
		So(result["workstation"], ShouldResemble, []interface{}{"true"})

		sendRequest(t, client, 2, "submitJob", map[string]interface{}{
			"queue":   "workstation",
			"program": "true",
			"inputFile": map[string]string{
				"filename": "in.txt",
				"contents": "hi",
			},
		})
		resp, notifications := readUntilResult(t, client, 2)
		So(resp["error"], ShouldBeNil)
		moleQueueID := resp["result"].(map[string]interface{})["moleQueueId"].(float64)
		So(moleQueueID, ShouldEqual, 1)

		reachedFinished := false
		for _, n := range notifications {
			if n["method"] == "jobStateChanged" {
				reachedFinished = reachedFinished || n["params"].(map[string]interface{})["newState"] == "Finished"
			}
		}
		deadline := time.Now().Add(3 * time.Second)
		for !reachedFinished && time.Now().Before(deadline) {
			client.SetReadDeadline(time.Now().Add(3 * time.Second))
			payload, err := readFrame(client)
			So(err, ShouldBeNil)
			var n map[string]interface{}
			So(json.Unmarshal(payload, &n), ShouldBeNil)
			if n["method"] == "jobStateChanged" && n["params"].(map[string]interface{})["newState"] == "Finished" {
				reachedFinished = true
			}
		}
		So(reachedFinished, ShouldBeTrue)

		sendRequest(t, client, 3, "lookupJob", map[string]interface{}{"moleQueueId": 1})
		resp, _ = readUntilResult(t, client, 3)
		So(resp["result"].(map[string]interface{})["jobState"], ShouldEqual, "Finished")
	})

	Convey("submitJob rejects a missing queue with Invalid params", t, func() {
		s, dir := newTestServer(t)
		defer s.Stop()

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "submitJob", map[string]interface{}{"program": "true"})
		resp, _ := readUntilResult(t, client, 1)
		So(resp["result"], ShouldBeNil)
		errObj := resp["error"].(map[string]interface{})
		So(errObj["code"], ShouldEqual, -32602)
	})

	Convey("An unknown method yields -32601", t, func() {
		s, dir := newTestServer(t)
		defer s.Stop()

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "bogusMethod", nil)
		resp, _ := readUntilResult(t, client, 1)
		errObj := resp["error"].(map[string]interface{})
		So(errObj["code"], ShouldEqual, -32601)
	})
}

func TestServerRemoveJob(t *testing.T) {
	Convey("removeJob refuses a non-terminal job and succeeds once it finishes", t, func() {
		s, dir := newTestServer(t)
		defer s.Stop()

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "submitJob", map[string]interface{}{
			"queue":   "workstation",
			"program": "true",
			"inputFile": map[string]string{
				"filename": "in.txt",
				"contents": "hi",
			},
		})
		resp, notifications := readUntilResult(t, client, 1)
		So(resp["error"], ShouldBeNil)

		sendRequest(t, client, 2, "removeJob", map[string]interface{}{"moleQueueId": 1})
		resp, notifications2 := readUntilResult(t, client, 2)
		So(resp["error"], ShouldNotBeNil)
		notifications = append(notifications, notifications2...)

		reachedFinished := false
		for _, n := range notifications {
			if n["method"] == "jobStateChanged" && n["params"].(map[string]interface{})["newState"] == "Finished" {
				reachedFinished = true
			}
		}
		deadline := time.Now().Add(3 * time.Second)
		for !reachedFinished && time.Now().Before(deadline) {
			client.SetReadDeadline(time.Now().Add(3 * time.Second))
			payload, err := readFrame(client)
			So(err, ShouldBeNil)
			var n map[string]interface{}
			So(json.Unmarshal(payload, &n), ShouldBeNil)
			if n["method"] == "jobStateChanged" && n["params"].(map[string]interface{})["newState"] == "Finished" {
				reachedFinished = true
			}
		}
		So(reachedFinished, ShouldBeTrue)

		sendRequest(t, client, 3, "removeJob", map[string]interface{}{"moleQueueId": 1})
		resp, _ = readUntilResult(t, client, 3)
		So(resp["error"], ShouldBeNil)
		So(resp["result"].(map[string]interface{})["moleQueueId"], ShouldEqual, 1)

		sendRequest(t, client, 4, "lookupJob", map[string]interface{}{"moleQueueId": 1})
		resp, _ = readUntilResult(t, client, 4)
		So(resp["error"], ShouldNotBeNil)
	})
}

func TestServerOpenWithRegistration(t *testing.T) {
	Convey("registerOpenWith, listOpenWithNames and unregisterOpenWith round-trip", t, func() {
		s, dir := newTestServer(t)
		defer s.Stop()

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "registerOpenWith", map[string]interface{}{
			"name":       "avogadro",
			"executable": "/usr/bin/avogadro",
			"patterns": []map[string]interface{}{
				{"pattern": "*.cml", "patternType": "wildcard", "caseSensitive": false},
			},
		})
		resp, _ := readUntilResult(t, client, 1)
		So(resp["result"], ShouldEqual, true)

		sendRequest(t, client, 2, "listOpenWithNames", nil)
		resp, _ = readUntilResult(t, client, 2)
		names := resp["result"].([]interface{})
		So(names, ShouldResemble, []interface{}{"avogadro"})

		sendRequest(t, client, 3, "unregisterOpenWith", map[string]interface{}{"name": "avogadro"})
		resp, _ = readUntilResult(t, client, 3)
		So(resp["result"], ShouldEqual, true)

		sendRequest(t, client, 4, "unregisterOpenWith", map[string]interface{}{"name": "avogadro"})
		resp, _ = readUntilResult(t, client, 4)
		So(resp["error"], ShouldNotBeNil)
	})
}

func TestServerRPCKill(t *testing.T) {
	Convey("rpcKill acknowledges then shuts the server down", t, func() {
		s, dir := newTestServer(t)

		client, err := net.Dial("unix", filepath.Join(dir, "molequeue.sock"))
		So(err, ShouldBeNil)
		defer client.Close()

		sendRequest(t, client, 1, "rpcKill", nil)
		resp, _ := readUntilResult(t, client, 1)
		So(resp["result"], ShouldEqual, true)

		select {
		case err := <-waitChan(s):
			So(err, ShouldBeNil)
		case <-time.After(3 * time.Second):
			t.Fatal("server did not shut down after rpcKill")
		}
	})
}

func waitChan(s *Server) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Wait() }()
	return ch
}
