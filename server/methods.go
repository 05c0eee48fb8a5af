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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/rpc"
	"github.com/OpenChemistry/molequeue/transport"
)

// handleListQueues implements spec §4.8's listQueues: every configured
// queue name mapped to its available program names.
func handleListQueues(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	result := make(map[string][]string)
	for _, name := range s.manager.Names() {
		q, ok := s.manager.Lookup(name)
		if !ok {
			continue
		}
		result[name] = q.ProgramNames()
	}
	return result, nil
}

// handleSubmitJob implements spec §4.8's submitJob validation and
// acceptance sequence: check queue/program exist, allocate an id,
// assign localWorkingDirectory, insert the job, route it to the named
// queue, and record where to send its jobStateChanged notifications.
func handleSubmitJob(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var probe struct {
		Queue   string `json:"queue"`
		Program string `json:"program"`
	}
	if len(params) == 0 || json.Unmarshal(params, &probe) != nil {
		return nil, rpc.InvalidParams("params must be a job object")
	}
	if probe.Queue == "" {
		return nil, rpc.InvalidParams(`"queue" is required and must be a string`)
	}
	if probe.Program == "" {
		return nil, rpc.InvalidParams(`"program" is required and must be a string`)
	}

	q, ok := s.manager.Lookup(probe.Queue)
	if !ok {
		return nil, rpc.InvalidParams(fmt.Sprintf("no such queue %q", probe.Queue))
	}
	if _, ok := q.Config.Programs[probe.Program]; !ok {
		return nil, rpc.InvalidParams(fmt.Sprintf("queue %q has no program %q", probe.Queue, probe.Program))
	}

	job, err := s.registry.NewJobFromJSON(params)
	if err != nil {
		return nil, rpc.InvalidParams(err.Error())
	}

	// localWorkingDirectory was already assigned by the registry's
	// AboutToAdd default (spec §4.8: the server always overrides any
	// client-supplied value).

	// Recorded before Accept so the very first Accepted notification
	// (fired synchronously by Accept->SetState) has somewhere to go.
	s.recordRoute(job.ID(), conn)

	if err := s.registry.Accept(job); err != nil {
		s.forgetRoute(job.ID())
		_ = s.registry.Remove(job.ID())
		return nil, rpc.NewError(rpc.CodeInternalError, "failed to accept job", err.Error())
	}

	if err := s.manager.Submit(job); err != nil {
		s.lg.Error(uint64(job.ID()), fmt.Sprintf("submit to queue %q failed: %v", probe.Queue, err))
		_ = s.registry.SetState(job.ID(), jobqueue.JobStateError)
	}

	return map[string]interface{}{"moleQueueId": job.ID()}, nil
}

type moleQueueIDParams struct {
	MoleQueueID jobqueue.MoleQueueID `json:"moleQueueId"`
}

func handleCancelJob(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var req moleQueueIDParams
	if len(params) == 0 || json.Unmarshal(params, &req) != nil || req.MoleQueueID == 0 {
		return nil, rpc.InvalidParams(`"moleQueueId" is required and must be an integer`)
	}
	job, ok := s.registry.Lookup(req.MoleQueueID)
	if !ok {
		return nil, rpc.InvalidParams(fmt.Sprintf("no such job %d", req.MoleQueueID))
	}
	if err := s.manager.Cancel(job); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "cancel failed", err.Error())
	}
	return map[string]interface{}{"moleQueueId": job.ID()}, nil
}

// handleRemoveJob implements the removeJob extension (present in
// MoleQueue's original JobManager as removeJob/jobRemoved but dropped
// from the distilled method table): a job must have reached a terminal
// state before its record can be deleted, since removing a live job
// would leave its queue engine operating on an id the registry no
// longer knows.
func handleRemoveJob(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var req moleQueueIDParams
	if len(params) == 0 || json.Unmarshal(params, &req) != nil || req.MoleQueueID == 0 {
		return nil, rpc.InvalidParams(`"moleQueueId" is required and must be an integer`)
	}
	job, ok := s.registry.Lookup(req.MoleQueueID)
	if !ok {
		return nil, rpc.InvalidParams(fmt.Sprintf("no such job %d", req.MoleQueueID))
	}
	if !job.State().IsTerminal() {
		return nil, rpc.InvalidParams(fmt.Sprintf("job %d has not finished (state %s)", req.MoleQueueID, job.State()))
	}
	if err := s.registry.Remove(req.MoleQueueID); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "remove failed", err.Error())
	}
	s.forgetRoute(req.MoleQueueID)
	return map[string]interface{}{"moleQueueId": req.MoleQueueID}, nil
}

func handleLookupJob(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var req moleQueueIDParams
	if len(params) == 0 || json.Unmarshal(params, &req) != nil || req.MoleQueueID == 0 {
		return nil, rpc.InvalidParams(`"moleQueueId" is required and must be an integer`)
	}
	job, ok := s.registry.Lookup(req.MoleQueueID)
	if !ok {
		return nil, rpc.InvalidParams(fmt.Sprintf("no such job %d", req.MoleQueueID))
	}
	return job.Snapshot(), nil
}

func handleRegisterOpenWith(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var req openWithEntry
	if len(params) == 0 || json.Unmarshal(params, &req) != nil {
		return nil, rpc.InvalidParams("params must be an object")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, rpc.InvalidParams(`"name" is required`)
	}
	if req.Executable == "" && req.RPCServer == "" {
		return nil, rpc.InvalidParams(`one of "executable" or "rpcServer" is required`)
	}
	if len(req.Patterns) == 0 {
		return nil, rpc.InvalidParams(`"patterns" must be a non-empty array`)
	}

	s.openWithMu.Lock()
	s.openWith[req.Name] = req
	s.openWithMu.Unlock()
	return true, nil
}

func handleListOpenWithNames(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	s.openWithMu.Lock()
	names := make([]string, 0, len(s.openWith))
	for name := range s.openWith {
		names = append(names, name)
	}
	s.openWithMu.Unlock()
	sort.Strings(names)
	return names, nil
}

func handleUnregisterOpenWith(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	var req struct {
		Name string `json:"name"`
	}
	if len(params) == 0 || json.Unmarshal(params, &req) != nil || req.Name == "" {
		return nil, rpc.InvalidParams(`"name" is required`)
	}

	s.openWithMu.Lock()
	_, existed := s.openWith[req.Name]
	delete(s.openWith, req.Name)
	s.openWithMu.Unlock()

	if !existed {
		return nil, rpc.InvalidParams(fmt.Sprintf("no such registration %q", req.Name))
	}
	return true, nil
}

// handleRPCKill implements spec §4.8's rpcKill: acknowledge, then shut
// down. Stop only enqueues the shutdown request, so the true result
// below is still flushed to the client before the listener closes.
func handleRPCKill(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject) {
	s.log.Info("rpcKill received")
	s.Stop()
	return true, nil
}
