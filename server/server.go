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

// Package server binds transport to rpc: it owns the job registry and
// the queue manager, dispatches incoming requests to the method
// handlers in methods.go, and routes jobStateChanged notifications
// back to the connection that submitted each job (spec §4.8).
package server

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/OpenChemistry/molequeue/logger"
	"github.com/OpenChemistry/molequeue/rpc"
	"github.com/OpenChemistry/molequeue/scheduler"
	"github.com/OpenChemistry/molequeue/transport"
	"github.com/inconshreveable/log15"
)

// methodHandler implements one request method from spec §4.8's table.
// A non-nil *rpc.ErrorObject return takes precedence over the result.
type methodHandler func(s *Server, conn *transport.Connection, params json.RawMessage) (interface{}, *rpc.ErrorObject)

// openWithEntry is one registerOpenWith record (spec §4.8); MoleQueue
// itself never acts on these beyond bookkeeping them for callers.
type openWithEntry struct {
	Name       string            `json:"name"`
	Executable string            `json:"executable,omitempty"`
	RPCServer  string            `json:"rpcServer,omitempty"`
	Patterns   []openWithPattern `json:"patterns"`
}

type openWithPattern struct {
	Pattern       string `json:"pattern"`
	PatternType   string `json:"patternType"`
	CaseSensitive bool   `json:"caseSensitive"`
}

// Server is the daemon's JSON-RPC dispatcher (spec §4.8's "server
// dispatcher"). One Server owns exactly one transport.Listener, one
// jobqueue.Registry and one scheduler.Manager for the life of the
// process.
type Server struct {
	socketPath string
	logPath    string

	listener *transport.Listener
	registry *jobqueue.Registry
	manager  *scheduler.Manager
	lg       *logger.Logger
	log      log15.Logger

	// origin exists for the rare case spec §4.2 reserves id-allocation
	// for: a server-initiated request awaiting a client response. No
	// method in this daemon currently issues one (UIT's interactive
	// auth goes through the UITAnswerFunc handed to
	// scheduler.Manager.AddUITQueue, not over a client connection), but incoming
	// responses are still routed through it so that guarantee holds
	// the day one is added.
	origin *rpc.OriginTable

	methods map[string]methodHandler

	routesMu sync.Mutex
	routes   map[jobqueue.MoleQueueID]*transport.Connection

	openWithMu sync.Mutex
	openWith   map[string]openWithEntry

	persistInterval time.Duration

	stop chan bool
	done chan error
}

// NewServer creates a Server that will listen on socketPath. registry
// must already be constructed against baseDir/jobs, since that is
// where submitJob's localWorkingDirectory assignment (spec §4.8) points
// jobs at, via the registry's own AboutToAdd default.
func NewServer(socketPath, baseDir string, registry *jobqueue.Registry, manager *scheduler.Manager, lg *logger.Logger, log log15.Logger) *Server {
	if log == nil {
		log = log15.New()
	}
	s := &Server{
		socketPath:      socketPath,
		logPath:         filepath.Join(baseDir, "log", "log.json"),
		registry:        registry,
		manager:         manager,
		lg:              lg,
		log:             log.New("component", "server"),
		origin:          rpc.NewOriginTable(),
		routes:          make(map[jobqueue.MoleQueueID]*transport.Connection),
		openWith:        make(map[string]openWithEntry),
		persistInterval: 10 * time.Second,
		stop:            make(chan bool, 1),
		done:            make(chan error, 1),
	}
	s.methods = map[string]methodHandler{
		"listQueues":         handleListQueues,
		"submitJob":          handleSubmitJob,
		"cancelJob":          handleCancelJob,
		"removeJob":          handleRemoveJob,
		"lookupJob":          handleLookupJob,
		"registerOpenWith":   handleRegisterOpenWith,
		"listOpenWithNames":  handleListOpenWithNames,
		"unregisterOpenWith": handleUnregisterOpenWith,
		"rpcKill":            handleRPCKill,
	}
	return s
}

// Start binds the listener (forcing removal of a stale socket
// artifact when force is true, per spec §4.1's forceStart) and begins
// serving in background goroutines. It returns once the listener is
// accepting connections; call Wait to block until shutdown.
func (s *Server) Start(force bool) error {
	ln := transport.NewListener(s.socketPath, s.log)
	var err error
	if force {
		err = ln.ForceStart()
	} else {
		err = ln.Start()
	}
	if err != nil {
		return fmt.Errorf("server: starting listener: %w", err)
	}
	s.listener = ln

	ln.NewConnection.Subscribe(s.handleConnection)
	s.registry.StateChanged.Subscribe(s.handleStateChanged)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(s.persistInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case sig := <-sigs:
				s.log.Info("shutting down on signal", "signal", sig)
				s.shutdown()
				signal.Stop(sigs)
				s.done <- fmt.Errorf("server: stopped on signal %v", sig)
				return
			case <-s.stop:
				s.log.Info("shutting down")
				s.shutdown()
				signal.Stop(sigs)
				s.done <- nil
				return
			case <-ticker.C:
				if err := s.registry.Sync(); err != nil {
					s.log.Warn("persistence tick failed", "err", err)
				}
			}
		}
	}()

	s.log.Info("molequeue server listening", "socket", s.socketPath)
	return nil
}

// Wait blocks until the server has shut down, returning the reason
// (nil for a deliberate Stop).
func (s *Server) Wait() error {
	return <-s.done
}

// Stop requests a graceful shutdown. It does not block; call Wait to
// observe completion.
func (s *Server) Stop() {
	select {
	case s.stop <- true:
	default:
	}
}

// shutdown performs spec §6's exit sequence: sync the registry, flush
// the logger, stop every queue engine, and close the transport
// listener (without removing the socket artifact -- only a forced
// restart does that, per spec §6's exit-behavior note).
func (s *Server) shutdown() {
	if err := s.registry.Sync(); err != nil {
		s.log.Error("final registry sync failed", "err", err)
	}
	if err := s.lg.SaveToFile(s.logPath); err != nil {
		s.log.Error("failed to flush logger", "err", err)
	}
	s.manager.Stop()
	if err := s.listener.Stop(false); err != nil {
		s.log.Error("failed to close listener", "err", err)
	}
}

// handleConnection wires one freshly-accepted connection's packet and
// disconnect events before releasing its held packets via Start.
func (s *Server) handleConnection(conn *transport.Connection) {
	conn.PacketReceived.Subscribe(func(payload []byte) { s.dispatch(conn, payload) })
	conn.Disconnected.Subscribe(func(struct{}) { s.forgetConnection(conn) })
	conn.Start()
}

// dispatch classifies one inbound wire payload and handles each
// resulting element independently (spec §4.2's batch semantics).
func (s *Server) dispatch(conn *transport.Connection, payload []byte) {
	for _, pr := range rpc.Parse(payload) {
		switch {
		case pr.Request != nil:
			s.handleClientRequest(conn, pr.Request)
		case pr.Notification != nil:
			s.log.Debug("ignoring notification from client", "method", pr.Notification.Method)
		case pr.Response != nil:
			s.handleClientResponse(conn, pr.Response)
		case pr.Err != nil:
			s.reply(conn, json.RawMessage("null"), nil, pr.Err)
		}
	}
}

func (s *Server) handleClientRequest(conn *transport.Connection, req *rpc.Request) {
	h, ok := s.methods[req.Method]
	if !ok {
		s.reply(conn, req.ID, nil, rpc.NewError(rpc.CodeMethodNotFound, "Method not found", req.Method))
		return
	}
	result, rpcErr := s.invoke(h, conn, req.Params)
	s.reply(conn, req.ID, result, rpcErr)
}

// invoke calls h, converting a panic into a -32000 internal error
// instead of letting it escape and take the whole daemon down with it
// (spec §7's "no error is allowed to crash the daemon").
func (s *Server) invoke(h methodHandler, conn *transport.Connection, params json.RawMessage) (result interface{}, rpcErr *rpc.ErrorObject) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("method handler panicked", "err", r)
			rpcErr = rpc.NewError(rpc.CodeInternalError, "Internal error", fmt.Sprintf("%v", r))
		}
	}()
	return h(s, conn, params)
}

func (s *Server) reply(conn *transport.Connection, id json.RawMessage, result interface{}, rpcErr *rpc.ErrorObject) {
	data, err := json.Marshal(rpc.Response{ID: id, Result: result, Err: rpcErr})
	if err != nil {
		s.log.Error("encoding response", "err", err)
		return
	}
	if err := conn.Send(data); err != nil {
		s.log.Debug("failed to send response, peer likely disconnected", "err", err)
	}
}

// handleClientResponse resolves a reply to a server-originated
// request. See the origin field's doc comment: nothing currently
// issues one, so this only logs.
func (s *Server) handleClientResponse(conn *transport.Connection, resp *rpc.Response) {
	ourID, err := rpc.ParseOurID(resp.ID)
	if err != nil {
		s.log.Debug("received response with unparseable id", "err", err)
		return
	}
	if _, peerID, ok := s.origin.Resolve(ourID); ok {
		s.log.Debug("received response to server-originated request", "peerId", peerID)
		return
	}
	s.log.Debug("received unsolicited response", "id", ourID)
}

// forgetConnection drops every bookkeeping entry tied to a
// disconnected peer: its origin-table entries and its job routes.
// Per spec §4.2, any outbound response or notification still pending
// for it is simply dropped, not queued.
func (s *Server) forgetConnection(conn *transport.Connection) {
	s.origin.Forget(conn)
	s.routesMu.Lock()
	for id, c := range s.routes {
		if c == conn {
			delete(s.routes, id)
		}
	}
	s.routesMu.Unlock()
}

func (s *Server) recordRoute(id jobqueue.MoleQueueID, conn *transport.Connection) {
	s.routesMu.Lock()
	s.routes[id] = conn
	s.routesMu.Unlock()
}

func (s *Server) forgetRoute(id jobqueue.MoleQueueID) {
	s.routesMu.Lock()
	delete(s.routes, id)
	s.routesMu.Unlock()
}

// handleStateChanged pushes a jobStateChanged notification to the
// connection that submitted change.Job, if it is still connected
// (spec §4.8's "Notification routing"). A terminal state ends that
// job's routing entry since no further notification will ever be due.
func (s *Server) handleStateChanged(change jobqueue.StateChange) {
	s.routesMu.Lock()
	conn, ok := s.routes[change.Job.ID()]
	s.routesMu.Unlock()
	if !ok {
		return
	}
	if change.New.IsTerminal() {
		defer s.forgetRoute(change.Job.ID())
	}

	payload, err := rpc.EncodeNotification("jobStateChanged", map[string]interface{}{
		"moleQueueId": change.Job.ID(),
		"oldState":    change.Old.String(),
		"newState":    change.New.String(),
	})
	if err != nil {
		s.log.Error("encoding jobStateChanged", "err", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		s.log.Debug("dropping jobStateChanged, peer disconnected", "err", err)
	}
}
