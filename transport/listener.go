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

// Package transport implements molequeue's local IPC framing (spec
// §4.1): a Unix-domain socket listener accepting framed, versioned
// messages, with hold-until-start delivery so the first packet from a
// freshly-accepted peer is never lost to a handler-attachment race.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/OpenChemistry/molequeue/event"
	"github.com/inconshreveable/log15"
	uuid "github.com/satori/go.uuid"
)

// ErrAddressInUse is returned by Start when the socket path is
// already bound by a live listener, matching spec §4.1's
// AddressInUseError.
var ErrAddressInUse = errors.New("transport: address already in use")

// Listener accepts connections on a single Unix-domain socket and
// announces each as a *Connection via NewConnection.
type Listener struct {
	path string
	log  log15.Logger

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}

	NewConnection event.Emitter[*Connection]
}

// NewListener creates a Listener bound to path, not yet accepting
// connections until Start is called.
func NewListener(path string, log log15.Logger) *Listener {
	if log == nil {
		log = log15.New()
	}
	return &Listener{path: path, log: log.New("component", "transport")}
}

// Start begins accepting connections in a background goroutine.
// Returns ErrAddressInUse, wrapped with the OS error, if the socket
// path is already bound.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return fmt.Errorf("transport: listener already started")
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s: %v", ErrAddressInUse, l.path, err)
		}
		return fmt.Errorf("transport: listening on %s: %w", l.path, err)
	}

	l.listener = ln
	l.stopCh = make(chan struct{})
	go l.acceptLoop(ln, l.stopCh)
	l.log.Info("listening", "path", l.path)
	return nil
}

// isAddrInUse reports whether err ultimately wraps EADDRINUSE or is
// an os.IsExist error; Start maps both to ErrAddressInUse, which is
// what lets ForceStart clear a stale file left at the socket path.
// Every other error is a generic listen failure.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || os.IsExist(err)
}

// ForceStart removes any stale socket artifact at path and retries
// Start exactly once, matching spec §4.1's forceStart() variant.
func (l *Listener) ForceStart() error {
	err := l.Start()
	if err == nil || !errors.Is(err, ErrAddressInUse) {
		return err
	}

	l.log.Warn("removing stale socket artifact", "path", l.path)
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("transport: removing stale socket %s: %w", l.path, rmErr)
	}
	return l.Start()
}

func (l *Listener) acceptLoop(ln net.Listener, stopCh chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				l.log.Error("accept failed", "err", err)
				return
			}
		}
		c := newConnection(uuid.NewV4(), conn, l.log)
		l.NewConnection.Emit(c)
		go c.run()
	}
}

// Stop closes the listener. The socket artifact itself is only
// removed when force is true, matching spec §4.1's stop(force)
// signature and §6's exit-behavior note that the endpoint artifact is
// removed on a forced start's cleanup but left in place on a normal
// shutdown.
func (l *Listener) Stop(force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	close(l.stopCh)
	err := l.listener.Close()
	l.listener = nil
	if force {
		_ = os.Remove(l.path)
	}
	return err
}
