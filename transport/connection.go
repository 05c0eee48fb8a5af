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

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/OpenChemistry/molequeue/event"
	"github.com/inconshreveable/log15"
	uuid "github.com/satori/go.uuid"
)

// wireVersion is the only framing version this daemon speaks (spec
// §4.1). A peer sending any other version is disconnected.
const wireVersion uint32 = 1

// maxPayloadBytes bounds a single frame's payload so a corrupt or
// hostile peer can't make the daemon allocate unboundedly from a
// garbage size field.
const maxPayloadBytes = 64 << 20 // 64 MiB

// EndpointID identifies one connected peer for the lifetime of its
// connection.
type EndpointID = uuid.UUID

// Connection is one accepted peer: a framed read loop plus a buffered
// writer, with hold-until-start semantics for incoming packets.
type Connection struct {
	ID  EndpointID
	log log15.Logger

	conn net.Conn

	writeMu sync.Mutex
	writer  *bufio.Writer

	PacketReceived event.Emitter[[]byte]
	Disconnected   event.Emitter[struct{}]

	startMu   sync.Mutex
	started   bool
	heldUntil []held
}

type held struct{ payload []byte }

func newConnection(id EndpointID, conn net.Conn, log log15.Logger) *Connection {
	return &Connection{
		ID:     id,
		log:    log.New("endpoint", id.String()),
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}
}

// Start attaches the RPC layer's handlers by releasing any packets
// that arrived before the caller subscribed to PacketReceived, in
// arrival order, then allows all future packets to be delivered
// immediately. This is spec §4.1's "hold-until-start": the read loop
// (started in run(), from Accept) begins buffering the instant the
// connection is accepted, so no packet can race a still-unattached
// handler.
func (c *Connection) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	pending := c.heldUntil
	c.heldUntil = nil
	for _, h := range pending {
		c.PacketReceived.Emit(h.payload)
	}
}

// run drives the read loop until the connection closes or a framing
// error occurs. It is started by the Listener immediately on accept,
// before the caller has had a chance to call Start.
func (c *Connection) run() {
	defer func() {
		_ = c.conn.Close()
		c.Disconnected.Emit(struct{}{})
	}()

	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			if err != io.EOF {
				c.log.Debug("connection read closed", "err", err)
			}
			return
		}

		version := binary.BigEndian.Uint32(header[0:4])
		size := binary.BigEndian.Uint32(header[4:8])

		if version != wireVersion {
			c.log.Warn("dropping connection on version mismatch", "version", version, "expected", wireVersion)
			return
		}
		if size > maxPayloadBytes {
			c.log.Warn("dropping connection on oversized frame", "size", size)
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.log.Debug("connection read closed mid-frame", "err", err)
			return
		}

		c.deliver(payload)
	}
}

// deliver routes one decoded payload either straight to subscribers
// (once Start has been called) or onto the hold queue.
func (c *Connection) deliver(payload []byte) {
	c.startMu.Lock()
	if !c.started {
		c.heldUntil = append(c.heldUntil, held{payload: payload})
		c.startMu.Unlock()
		return
	}
	c.startMu.Unlock()
	c.PacketReceived.Emit(payload)
}

// Send frames payload and buffers it for write; the buffer is flushed
// automatically on return to the caller's event loop turn, per spec
// §4.1 -- here that's simply an immediate flush, since this package
// has no event-loop scheduling concept of its own to defer to.
func (c *Connection) Send(payload []byte) error {
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("transport: payload too large (%d bytes)", len(payload))
	}

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], wireVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(header); err != nil {
		return err
	}
	if _, err := c.writer.Write(payload); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close terminates the connection from this side.
func (c *Connection) Close() error {
	return c.conn.Close()
}
