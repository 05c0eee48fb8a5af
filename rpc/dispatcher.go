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

package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PeerID identifies one connection's view of an id: the connection it
// arrived on, plus the id the peer itself used on the wire. Two
// different clients independently numbering their requests 1, 2, 3...
// is exactly why the origin table exists (spec §4.2).
type PeerID struct {
	Connection interface{} // opaque connection handle, compared by identity
	ID         string      // the peer's literal id, JSON-encoded
}

// OriginTable allocates process-wide unique ids for server-originated
// requests and remembers how to route the eventual response back to
// the right peer, per spec §4.2's "origin-of-request table that maps
// (connection, peer-id) <-> (server-generated id)".
type OriginTable struct {
	mu      sync.Mutex
	nextID  uint64
	toPeer  map[uint64]PeerID
	toOurID map[PeerID]uint64
}

// NewOriginTable creates an empty OriginTable.
func NewOriginTable() *OriginTable {
	return &OriginTable{
		toPeer:  make(map[uint64]PeerID),
		toOurID: make(map[PeerID]uint64),
	}
}

// Allocate records that a server-initiated request bound for (conn,
// peerID) is being sent on the wire with a freshly-minted id, and
// returns that id's JSON encoding for use as the Request's ID field.
func (t *OriginTable) Allocate(conn interface{}, peerID string) json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	ourID := t.nextID
	peer := PeerID{Connection: conn, ID: peerID}
	t.toPeer[ourID] = peer
	t.toOurID[peer] = ourID

	raw, _ := json.Marshal(ourID)
	return raw
}

// Resolve looks up and forgets the peer a given our-id response is
// bound for. ok is false if the id is unknown (e.g. a duplicate or
// unsolicited response).
func (t *OriginTable) Resolve(ourID uint64) (conn interface{}, peerID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, found := t.toPeer[ourID]
	if !found {
		return nil, "", false
	}
	delete(t.toPeer, ourID)
	delete(t.toOurID, peer)
	return peer.Connection, peer.ID, true
}

// ParseOurID extracts the numeric id EncodeRequest produced via
// Allocate from a raw JSON-RPC id field.
func ParseOurID(raw json.RawMessage) (uint64, error) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("rpc: response id is not a server-allocated integer: %w", err)
	}
	return id, nil
}

// Forget drops any pending origin-table entry for (conn, peerID)
// without resolving it, used when a connection disconnects with
// requests still outstanding (spec §4.2's "a closed connection causes
// all pending outbound responses bound for that endpoint to be
// dropped silently").
func (t *OriginTable) Forget(conn interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, ourID := range t.toOurID {
		if peer.Connection == conn {
			delete(t.toOurID, peer)
			delete(t.toPeer, ourID)
		}
	}
}
