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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestOriginTable(t *testing.T) {
	Convey("Allocate then Resolve round-trips back to the original peer", t, func() {
		table := NewOriginTable()
		connA := new(int)
		raw := table.Allocate(connA, "17")

		ourID, err := ParseOurID(raw)
		So(err, ShouldBeNil)

		conn, peerID, ok := table.Resolve(ourID)
		So(ok, ShouldBeTrue)
		So(conn, ShouldEqual, connA)
		So(peerID, ShouldEqual, "17")
	})

	Convey("Two different peers numbering requests identically don't collide", t, func() {
		table := NewOriginTable()
		connA := new(int)
		connB := new(int)

		rawA := table.Allocate(connA, "1")
		rawB := table.Allocate(connB, "1")

		idA, _ := ParseOurID(rawA)
		idB, _ := ParseOurID(rawB)
		So(idA, ShouldNotEqual, idB)

		conn, peerID, ok := table.Resolve(idA)
		So(ok, ShouldBeTrue)
		So(conn, ShouldEqual, connA)
		So(peerID, ShouldEqual, "1")

		conn, peerID, ok = table.Resolve(idB)
		So(ok, ShouldBeTrue)
		So(conn, ShouldEqual, connB)
		So(peerID, ShouldEqual, "1")
	})

	Convey("Resolve is single-use", t, func() {
		table := NewOriginTable()
		raw := table.Allocate(new(int), "1")
		ourID, _ := ParseOurID(raw)

		_, _, ok := table.Resolve(ourID)
		So(ok, ShouldBeTrue)
		_, _, ok = table.Resolve(ourID)
		So(ok, ShouldBeFalse)
	})

	Convey("Forget drops every pending entry for a disconnected connection", t, func() {
		table := NewOriginTable()
		connA := new(int)
		table.Allocate(connA, "1")
		raw2 := table.Allocate(connA, "2")
		rawOther := table.Allocate(new(int), "1")

		table.Forget(connA)

		id2, _ := ParseOurID(raw2)
		_, _, ok := table.Resolve(id2)
		So(ok, ShouldBeFalse)

		idOther, _ := ParseOurID(rawOther)
		_, _, ok = table.Resolve(idOther)
		So(ok, ShouldBeTrue)
	})
}
