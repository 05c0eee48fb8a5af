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

package queue

import (
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSubQueueReadyAtOrder(t *testing.T) {
	Convey("Once 10 items of differing delay have been pushed to the queue", t, func() {
		sq := newSubQueue(orderReadyAt)
		items := make(map[string]*Item)
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key_%d", i)
			delay := time.Duration(9-i+1) * time.Second
			items[key] = newItem(key, "", "data", 0, delay, 0*time.Second)
			sq.push(items[key])
		}

		So(sq.Len(), ShouldEqual, 10)

		Convey("Popping them should remove them in delay order", func() {
			exampleItem := items["key_1"]

			for i := 0; i < 5; i++ {
				item := sq.pop()
				So(item, ShouldHaveSameTypeAs, exampleItem)
				So(item.Key, ShouldEqual, fmt.Sprintf("key_%d", 9-i))
			}
			So(sq.Len(), ShouldEqual, 5)
			for i := 0; i < 5; i++ {
				item := sq.pop()
				So(item, ShouldHaveSameTypeAs, exampleItem)
				So(item.Key, ShouldEqual, fmt.Sprintf("key_%d", 9-i-5))
			}
			So(sq.Len(), ShouldEqual, 0)

			item := sq.pop()
			So(item, ShouldBeNil)
		})

		Convey("Removing an item works", func() {
			removeItem := items["key_2"]
			sq.remove(removeItem)
			So(sq.Len(), ShouldEqual, 9)

			for {
				item := sq.pop()
				if item == nil {
					break
				}
				So(item.Key, ShouldNotEqual, "key_2")
			}
			So(sq.Len(), ShouldEqual, 0)
		})

		Convey("Updating an item works", func() {
			exampleItem := items["key_9"]
			exampleItem.readyAt = time.Now().Add(2500 * time.Millisecond)
			sq.update(exampleItem)
			newItem := sq.pop()
			So(newItem.Key, ShouldEqual, "key_8")
		})

		Convey("Removing all items works", func() {
			sq.empty()
			So(sq.Len(), ShouldEqual, 0)
		})
	})
}

func TestSubQueuePriorityOrder(t *testing.T) {
	Convey("Items of differing priority pop highest-first", t, func() {
		sq := newSubQueue(orderPriority)
		low := newItem("low", "", nil, 1, 0, 0)
		mid := newItem("mid", "", nil, 5, 0, 0)
		high := newItem("high", "", nil, 9, 0, 0)
		sq.push(low)
		sq.push(high)
		sq.push(mid)

		So(sq.pop().Key, ShouldEqual, "high")
		So(sq.pop().Key, ShouldEqual, "mid")
		So(sq.pop().Key, ShouldEqual, "low")
	})
}
