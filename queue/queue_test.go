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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestQueue(t *testing.T) {
	Convey("Given a new Queue", t, func() {
		q := New("test")
		defer q.Destroy()

		Convey("Adding an item makes it immediately reservable", func() {
			_, err := q.Add("job1", "", "payload", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			So(q.Len(), ShouldEqual, 1)

			item, err := q.Reserve()
			So(err, ShouldBeNil)
			So(item.Key, ShouldEqual, "job1")
			So(item.State(), ShouldEqual, ItemStateRun)

			_, err = q.Reserve()
			So(err, ShouldNotBeNil)
		})

		Convey("Adding the same key twice is reported as existed, not added", func() {
			added, existed, err := q.AddMany([]*ItemDef{
				{Key: "a", TTR: time.Minute},
				{Key: "a", TTR: time.Minute},
			})
			So(err, ShouldBeNil)
			So(added, ShouldEqual, 1)
			So(existed, ShouldEqual, 1)
		})

		Convey("Release without a delay makes an item ready again", func() {
			_, err := q.Add("job1", "", "payload", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			_, err = q.Reserve()
			So(err, ShouldBeNil)

			err = q.Release("job1")
			So(err, ShouldBeNil)

			item, err := q.Get("job1")
			So(err, ShouldBeNil)
			So(item.State(), ShouldEqual, ItemStateReady)
		})

		Convey("SetDelay then Release defers readiness", func() {
			_, err := q.Add("job1", "", "payload", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			_, err = q.Reserve()
			So(err, ShouldBeNil)

			So(q.SetDelay("job1", time.Hour), ShouldBeNil)
			So(q.Release("job1"), ShouldBeNil)

			item, err := q.Get("job1")
			So(err, ShouldBeNil)
			So(item.State(), ShouldEqual, ItemStateDelay)
		})

		Convey("Burying an item removes it from consideration until Kicked", func() {
			_, err := q.Add("job1", "", "payload", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			_, err = q.Reserve()
			So(err, ShouldBeNil)

			So(q.Bury("job1"), ShouldBeNil)
			_, err = q.Reserve()
			So(err, ShouldNotBeNil)

			So(q.Kick("job1"), ShouldBeNil)
			item, err := q.Reserve()
			So(err, ShouldBeNil)
			So(item.Key, ShouldEqual, "job1")
		})

		Convey("ReserveFiltered only considers matching items", func() {
			_, err := q.Add("a", "groupA", "a", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			_, err = q.Add("b", "groupB", "b", 0, 0, time.Minute)
			So(err, ShouldBeNil)

			item, err := q.ReserveFiltered(func(data interface{}) bool {
				return data.(string) == "b"
			})
			So(err, ShouldBeNil)
			So(item.Key, ShouldEqual, "b")
		})

		Convey("Remove takes an item out entirely", func() {
			_, err := q.Add("job1", "", "payload", 0, 0, time.Minute)
			So(err, ShouldBeNil)
			So(q.Remove("job1"), ShouldBeNil)
			So(q.Len(), ShouldEqual, 0)
			_, err = q.Get("job1")
			So(err, ShouldNotBeNil)
		})

		Convey("A delayed item becomes ready once its delay elapses", func() {
			_, err := q.Add("job1", "", "payload", 0, 120*time.Millisecond, time.Minute)
			So(err, ShouldBeNil)

			_, err = q.Reserve()
			So(err, ShouldNotBeNil)

			time.Sleep(300 * time.Millisecond)

			item, err := q.Reserve()
			So(err, ShouldBeNil)
			So(item.Key, ShouldEqual, "job1")
		})
	})
}
