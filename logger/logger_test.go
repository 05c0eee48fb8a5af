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

package logger

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogger(t *testing.T) {
	Convey("Given a Logger capped at 3 entries", t, func() {
		l := New(3, nil)

		Convey("Logging beyond the cap evicts the oldest entry", func() {
			l.Notice(1, "one")
			l.Notice(2, "two")
			l.Notice(3, "three")
			l.Notice(4, "four")

			entries := l.Entries()
			So(len(entries), ShouldEqual, 3)
			So(entries[0].Message, ShouldEqual, "two")
			So(entries[2].Message, ShouldEqual, "four")
		})

		Convey("The first error fires FirstNewError exactly once", func() {
			fired := 0
			l.FirstNewError.Subscribe(func(LogEntry) { fired++ })

			l.Error(1, "boom")
			l.Error(1, "boom again")
			So(fired, ShouldEqual, 1)
			So(l.NewErrorCount(), ShouldEqual, 2)

			l.ResetNewErrorCount()
			So(l.NewErrorCount(), ShouldEqual, 0)

			l.Error(1, "boom a third time")
			So(fired, ShouldEqual, 2)
		})

		Convey("SaveToFile then LoadFromFile round-trips entries", func() {
			l.Warning(5, "careful")
			dir := t.TempDir()
			path := filepath.Join(dir, "log.json")
			So(l.SaveToFile(path), ShouldBeNil)

			loaded, err := LoadFromFile(path, nil)
			So(err, ShouldBeNil)
			So(len(loaded.Entries()), ShouldEqual, 1)
			So(loaded.Entries()[0].Message, ShouldEqual, "careful")
		})

		Convey("LoadFromFile on a missing path starts empty", func() {
			loaded, err := LoadFromFile(filepath.Join(os.TempDir(), "does-not-exist-molequeue.json"), nil)
			So(err, ShouldBeNil)
			So(len(loaded.Entries()), ShouldEqual, 0)
		})
	})
}
