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

func TestParseRequest(t *testing.T) {
	Convey("Parse classifies a well-formed request", t, func() {
		results := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"listQueues"}`))
		So(results, ShouldHaveLength, 1)
		So(results[0].Err, ShouldBeNil)
		So(results[0].Request, ShouldNotBeNil)
		So(results[0].Request.Method, ShouldEqual, "listQueues")
	})

	Convey("Parse classifies a notification (no id) separately from a request", t, func() {
		results := Parse([]byte(`{"jsonrpc":"2.0","method":"jobStateChanged","params":{"moleQueueId":1}}`))
		So(results, ShouldHaveLength, 1)
		So(results[0].Notification, ShouldNotBeNil)
		So(results[0].Request, ShouldBeNil)
	})

	Convey("Parse rejects malformed JSON with -32700", t, func() {
		results := Parse([]byte(`{not json`))
		So(results, ShouldHaveLength, 1)
		So(results[0].Err, ShouldNotBeNil)
		So(results[0].Err.Code, ShouldEqual, CodeParseError)
	})

	Convey("Parse rejects a missing jsonrpc version with -32600", t, func() {
		results := Parse([]byte(`{"id":1,"method":"listQueues"}`))
		So(results[0].Err.Code, ShouldEqual, CodeInvalidRequest)
	})

	Convey("Parse rejects a non-string method with -32600", t, func() {
		results := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":42}`))
		So(results[0].Err.Code, ShouldEqual, CodeInvalidRequest)
	})

	Convey("Parse rejects a message carrying both result and error", t, func() {
		results := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":-32000,"message":"x"}}`))
		So(results[0].Err.Code, ShouldEqual, CodeInvalidRequest)
	})

	Convey("Parse handles a batch, processing each element independently", t, func() {
		results := Parse([]byte(`[
			{"jsonrpc":"2.0","id":1,"method":"listQueues"},
			{"jsonrpc":"2.0","method":"jobStateChanged","params":{}},
			42
		]`))
		So(results, ShouldHaveLength, 3)
		So(results[0].Request, ShouldNotBeNil)
		So(results[1].Notification, ShouldNotBeNil)
		So(results[2].Err, ShouldNotBeNil)
	})

	Convey("Parse rejects an empty batch", t, func() {
		results := Parse([]byte(`[]`))
		So(results, ShouldHaveLength, 1)
		So(results[0].Err.Code, ShouldEqual, CodeInvalidRequest)
	})

	Convey("Parse classifies a response to a server-originated request", t, func() {
		results := Parse([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
		So(results[0].Response, ShouldNotBeNil)
	})
}

func TestInvalidParams(t *testing.T) {
	Convey("InvalidParams carries a description in data", t, func() {
		err := InvalidParams("queue is required")
		So(err.Code, ShouldEqual, CodeInvalidParams)
		So(string(err.Data), ShouldContainSubstring, "queue is required")
	})
}

func TestEncodeRequest(t *testing.T) {
	Convey("EncodeRequest round-trips through Parse as a Request", t, func() {
		data, err := EncodeRequest([]byte("5"), "registerOpenWith", map[string]string{"name": "avogadro"})
		So(err, ShouldBeNil)
		results := Parse(data)
		So(results[0].Request, ShouldNotBeNil)
		So(results[0].Request.Method, ShouldEqual, "registerOpenWith")
	})
}
