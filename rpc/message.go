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

// Package rpc implements the JSON-RPC 2.0 message layer molequeue's
// server speaks over a transport.Connection (spec §4.2): request/
// notification/response/error framing, batch handling, and the id-
// allocation/origin-table bookkeeping needed for the rare case of a
// server-initiated request.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Error codes defined by the JSON-RPC 2.0 spec and spec §4.2.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32000
)

// ErrorObject is the JSON-RPC "error" member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// NewError builds an ErrorObject, JSON-encoding data (if any) into
// the Data field. A marshal failure folds data into a string so the
// error is never silently dropped.
func NewError(code int, message string, data interface{}) *ErrorObject {
	eo := &ErrorObject{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			eo.Data = raw
		} else {
			eo.Data, _ = json.Marshal(fmt.Sprintf("%v", data))
		}
	}
	return eo
}

// InvalidParams builds the -32602 error with a human-readable
// data.description, per spec §4.2.
func InvalidParams(description string) *ErrorObject {
	return NewError(CodeInvalidParams, "Invalid params", map[string]string{"description": description})
}

// rawMessage is the wire shape every inbound message is first parsed
// into, before being classified as a Request or a Notification (the
// presence of "id" is the only thing that distinguishes them).
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  json.RawMessage `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Request is a client- or server-originated call expecting a
// Response.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Notification is a one-way call with no id and no response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response carries either a Result or an Err, keyed by the
// originating Request's ID.
type Response struct {
	ID     json.RawMessage
	Result interface{}
	Err    *ErrorObject
}

// MarshalJSON renders a Response as a standard JSON-RPC 2.0 object.
func (r Response) MarshalJSON() ([]byte, error) {
	obj := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(r.ID)}
	if r.Err != nil {
		obj["error"] = r.Err
	} else {
		obj["result"] = r.Result
	}
	return json.Marshal(obj)
}

// EncodeRequest renders a Request as a standard JSON-RPC 2.0 object.
func EncodeRequest(id json.RawMessage, method string, params interface{}) ([]byte, error) {
	obj := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(id), "method": method}
	if params != nil {
		obj["params"] = params
	}
	return json.Marshal(obj)
}

// EncodeNotification renders a Notification as a standard JSON-RPC
// 2.0 object.
func EncodeNotification(method string, params interface{}) ([]byte, error) {
	obj := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if params != nil {
		obj["params"] = params
	}
	return json.Marshal(obj)
}

// ParseResult is one decoded element of an inbound batch (or the sole
// element of a non-batch payload): exactly one of Request,
// Notification, or Response is non-nil, or Err names why the element
// could not be classified at all.
type ParseResult struct {
	Request      *Request
	Notification *Notification
	Response     *Response
	Err          *ErrorObject
}

// Parse decodes a raw wire payload into one or more ParseResults, one
// per batch element (spec §4.2's "if the top-level JSON is an array,
// each element is processed independently in array order"). A single
// object is treated as a batch of one. A payload that is not valid
// JSON at all yields a single CodeParseError result.
func Parse(payload []byte) []ParseResult {
	var arrayProbe json.RawMessage
	if err := json.Unmarshal(payload, &arrayProbe); err != nil {
		return []ParseResult{{Err: NewError(CodeParseError, "Parse error", err.Error())}}
	}

	var elements []json.RawMessage
	if isJSONArray(arrayProbe) {
		if err := json.Unmarshal(arrayProbe, &elements); err != nil {
			return []ParseResult{{Err: NewError(CodeParseError, "Parse error", err.Error())}}
		}
		if len(elements) == 0 {
			return []ParseResult{{Err: NewError(CodeInvalidRequest, "Invalid Request", "empty batch")}}
		}
	} else {
		elements = []json.RawMessage{arrayProbe}
	}

	results := make([]ParseResult, 0, len(elements))
	for _, elem := range elements {
		results = append(results, parseOne(elem))
	}
	return results
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func parseOne(raw json.RawMessage) ParseResult {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ParseResult{Err: NewError(CodeInvalidRequest, "Invalid Request", err.Error())}
	}

	if msg.JSONRPC != "2.0" {
		return ParseResult{Err: NewError(CodeInvalidRequest, "Invalid Request", "missing or wrong jsonrpc version")}
	}
	if msg.Result != nil && msg.Error != nil {
		return ParseResult{Err: NewError(CodeInvalidRequest, "Invalid Request", "message has both result and error")}
	}

	// A response (to a server-originated request) has no method.
	if msg.Method == nil {
		if msg.Result == nil && msg.Error == nil {
			return ParseResult{Err: NewError(CodeInvalidRequest, "Invalid Request", "message has neither method nor result/error")}
		}
		var result interface{}
		if msg.Result != nil {
			_ = json.Unmarshal(msg.Result, &result)
		}
		return ParseResult{Response: &Response{ID: msg.ID, Result: result, Err: msg.Error}}
	}

	var method string
	if err := json.Unmarshal(msg.Method, &method); err != nil {
		return ParseResult{Err: NewError(CodeInvalidRequest, "Invalid Request", "method is not a string")}
	}

	if len(msg.ID) == 0 {
		return ParseResult{Notification: &Notification{Method: method, Params: msg.Params}}
	}
	return ParseResult{Request: &Request{ID: msg.ID, Method: method, Params: msg.Params}}
}
