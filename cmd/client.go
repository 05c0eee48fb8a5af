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

package cmd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client is a minimal synchronous JSON-RPC 2.0 client speaking the
// same length-prefixed wire framing as transport.Connection
// (<version uint32><size uint32><payload>, spec §4.1). It isn't built
// on transport.Connection itself, since that type's event-driven,
// hold-until-start design exists to serve many concurrent peers inside
// the daemon; the CLI only ever has the one blocking round trip it's
// currently waiting on.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex
	nextID int
}

const clientWireVersion uint32 = 1

// Dial connects to the daemon's control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Disconnect closes the underlying connection.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

func (c *Client) writeFrame(payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], clientWireVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

func (c *Client) readFrame() ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, size)
	_, err := io.ReadFull(c.conn, payload)
	return payload, err
}

type wireResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *wireError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Call sends a request and blocks for its matching response,
// discarding any jobStateChanged (or other) notifications it reads
// along the way. Callers wanting those should use CallAndWatch instead.
func (c *Client) Call(method string, params interface{}, result interface{}) error {
	resp, err := c.roundTrip(method, params, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// Notification is one server-pushed jobStateChanged (or other
// no-reply) message observed while waiting for a Call's response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// CallAndWatch is like Call, but also returns every notification
// received while the request was in flight, in arrival order -- used
// by "submit --wait" to narrate a job's progress to Finished.
func (c *Client) CallAndWatch(method string, params interface{}, result interface{}) ([]Notification, error) {
	var notes []Notification
	resp, err := c.roundTrip(method, params, &notes)
	if err != nil {
		return notes, err
	}
	if resp.Error != nil {
		return notes, resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		err = json.Unmarshal(resp.Result, result)
	}
	return notes, err
}

func (c *Client) roundTrip(method string, params interface{}, notes *[]Notification) (*wireResponse, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := c.writeFrame(data); err != nil {
		return nil, err
	}

	for {
		payload, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		var probe struct {
			ID     *int   `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return nil, fmt.Errorf("cmd: malformed reply from daemon: %w", err)
		}
		if probe.Method != "" {
			if notes != nil {
				var params json.RawMessage
				_ = json.Unmarshal(payload, &struct {
					Params *json.RawMessage `json:"params"`
				}{&params})
				*notes = append(*notes, Notification{Method: probe.Method, Params: params})
			}
			continue
		}
		if probe.ID == nil || *probe.ID != id {
			continue
		}
		var resp wireResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("cmd: malformed response from daemon: %w", err)
		}
		return &resp, nil
	}
}
