// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client sends control commands to a Server.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the control server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ctl: could not dial %q: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends the named command with its arguments and decodes the reply
// value into v, when v is not nil.
func (c *Client) Call(name string, args, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := Request{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("ctl: could not encode %q arguments: %w", name, err)
		}
		req.Args = raw
	}

	err := c.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("ctl: could not send %q: %w", name, err)
	}

	var rep Reply
	err = c.dec.Decode(&rep)
	if err != nil {
		return fmt.Errorf("ctl: could not decode %q reply: %w", name, err)
	}
	if rep.Msg != "ok" {
		return fmt.Errorf("ctl: %s failed: %s", name, rep.Msg)
	}

	if v == nil {
		return nil
	}
	err = json.Unmarshal(rep.Value, v)
	if err != nil {
		return fmt.Errorf("ctl: could not decode %q value: %w", name, err)
	}
	return nil
}

// Configure builds a new loop on the server.
func (c *Client) Configure(setup Setup) error {
	return c.Call("configure", setup, nil)
}

// Start starts the loop at the given interval.
func (c *Client) Start(interval time.Duration) error {
	return c.Call("start", startArgs{Interval: interval.Seconds()}, nil)
}

// Stop stops the loop.
func (c *Client) Stop() error {
	return c.Call("stop", nil, nil)
}

// Status returns the state of the loop.
func (c *Client) Status() (Status, error) {
	var st Status
	err := c.Call("status", nil, &st)
	return st, err
}

// Set writes model parameters.
func (c *Client) Set(vs map[string]float64) error {
	return c.Call("set", vs, nil)
}

// Get reads model parameters and diagnostics.
// All values are returned when no name is given.
func (c *Client) Get(names ...string) (Values, error) {
	var (
		vs   Values
		args interface{}
	)
	if len(names) > 0 {
		args = names
	}
	err := c.Call("get", args, &vs)
	return vs, err
}

// Params returns the parameter snapshots of the loop.
func (c *Client) Params() (Params, error) {
	var ps Params
	err := c.Call("params", nil, &ps)
	return ps, err
}

// Features returns the names of the features supported by the loop.
func (c *Client) Features() ([]string, error) {
	var fs []string
	err := c.Call("features", nil, &fs)
	return fs, err
}

// Mean returns the running mean of an input channel.
func (c *Client) Mean(name string) (float64, error) {
	var v float64
	err := c.Call("mean", name, &v)
	return v, err
}

// Trigger configures the trigger unit of the loop.
func (c *Client) Trigger(setup TriggerSetup) error {
	return c.Call("trigger", setup, nil)
}
