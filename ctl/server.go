// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/clamp/feature"
	"github.com/go-lpc/clamp/loop"
)

// Request is a command sent to a Server.
type Request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply is the reply of a Server to a command.
// Msg is "ok" on success, or the error message.
type Reply struct {
	Msg   string          `json:"msg"`
	Value json.RawMessage `json:"value,omitempty"`
}

type startArgs struct {
	Interval float64 `json:"interval"` // in seconds
}

// Server serves the control commands of a loop over TCP.
type Server struct {
	ctl net.Listener
	msg log.MsgStream

	newLoop Factory
	onEvent func(lp *loop.Loop, ev loop.Event)

	mu     sync.Mutex
	lp     *loop.Loop
	cancel context.CancelFunc
	quit   chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMsg sets the message stream of the server.
func WithMsg(msg log.MsgStream) ServerOption {
	return func(srv *Server) {
		srv.msg = msg
	}
}

// WithEvents registers a callback invoked with every event of the
// current loop.
func WithEvents(f func(lp *loop.Loop, ev loop.Event)) ServerOption {
	return func(srv *Server) {
		srv.onEvent = f
	}
}

// NewServer creates a control server listening on addr.
func NewServer(addr string, f Factory, opts ...ServerOption) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ctl: could not listen on %q: %w", addr, err)
	}

	srv := &Server{
		ctl:     ctl,
		newLoop: f,
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.msg == nil {
		srv.msg = log.NewMsgStream("clamp-ctl", log.LvlInfo, os.Stdout)
	}
	return srv, nil
}

// Addr returns the listening address of the server.
func (srv *Server) Addr() net.Addr { return srv.ctl.Addr() }

// Loop returns the current loop, if any.
func (srv *Server) Loop() *loop.Loop {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.lp
}

// DrainDurations drains the cycle durations of the current loop.
func (srv *Server) DrainDurations(f func(time.Duration)) int {
	lp := srv.Loop()
	if lp == nil {
		return 0
	}
	return lp.DrainDurations(f)
}

// Serve accepts and serves connections until the server is closed.
func (srv *Server) Serve() error {
	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return nil
			default:
			}
			return fmt.Errorf("ctl: could not accept connection: %w", err)
		}
		go srv.handle(conn)
	}
}

// Close stops the current loop and closes the listener.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	select {
	case <-srv.quit:
		return nil
	default:
		close(srv.quit)
	}

	err := srv.release()
	if e := srv.ctl.Close(); e != nil && err == nil {
		err = fmt.Errorf("ctl: could not close listener: %w", e)
	}
	return err
}

// release stops and forgets the current loop. srv.mu must be held.
func (srv *Server) release() error {
	if srv.lp == nil {
		return nil
	}
	err := srv.lp.Stop()
	if err != nil {
		return fmt.Errorf("ctl: could not stop loop: %w", err)
	}
	srv.cancel()
	srv.lp = nil
	srv.cancel = nil
	return nil
}

func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()
	srv.msg.Debugf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Debugf("serving %v... [done]", conn.RemoteAddr())

	var (
		dec = json.NewDecoder(conn)
		enc = json.NewEncoder(conn)
	)

	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.msg.Warnf("could not decode command request: %+v", err)
			_ = enc.Encode(Reply{Msg: err.Error()})
			return
		}
		srv.msg.Debugf("received request: name=%q", req.Name)

		v, err := srv.dispatch(req)
		rep := Reply{Msg: "ok"}
		switch {
		case err != nil:
			srv.msg.Warnf("could not run %q: %+v", req.Name, err)
			rep.Msg = err.Error()
		case v != nil:
			raw, err := json.Marshal(v)
			if err != nil {
				rep.Msg = fmt.Sprintf("could not encode %q reply: %+v", req.Name, err)
				break
			}
			rep.Value = raw
		}

		err = enc.Encode(rep)
		if err != nil {
			srv.msg.Warnf("could not send %q reply: %+v", req.Name, err)
			return
		}
	}
}

func (srv *Server) dispatch(req Request) (interface{}, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	name := strings.ToLower(req.Name)
	if name == "configure" {
		var setup Setup
		err := unmarshal(req, &setup)
		if err != nil {
			return nil, err
		}
		return nil, srv.configure(setup)
	}

	lp := srv.lp
	if lp == nil {
		return nil, fmt.Errorf("ctl: could not run %q: %w", req.Name, ErrNotConfigured)
	}

	switch name {
	case "start":
		var args startArgs
		err := unmarshal(req, &args)
		if err != nil {
			return nil, err
		}
		return nil, lp.StartSeconds(args.Interval)

	case "stop":
		return nil, lp.Stop()

	case "status":
		return statusOf(lp), nil

	case "set":
		var vs map[string]float64
		err := unmarshal(req, &vs)
		if err != nil {
			return nil, err
		}
		return nil, lp.WriteParams(vs)

	case "get":
		var names []string
		if len(req.Args) > 0 {
			err := unmarshal(req, &names)
			if err != nil {
				return nil, err
			}
		}
		return valuesOf(lp, names)

	case "params":
		to, from := lp.Params()
		return Params{ToModel: to, FromModel: from}, nil

	case "features":
		var names []string
		for _, f := range feature.Features(lp.SupportedFeatures()) {
			names = append(names, f.String())
		}
		return names, nil

	case "mean":
		var ch string
		err := unmarshal(req, &ch)
		if err != nil {
			return nil, err
		}
		return lp.InputMean(ch)

	case "trigger":
		var setup TriggerSetup
		err := unmarshal(req, &setup)
		if err != nil {
			return nil, err
		}
		return nil, configureTrigger(lp, setup)
	}

	return nil, fmt.Errorf("ctl: unknown command %q", req.Name)
}

// Configure replaces the current loop with one built from setup.
func (srv *Server) Configure(setup Setup) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.configure(setup)
}

// configure replaces the current loop. srv.mu must be held.
func (srv *Server) configure(setup Setup) error {
	if srv.lp != nil && srv.lp.IsRunning() {
		return fmt.Errorf("ctl: could not configure: %w", loop.ErrRunning)
	}

	lp, err := srv.newLoop(setup)
	if err != nil {
		return err
	}

	err = srv.release()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.lp = lp
	srv.cancel = cancel

	var fn func(loop.Event)
	if srv.onEvent != nil {
		fn = func(ev loop.Event) { srv.onEvent(lp, ev) }
	}
	go lp.Watch(ctx, fn)

	srv.msg.Infof("configured model %q with %d channels", setup.Model, len(setup.Channels))
	return nil
}

func unmarshal(req Request, v interface{}) error {
	if len(req.Args) == 0 {
		return fmt.Errorf("ctl: missing %q arguments", req.Name)
	}
	err := json.Unmarshal(req.Args, v)
	if err != nil {
		return fmt.Errorf("ctl: could not decode %q arguments: %w", req.Name, err)
	}
	return nil
}
