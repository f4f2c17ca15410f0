// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/clamp/ctl"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
)

const cfgYAML = `
model: leak
channels:
  - name: V-1
    device: 0
    dir: input
  - name: Current-1
    device: 0
    dir: output
params:
  g: 10
  E: -70
`

func TestShell(t *testing.T) {
	var (
		msg = log.NewMsgStream("clamp-ctl", log.LvlError, io.Discard)
		mem = daq.NewMemory(1, 4)
	)
	mem.SetInput(0, 0, -50)

	srv, err := ctl.NewServer("localhost:0",
		ctl.NewFactory(mem,
			loop.WithClock(loop.NewVirtualClock(time.Unix(0, 0))),
			loop.WithMsg(msg),
		),
		ctl.WithMsg(msg),
	)
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	defer srv.Close()
	go func() { _ = srv.Serve() }()

	cli, err := ctl.Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer cli.Close()

	fname := filepath.Join(t.TempDir(), "clamp.yml")
	err = os.WriteFile(fname, []byte(cfgYAML), 0644)
	if err != nil {
		t.Fatalf("could not write config file: %+v", err)
	}

	var (
		out = new(strings.Builder)
		sh  = newShell(cli, out)
	)

	for _, tc := range []struct {
		cmd  string
		want string
		err  string
	}{
		{cmd: "status", err: "not configured"},
		{cmd: "configure", err: "expected a configuration file"},
		{cmd: "configure " + fname},
		{cmd: "features", want: "features: trigger, input-mean\n"},
		{cmd: "set g", err: `invalid argument "g"`},
		{cmd: "set g=x", err: `invalid value for "g"`},
		{cmd: "set g=5"},
		{cmd: "get g", want: "  g = 5\n"},
		{cmd: "start 1h", err: "loop: invalid interval"},
		{cmd: "start 100us 2", err: "too many arguments"},
		{cmd: "trigger V-1 sideways 0", err: `invalid mode "sideways"`},
		{cmd: "trigger V-1 above -60 armed"},
		{cmd: "mean", err: "expected an input channel"},
		{cmd: "boom", err: `unknown command "boom"`},
	} {
		t.Run(tc.cmd, func(t *testing.T) {
			out.Reset()
			err := sh.exec(tc.cmd)
			switch {
			case tc.err != "":
				if err == nil || !strings.Contains(err.Error(), tc.err) {
					t.Fatalf("invalid error: got=%v, want=%q", err, tc.err)
				}
				return
			case err != nil:
				t.Fatalf("could not run %q: %+v", tc.cmd, err)
			}
			if tc.want != "" {
				if got, want := out.String(), tc.want; !strings.Contains(got, want) {
					t.Fatalf("invalid output:\ngot= %q\nwant=%q", got, want)
				}
			}
		})
	}

	err = sh.exec("start")
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	timeout := time.After(10 * time.Second)
	for {
		st, err := cli.Status()
		if err != nil {
			t.Fatalf("could not get status: %+v", err)
		}
		if st.Timing.Cycles > 10 {
			break
		}
		select {
		case <-timeout:
			t.Fatalf("timeout")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	for _, cmd := range []string{"stop", "trigger off"} {
		err = sh.exec(cmd)
		if err != nil {
			t.Fatalf("could not run %q: %+v", cmd, err)
		}
	}

	out.Reset()
	err = sh.exec("status")
	if err != nil {
		t.Fatalf("could not get status: %+v", err)
	}
	for _, want := range []string{"model:    leak\n", "running:  false\n", "armed=false"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in status:\n%s", want, out.String())
		}
	}

	out.Reset()
	err = sh.exec("mean V-1")
	if err != nil {
		t.Fatalf("could not get mean: %+v", err)
	}
	if got, want := out.String(), "V-1: -50\n"; got != want {
		t.Fatalf("invalid mean: got=%q, want=%q", got, want)
	}

	out.Reset()
	err = sh.exec("params")
	if err != nil {
		t.Fatalf("could not get params: %+v", err)
	}
	if !strings.Contains(out.String(), "I-leak = ") {
		t.Fatalf("invalid params:\n%s", out.String())
	}

	err = sh.exec("quit")
	if !errors.Is(err, errQuit) {
		t.Fatalf("invalid error: got=%v, want=%v", err, errQuit)
	}
}

func TestComplete(t *testing.T) {
	sh := newShell(nil, io.Discard)
	for _, tc := range []struct {
		line string
		want []string
	}{
		{"st", []string{"start", "status", "stop"}},
		{"CONF", []string{"configure"}},
		{"x", nil},
	} {
		t.Run(tc.line, func(t *testing.T) {
			got := sh.complete(tc.line)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid completion: got=%q, want=%q", got, tc.want)
			}
		})
	}
}
