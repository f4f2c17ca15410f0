// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/clamp/config"
	"github.com/go-lpc/clamp/ctl"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/trigger"
)

func TestDaemon(t *testing.T) {
	cfg := config.Default()
	cfg.Interval = time.Millisecond
	cfg.Timestamps = true
	cfg.Ctl.Addr = "localhost:0"
	cfg.Params = map[string]float64{"g": 10}

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("could not create daemon: %+v", err)
	}

	var (
		oname = filepath.Join(t.TempDir(), "jitter.yoda")
		stop  = make(chan os.Signal, 1)
		errc  = make(chan error, 1)
	)
	go func() { errc <- d.run(true, oname, stop) }()

	cli, err := ctl.Dial(d.srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial daemon: %+v", err)
	}
	defer cli.Close()

	timeout := time.After(10 * time.Second)
loop:
	for {
		st, err := cli.Status()
		if err != nil {
			t.Fatalf("could not get status: %+v", err)
		}
		if st.Running && st.Timing.Cycles > 10 {
			break loop
		}
		select {
		case <-timeout:
			t.Fatalf("timeout")
		case <-time.After(time.Millisecond):
		}
	}

	vs, err := cli.Get("g")
	if err != nil {
		t.Fatalf("could not get g: %+v", err)
	}
	if got, want := vs.Values["g"], 10.0; got != want {
		t.Fatalf("invalid g: got=%v, want=%v", got, want)
	}

	stop <- os.Interrupt
	err = <-errc
	if err != nil {
		t.Fatalf("could not run daemon: %+v", err)
	}

	if d.jitter.Entries() == 0 {
		t.Fatalf("no cycle duration recorded")
	}

	raw, err := os.ReadFile(oname)
	if err != nil {
		t.Fatalf("could not read YODA file: %+v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("empty YODA file")
	}
}

func TestSetupOf(t *testing.T) {
	cfg := config.Default()
	cfg.Params = map[string]float64{"g": 2}
	cfg.Trigger = config.Trigger{
		Channel: model.InputV,
		Mode:    trigger.Rising,
		Level:   -40,
		Armed:   true,
	}

	setup, interval, err := setupOf(cfg)
	if err != nil {
		t.Fatalf("could not build setup: %+v", err)
	}
	if got, want := interval, cfg.Interval; got != want {
		t.Fatalf("invalid interval: got=%v, want=%v", got, want)
	}

	want := ctl.Setup{
		Model:    cfg.Model,
		Channels: cfg.Channels,
		Params:   cfg.Params,
		Trigger: &ctl.TriggerSetup{
			Channel: model.InputV,
			Mode:    trigger.Rising,
			Level:   -40,
			Armed:   true,
		},
	}
	if !reflect.DeepEqual(setup, want) {
		t.Fatalf("invalid setup:\ngot= %+v\nwant=%+v", setup, want)
	}
}

func TestMailer(t *testing.T) {
	cfg := config.Mail{Server: "smtp.example.com", Port: 587, To: []string{"ops@example.com"}}

	t.Setenv("MAIL_SERVER", "")
	t.Setenv("MAIL_PORT", "")
	t.Setenv("MAIL_TGTS", "")

	m := newMailer(cfg)
	if got, want := m.Server, cfg.Server; got != want {
		t.Fatalf("invalid server: got=%q, want=%q", got, want)
	}
	if got, want := m.Port, cfg.Port; got != want {
		t.Fatalf("invalid port: got=%d, want=%d", got, want)
	}
	if got, want := m.To, cfg.To; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid recipients: got=%q, want=%q", got, want)
	}

	t.Setenv("MAIL_SERVER", "smtp.lpc.fr")
	t.Setenv("MAIL_TGTS", "a@lpc.fr, b@lpc.fr")

	m = newMailer(cfg)
	if got, want := m.Server, "smtp.lpc.fr"; got != want {
		t.Fatalf("invalid server: got=%q, want=%q", got, want)
	}
	if got, want := m.To, []string{"a@lpc.fr", "b@lpc.fr"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid recipients: got=%q, want=%q", got, want)
	}
}
