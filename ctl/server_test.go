// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"errors"
	"io"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/clamp/chanmap"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/trigger"
)

var discard = log.NewMsgStream("ctl", log.LvlError, io.Discard)

func leakSetup(ps map[string]float64) Setup {
	return Setup{
		Model: "leak",
		Channels: []chanmap.Request{
			{Name: model.InputV, Device: 0, Dir: chanmap.Input},
			{Name: model.OutputI, Device: 0, Dir: chanmap.Output},
		},
		Params: ps,
	}
}

func newFactory(drv daq.Driver) Factory {
	return NewFactory(drv,
		loop.WithClock(loop.NewVirtualClock(time.Unix(0, 0))),
		loop.WithMsg(discard),
	)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-timeout:
			t.Fatalf("timeout")
		default:
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestNewFactory(t *testing.T) {
	mem := daq.NewMemory(1, 4)
	f := newFactory(mem)

	for _, tc := range []struct {
		name  string
		setup Setup
		want  error
	}{
		{
			name:  "unknown-model",
			setup: Setup{Model: "nope"},
			want:  model.ErrUnknown,
		},
		{
			name: "unresolved",
			setup: Setup{
				Model:    "leak",
				Channels: []chanmap.Request{{Name: model.InputV, Dir: chanmap.Input}},
			},
			want: chanmap.ErrNotFound,
		},
		{
			name:  "invalid-param",
			setup: leakSetup(map[string]float64{"nope": 1}),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f(tc.setup)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%+v, want=%+v", err, tc.want)
			}
		})
	}

	lp, err := f(leakSetup(map[string]float64{"g": 10}))
	if err != nil {
		t.Fatalf("could not create loop: %+v", err)
	}
	if lp.Trigger() == nil {
		t.Fatalf("loop has no trigger unit")
	}
	to, _ := lp.Params()
	if v, _ := to.Value("g"); v != 10 {
		t.Fatalf("invalid g: got=%v, want=%v", v, 10)
	}
	if lp.Trigger().Armed() {
		t.Fatalf("trigger should be disarmed")
	}

	setup := leakSetup(nil)
	setup.Trigger = &TriggerSetup{Channel: model.InputV, Mode: trigger.Above, Level: -60, Armed: true}
	lp, err = f(setup)
	if err != nil {
		t.Fatalf("could not create loop with trigger: %+v", err)
	}
	if !lp.Trigger().Armed() {
		t.Fatalf("trigger should be armed")
	}

	setup.Trigger.Channel = "nope"
	_, err = f(setup)
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestServer(t *testing.T) {
	mem := daq.NewMemory(1, 4)
	mem.SetInput(0, 0, -50)

	var (
		mu     sync.Mutex
		events []loop.Event
	)
	srv, err := NewServer("localhost:0", newFactory(mem),
		WithMsg(discard),
		WithEvents(func(lp *loop.Loop, ev loop.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}),
	)
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	defer srv.Close()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()

	cli, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer cli.Close()

	_, err = cli.Status()
	if err == nil || !strings.Contains(err.Error(), ErrNotConfigured.Error()) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = cli.Configure(Setup{Model: "nope"})
	if err == nil {
		t.Fatalf("expected an error")
	}

	err = cli.Configure(leakSetup(map[string]float64{"g": 10}))
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}

	fs, err := cli.Features()
	if err != nil {
		t.Fatalf("could not get features: %+v", err)
	}
	if got, want := fs, []string{"trigger", "input-mean"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid features: got=%q, want=%q", got, want)
	}

	err = cli.Set(map[string]float64{"E": -70})
	if err != nil {
		t.Fatalf("could not set E: %+v", err)
	}
	err = cli.Set(map[string]float64{"nope": 1})
	if err == nil {
		t.Fatalf("expected an error")
	}

	err = cli.Start(100 * time.Microsecond)
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	err = cli.Start(100 * time.Microsecond)
	if err == nil || !strings.Contains(err.Error(), loop.ErrRunning.Error()) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = cli.Configure(leakSetup(nil))
	if err == nil {
		t.Fatalf("expected an error")
	}

	waitFor(t, func() bool {
		st, err := cli.Status()
		if err != nil {
			t.Fatalf("could not get status: %+v", err)
		}
		return st.Running && st.Timing.Cycles > 200
	})

	vs, err := cli.Get("I-leak", "g")
	if err != nil {
		t.Fatalf("could not get values: %+v", err)
	}
	if got, want := vs.Values["I-leak"], -0.2; math.Abs(got-want) > 1e-12 {
		t.Fatalf("invalid I-leak: got=%v, want=%v", got, want)
	}
	if got, want := vs.Values["g"], 10.0; got != want {
		t.Fatalf("invalid g: got=%v, want=%v", got, want)
	}
	if vs.Cycle == 0 {
		t.Fatalf("invalid cycle")
	}
	_, err = cli.Get("nope")
	if err == nil {
		t.Fatalf("expected an error")
	}

	all, err := cli.Get()
	if err != nil {
		t.Fatalf("could not get all values: %+v", err)
	}
	if got, want := len(all.Values), 3; got != want {
		t.Fatalf("invalid number of values: got=%d, want=%d", got, want)
	}

	mean, err := cli.Mean(model.InputV)
	if err != nil {
		t.Fatalf("could not get mean: %+v", err)
	}
	if got, want := mean, -50.0; math.Abs(got-want) > 1e-6 {
		t.Fatalf("invalid mean: got=%v, want=%v", got, want)
	}
	_, err = cli.Mean(model.OutputI)
	if err == nil {
		t.Fatalf("expected an error")
	}

	trig := TriggerSetup{Channel: model.InputV, Mode: trigger.Above, Level: -60, Armed: true}
	err = cli.Trigger(trig)
	if err == nil || !strings.Contains(err.Error(), loop.ErrRunning.Error()) {
		t.Fatalf("invalid error: %+v", err)
	}
	err = cli.Trigger(TriggerSetup{})
	if err != nil {
		t.Fatalf("could not disarm trigger: %+v", err)
	}

	err = cli.Stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}
	if got, want := mem.Output(0, 0), 0.0; got != want {
		t.Fatalf("invalid safe output: got=%v, want=%v", got, want)
	}

	err = cli.Trigger(trig)
	if err != nil {
		t.Fatalf("could not configure trigger: %+v", err)
	}

	st, err := cli.Status()
	if err != nil {
		t.Fatalf("could not get status: %+v", err)
	}
	if st.Running {
		t.Fatalf("loop should be stopped")
	}
	if !st.Armed {
		t.Fatalf("trigger should be armed")
	}
	if got, want := st.Model, "leak"; got != want {
		t.Fatalf("invalid model: got=%q, want=%q", got, want)
	}

	err = cli.Start(100 * time.Microsecond)
	if err != nil {
		t.Fatalf("could not restart: %+v", err)
	}
	waitFor(t, func() bool {
		st, err := cli.Status()
		if err != nil {
			t.Fatalf("could not get status: %+v", err)
		}
		return st.Triggered && st.Stats.Triggers > 0
	})
	err = cli.Stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Kind == loop.EventTrigger {
				return true
			}
		}
		return false
	})

	ps, err := cli.Params()
	if err != nil {
		t.Fatalf("could not get params: %+v", err)
	}
	if got, want := ps.FromModel.Descs[0].Name, "I-leak"; got != want {
		t.Fatalf("invalid param: got=%q, want=%q", got, want)
	}
	if got, want := len(ps.ToModel.Values), 2; got != want {
		t.Fatalf("invalid number of params: got=%d, want=%d", got, want)
	}

	err = cli.Call("boom", nil, nil)
	if err == nil || !strings.Contains(err.Error(), `unknown command "boom"`) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = cli.Configure(leakSetup(nil))
	if err != nil {
		t.Fatalf("could not reconfigure: %+v", err)
	}

	err = srv.Close()
	if err != nil {
		t.Fatalf("could not close server: %+v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("could not serve: %+v", err)
	}
}
