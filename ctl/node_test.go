// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/param"
)

func TestNode(t *testing.T) {
	mem := daq.NewMemory(1, 4)
	mem.SetInput(0, 0, -50)

	var (
		f = NewFactory(mem,
			loop.WithClock(loop.NewVirtualClock(time.Unix(0, 0))),
			loop.WithMsg(discard),
			loop.WithTimestamps(true),
		)
		src = func(ctx context.Context) (Setup, time.Duration, error) {
			return leakSetup(map[string]float64{"g": 5}), 100 * time.Microsecond, nil
		}
		node = NewNode("clamp-1", src, f)
		ctx  = tdaq.Context{Ctx: context.Background(), Msg: discard}
		req  tdaq.Frame
		resp tdaq.Frame
	)
	node.period = time.Millisecond

	err := node.OnStart(ctx, &resp, req)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNotConfigured)
	}

	for _, tc := range []struct {
		name string
		f    func(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error
	}{
		{"config", node.OnConfig},
		{"init", node.OnInit},
	} {
		err := tc.f(ctx, &resp, req)
		if err != nil {
			t.Fatalf("could not run /%s: %+v", tc.name, err)
		}
	}

	raw, err := EncodeValues(map[string]float64{"g": 10, "E": -70})
	if err != nil {
		t.Fatalf("could not encode values: %+v", err)
	}
	err = node.SetParams(ctx, tdaq.Frame{Body: raw})
	if err != nil {
		t.Fatalf("could not set params: %+v", err)
	}

	err = node.OnStart(ctx, &resp, req)
	if err != nil {
		t.Fatalf("could not run /start: %+v", err)
	}

	run, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- node.Run(tdaq.Context{Ctx: run, Msg: discard})
	}()

	lp := node.Loop()
	waitFor(t, func() bool { return lp.Timing().Cycles > 10 })

	var dst tdaq.Frame
	err = node.Params(ctx, &dst)
	if err != nil {
		t.Fatalf("could not publish params: %+v", err)
	}
	vs, err := DecodeSnapshot(dst.Body)
	if err != nil {
		t.Fatalf("could not decode snapshot: %+v", err)
	}
	if vs.Cycle == 0 {
		t.Fatalf("invalid snapshot cycle")
	}
	if got, want := vs.Values["I-leak"], -0.2; math.Abs(got-want) > 1e-12 {
		t.Fatalf("invalid I-leak: got=%v, want=%v", got, want)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("could not run node: %+v", err)
	}

	err = node.OnStop(ctx, &resp, req)
	if err != nil {
		t.Fatalf("could not run /stop: %+v", err)
	}
	if lp.IsRunning() {
		t.Fatalf("loop should be stopped")
	}
	if node.Jitter().Entries() == 0 {
		t.Fatalf("no cycle duration recorded")
	}

	for _, tc := range []struct {
		name string
		f    func(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error
	}{
		{"reset", node.OnReset},
		{"quit", node.OnQuit},
	} {
		err := tc.f(ctx, &resp, req)
		if err != nil {
			t.Fatalf("could not run /%s: %+v", tc.name, err)
		}
	}
	if node.Loop() != nil {
		t.Fatalf("loop should have been released")
	}

	err = node.SetParams(ctx, tdaq.Frame{Body: raw})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNotConfigured)
	}

	dst = tdaq.Frame{}
	err = node.Params(ctx, &dst)
	if err != nil {
		t.Fatalf("could not publish params: %+v", err)
	}
	if dst.Body != nil {
		t.Fatalf("unexpected params payload")
	}
}

func TestNodeConfigError(t *testing.T) {
	var (
		boom = errors.New("boom")
		src  = func(ctx context.Context) (Setup, time.Duration, error) {
			return Setup{}, 0, boom
		}
		node = NewNode("clamp-1", src, newFactory(daq.NewMemory(1, 1)))
		ctx  = tdaq.Context{Ctx: context.Background(), Msg: discard}
		resp tdaq.Frame
	)

	err := node.OnConfig(ctx, &resp, tdaq.Frame{})
	if !errors.Is(err, boom) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, boom)
	}

	err = node.OnInit(ctx, &resp, tdaq.Frame{})
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestCodec(t *testing.T) {
	snap := param.Snapshot{
		Cycle:  42,
		Descs:  []param.Desc{{Name: "I-leak", Unit: "nA"}, {Name: "vgate"}},
		Values: []float64{-0.5, 0.25},
	}
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("could not encode snapshot: %+v", err)
	}
	got, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("could not decode snapshot: %+v", err)
	}
	want := Values{Cycle: 42, Values: map[string]float64{"I-leak": -0.5, "vgate": 0.25}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid snapshot:\ngot= %+v\nwant=%+v", got, want)
	}

	for _, tc := range []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated", raw[8 : len(raw)-3]},
		{"too-many", []byte{0xff, 0xff, 0xff, 0xff}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeValues(tc.raw)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
