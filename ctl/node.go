// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ctl

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/monitor"
	"github.com/go-lpc/clamp/param"
)

const maxParams = 1024

// Source provides the setup and the interval of the loop run by a Node.
type Source func(ctx context.Context) (Setup, time.Duration, error)

// Node runs a loop under the control of a tdaq run-control.
type Node struct {
	name   string
	src    Source
	build  Factory
	period time.Duration // publication period of the parameters

	mu       sync.Mutex
	setup    Setup
	interval time.Duration
	lp       *loop.Loop
	jitter   *monitor.Jitter
}

// NewNode creates a tdaq node building its loop with f from the setup
// provided by src.
func NewNode(name string, src Source, f Factory) *Node {
	return &Node{
		name:   name,
		src:    src,
		build:  f,
		period: 100 * time.Millisecond,
	}
}

// Loop returns the loop of the node, if any.
func (n *Node) Loop() *loop.Loop {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lp
}

// Jitter returns the cycle-duration histogram of the last run.
func (n *Node) Jitter() *monitor.Jitter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.jitter
}

func (n *Node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	setup, interval, err := n.src(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not retrieve setup: %+v", err)
		return fmt.Errorf("could not retrieve setup: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.setup = setup
	n.interval = interval
	ctx.Msg.Infof("setup: model=%q, channels=%d, interval=%v",
		setup.Model, len(setup.Channels), interval,
	)
	return nil
}

func (n *Node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.release()
	if err != nil {
		ctx.Msg.Errorf("could not release previous loop: %+v", err)
		return err
	}

	lp, err := n.build(n.setup)
	if err != nil {
		ctx.Msg.Errorf("could not create loop: %+v", err)
		return fmt.Errorf("could not create loop: %w", err)
	}
	n.lp = lp
	return nil
}

func (n *Node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.release()
}

func (n *Node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lp == nil {
		return ErrNotConfigured
	}
	n.jitter = monitor.NewJitter(n.name, n.interval)
	err := n.lp.Start(n.interval)
	if err != nil {
		ctx.Msg.Errorf("could not start loop: %+v", err)
		return fmt.Errorf("could not start loop: %w", err)
	}
	return nil
}

func (n *Node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lp == nil {
		return nil
	}
	err := n.lp.Stop()
	if err != nil {
		ctx.Msg.Errorf("could not stop loop: %+v", err)
		return fmt.Errorf("could not stop loop: %w", err)
	}

	var (
		timing = n.lp.Timing()
		stats  = n.lp.Stats()
	)
	ctx.Msg.Infof("cycles=%d, overruns=%d, read-failures=%d, write-failures=%d",
		timing.Cycles, timing.Overruns, stats.ReadFailures, stats.WriteFailures,
	)
	if n.jitter != nil {
		n.jitter.Collect(n.lp)
		ctx.Msg.Infof("cycle duration: mean=%v, stddev=%v (n=%d)",
			n.jitter.Mean(), n.jitter.StdDev(), n.jitter.Entries(),
		)
	}
	if err := n.lp.Err(); err != nil {
		ctx.Msg.Errorf("loop stopped on error: %+v", err)
	}
	return nil
}

func (n *Node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.release()
}

// release stops and forgets the loop. n.mu must be held.
func (n *Node) release() error {
	if n.lp == nil {
		return nil
	}
	err := n.lp.Stop()
	if err != nil {
		return fmt.Errorf("could not stop loop: %w", err)
	}
	n.lp = nil
	return nil
}

// Params publishes the fromModel parameters of the loop, once per period.
func (n *Node) Params(ctx tdaq.Context, dst *tdaq.Frame) error {
	tck := time.NewTimer(n.period)
	defer tck.Stop()

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case <-tck.C:
	}

	lp := n.Loop()
	if lp == nil {
		dst.Body = nil
		return nil
	}

	_, from := lp.Params()
	raw, err := EncodeSnapshot(from)
	if err != nil {
		return err
	}
	dst.Body = raw
	return nil
}

// SetParams writes the model parameters carried by the frame.
func (n *Node) SetParams(ctx tdaq.Context, src tdaq.Frame) error {
	vs, err := DecodeValues(src.Body)
	if err != nil {
		ctx.Msg.Errorf("could not decode parameters: %+v", err)
		return err
	}

	lp := n.Loop()
	if lp == nil {
		return ErrNotConfigured
	}
	err = lp.WriteParams(vs)
	if err != nil {
		ctx.Msg.Errorf("could not write parameters: %+v", err)
		return err
	}
	return nil
}

// Run relays the loop events to the run-control and fills the
// cycle-duration histogram until the run is stopped.
func (n *Node) Run(ctx tdaq.Context) error {
	n.mu.Lock()
	lp, jitter := n.lp, n.jitter
	n.mu.Unlock()

	if lp == nil {
		return ErrNotConfigured
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	if jitter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jitter.Run(ctx.Ctx, lp, n.period)
		}()
	}

	lp.Watch(ctx.Ctx, func(ev loop.Event) {
		if ev.Kind == loop.EventFatal {
			ctx.Msg.Errorf("%s: %v", n.name, ev)
		}
	})
	return nil
}

// EncodeSnapshot encodes a parameter snapshot as:
// cycle (u64), n (u32), n×(name (str), value (f64)).
func EncodeSnapshot(snap param.Snapshot) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU64(snap.Cycle)
	enc.WriteU32(uint32(len(snap.Values)))
	for i, v := range snap.Values {
		enc.WriteStr(snap.Descs[i].Name)
		enc.WriteF64(v)
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("ctl: could not encode parameters: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot decodes a parameter snapshot encoded with EncodeSnapshot.
func DecodeSnapshot(p []byte) (Values, error) {
	dec := tdaq.NewDecoder(bytes.NewReader(p))
	cycle := dec.ReadU64()
	vs, err := decodeValues(dec)
	if err != nil {
		return Values{}, err
	}
	return Values{Cycle: cycle, Values: vs}, nil
}

// EncodeValues encodes parameter values as: n (u32), n×(name (str), value (f64)).
// Names are sorted.
func EncodeValues(vs map[string]float64) ([]byte, error) {
	names := make([]string, 0, len(vs))
	for k := range vs {
		names = append(names, k)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(uint32(len(names)))
	for _, name := range names {
		enc.WriteStr(name)
		enc.WriteF64(vs[name])
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("ctl: could not encode parameters: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValues decodes parameter values encoded with EncodeValues.
func DecodeValues(p []byte) (map[string]float64, error) {
	return decodeValues(tdaq.NewDecoder(bytes.NewReader(p)))
}

func decodeValues(dec *tdaq.Decoder) (map[string]float64, error) {
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("ctl: could not decode parameters: %w", err)
	}
	if n > maxParams {
		return nil, fmt.Errorf("ctl: too many parameters (%d > %d)", n, maxParams)
	}
	vs := make(map[string]float64, n)
	for i := 0; i < n; i++ {
		name := dec.ReadStr()
		vs[name] = dec.ReadF64()
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("ctl: could not decode parameters: %w", err)
	}
	return vs, nil
}
