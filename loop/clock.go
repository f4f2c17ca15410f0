// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loop

import (
	"sync/atomic"
	"time"
)

// Clock provides the time base of the loop.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// SleepUntil blocks until the deadline t.
	SleepUntil(t time.Time)
}

// SystemClock is the wall clock.
// It sleeps until shortly before a deadline and spins for the remaining time.
type SystemClock struct {
	Spin time.Duration
}

func (clk SystemClock) Now() time.Time { return time.Now() }

func (clk SystemClock) SleepUntil(t time.Time) {
	if d := time.Until(t) - clk.Spin; d > 0 {
		time.Sleep(d)
	}
	for time.Now().Before(t) {
	}
}

// VirtualClock is a manually driven clock.
// SleepUntil returns immediately, moving the clock forward to the deadline.
type VirtualClock struct {
	now atomic.Int64
}

// NewVirtualClock returns a virtual clock set to t.
func NewVirtualClock(t time.Time) *VirtualClock {
	clk := &VirtualClock{}
	clk.now.Store(t.UnixNano())
	return clk
}

func (clk *VirtualClock) Now() time.Time {
	return time.Unix(0, clk.now.Load())
}

func (clk *VirtualClock) SleepUntil(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := clk.now.Load()
		if ns <= cur || clk.now.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Advance moves the clock forward by d.
func (clk *VirtualClock) Advance(d time.Duration) {
	clk.now.Add(int64(d))
}

var (
	_ Clock = SystemClock{}
	_ Clock = (*VirtualClock)(nil)
)
