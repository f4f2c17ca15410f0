// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trigger implements an analog level trigger watching one input
// channel of the real-time loop.
package trigger // import "github.com/go-lpc/clamp/trigger"

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/go-lpc/clamp/chanmap"
)

var (
	// ErrInvalidChannel is returned when configuring a trigger on a name
	// that is not a mapped input channel.
	ErrInvalidChannel = errors.New("trigger: invalid channel")

	// ErrNotConfigured is returned when activating an unconfigured trigger.
	ErrNotConfigured = errors.New("trigger: not configured")

	// ErrArmed is returned when reconfiguring an armed trigger.
	ErrArmed = errors.New("trigger: armed")
)

// Mode is the condition tested against the monitored sample.
type Mode uint8

const (
	Above   Mode = iota // sample >= level
	Below               // sample <= level
	Rising              // sample crossed level upwards
	Falling             // sample crossed level downwards
)

var modeNames = [...]string{
	Above:   "above",
	Below:   "below",
	Rising:  "rising",
	Falling: "falling",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the name of a trigger mode.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("trigger: invalid mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if int(m) >= len(modeNames) {
		return nil, fmt.Errorf("trigger: invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(p []byte) error {
	v, err := ParseMode(string(p))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config describes the configuration of a trigger unit.
type Config struct {
	Channel chanmap.Mapping
	Mode    Mode
	Level   float64
	Armed   bool
}

// Unit is a level trigger.
//
// Configure and Activate are called from the non real-time side, Poll from
// the loop. Disable may be called at any time.
type Unit struct {
	cmap  *chanmap.Map
	ch    chanmap.Mapping
	idx   int // index of the monitored channel in cmap.Inputs()
	mode  Mode
	level float64

	configured atomic.Bool
	armed      atomic.Bool
	state      atomic.Bool
	count      atomic.Uint64

	// loop-side state.
	wasArmed bool
	hasPrev  bool
	prev     float64
}

// New returns a new, unconfigured and disarmed, trigger unit.
func New() *Unit {
	return &Unit{idx: -1}
}

// Configure sets the monitored input channel and the trigger condition.
// The channel must be an input of the provided channel map.
func (u *Unit) Configure(m *chanmap.Map, name string, mode Mode, level float64) error {
	if u.armed.Load() {
		return fmt.Errorf("trigger: could not configure %q: %w", name, ErrArmed)
	}
	if int(mode) >= len(modeNames) {
		return fmt.Errorf("trigger: could not configure %q: invalid mode %d", name, int(mode))
	}
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return fmt.Errorf("trigger: could not configure %q: invalid level %v", name, level)
	}
	if m == nil {
		return fmt.Errorf("trigger: could not configure %q: %w", name, ErrInvalidChannel)
	}

	ch, err := m.Resolve(name)
	if err != nil || ch.Dir != chanmap.Input {
		return fmt.Errorf("trigger: could not configure %q: %w", name, ErrInvalidChannel)
	}
	idx := -1
	for i, in := range m.Inputs() {
		if in.Name == name {
			idx = i
			break
		}
	}

	u.cmap = m
	u.ch = ch
	u.idx = idx
	u.mode = mode
	u.level = level
	u.configured.Store(true)
	return nil
}

// Map returns the channel map the unit was configured with.
func (u *Unit) Map() *chanmap.Map { return u.cmap }

// Index returns the index of the monitored channel in the inputs of the
// channel map, or -1 when the unit is not configured.
func (u *Unit) Index() int { return u.idx }

// Activate arms the trigger.
func (u *Unit) Activate() error {
	if !u.configured.Load() {
		return ErrNotConfigured
	}
	u.armed.Store(true)
	return nil
}

// Disable disarms the trigger.
// It is effective at the next cycle boundary of the loop.
func (u *Unit) Disable() {
	u.armed.Store(false)
	u.state.Store(false)
}

// Armed reports whether the trigger is armed.
func (u *Unit) Armed() bool { return u.armed.Load() }

// Triggered returns the last decision of the trigger.
func (u *Unit) Triggered() bool { return u.state.Load() }

// Count returns the number of cycles the trigger condition was met.
func (u *Unit) Count() uint64 { return u.count.Load() }

// Config returns the current configuration of the trigger.
func (u *Unit) Config() Config {
	return Config{
		Channel: u.ch,
		Mode:    u.mode,
		Level:   u.level,
		Armed:   u.armed.Load(),
	}
}

// Poll evaluates the trigger condition against the input samples of the
// current cycle, indexed like the inputs of the channel map.
// Poll is called once per cycle by the loop and does not allocate.
func (u *Unit) Poll(in []float64) bool {
	if !u.armed.Load() {
		u.wasArmed = false
		return false
	}
	if !u.wasArmed {
		u.wasArmed = true
		u.hasPrev = false
	}

	v := in[u.idx]
	var hit bool
	switch u.mode {
	case Above:
		hit = v >= u.level
	case Below:
		hit = v <= u.level
	case Rising:
		hit = u.hasPrev && v >= u.level && u.prev < u.level
	case Falling:
		hit = u.hasPrev && v <= u.level && u.prev > u.level
	}
	u.prev = v
	u.hasPrev = true

	u.state.Store(hit)
	if hit {
		u.count.Add(1)
	}
	return hit
}
