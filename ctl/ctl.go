// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ctl exposes the control operations of a dynamic-clamp loop to
// remote clients, over a JSON/TCP command protocol or as a tdaq node.
package ctl // import "github.com/go-lpc/clamp/ctl"

import (
	"errors"
	"fmt"

	"github.com/go-lpc/clamp/chanmap"
	"github.com/go-lpc/clamp/config"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/param"
	"github.com/go-lpc/clamp/trigger"
)

var (
	ErrNotConfigured = errors.New("ctl: loop not configured")
)

// Setup describes the loop to build.
type Setup struct {
	Model    string             `json:"model"`
	Channels []chanmap.Request  `json:"channels"`
	Params   map[string]float64 `json:"params,omitempty"`
	Trigger  *TriggerSetup      `json:"trigger,omitempty"`
}

// FromConfig returns the setup described by a configuration.
func FromConfig(cfg config.Config) Setup {
	setup := Setup{
		Model:    cfg.Model,
		Channels: cfg.Channels,
		Params:   cfg.Params,
	}
	if cfg.Trigger.Channel != "" {
		setup.Trigger = &TriggerSetup{
			Channel: cfg.Trigger.Channel,
			Mode:    cfg.Trigger.Mode,
			Level:   cfg.Trigger.Level,
			Armed:   cfg.Trigger.Armed,
		}
	}
	return setup
}

// Factory builds a loop from a setup.
type Factory func(setup Setup) (*loop.Loop, error)

// NewFactory returns a factory building loops driving drv.
// Every loop gets its own trigger unit, disarmed unless the setup
// configures it.
func NewFactory(drv daq.Driver, opts ...loop.Option) Factory {
	return func(setup Setup) (*loop.Loop, error) {
		mdl, err := model.New(setup.Model)
		if err != nil {
			return nil, fmt.Errorf("ctl: could not create model: %w", err)
		}

		cmap, err := chanmap.Build(setup.Channels)
		if err != nil {
			return nil, fmt.Errorf("ctl: could not build channel map: %w", err)
		}

		o := make([]loop.Option, 0, len(opts)+2)
		o = append(o, loop.WithTrigger(trigger.New()))
		o = append(o, opts...)
		if len(setup.Params) > 0 {
			o = append(o, loop.WithParams(setup.Params))
		}

		lp, err := loop.New(drv, cmap, mdl, o...)
		if err != nil {
			return nil, fmt.Errorf("ctl: could not create loop: %w", err)
		}

		if setup.Trigger != nil {
			err = configureTrigger(lp, *setup.Trigger)
			if err != nil {
				return nil, fmt.Errorf("ctl: could not configure trigger: %w", err)
			}
		}
		return lp, nil
	}
}

// Status is the state of a loop.
type Status struct {
	Running   bool        `json:"running"`
	Model     string      `json:"model"`
	Timing    loop.Timing `json:"timing"`
	Stats     loop.Stats  `json:"stats"`
	Armed     bool        `json:"armed"`
	Triggered bool        `json:"triggered"`
	Err       string      `json:"err,omitempty"`
}

func statusOf(lp *loop.Loop) Status {
	st := Status{
		Running: lp.IsRunning(),
		Model:   lp.Model().Name(),
		Timing:  lp.Timing(),
		Stats:   lp.Stats(),
	}
	if u := lp.Trigger(); u != nil {
		st.Armed = u.Armed()
		st.Triggered = u.Triggered()
	}
	if err := lp.Err(); err != nil {
		st.Err = err.Error()
	}
	return st
}

// Values are parameter values, sampled at a given cycle.
type Values struct {
	Cycle  uint64             `json:"cycle"`
	Values map[string]float64 `json:"values"`
}

func valuesOf(lp *loop.Loop, names []string) (Values, error) {
	to, from := lp.Params()
	vs := Values{
		Cycle:  from.Cycle,
		Values: make(map[string]float64, len(names)),
	}
	if len(names) == 0 {
		for _, snap := range []param.Snapshot{to, from} {
			for i, d := range snap.Descs {
				vs.Values[d.Name] = snap.Values[i]
			}
		}
		return vs, nil
	}
	for _, name := range names {
		v, ok := from.Value(name)
		if !ok {
			v, ok = to.Value(name)
		}
		if !ok {
			return vs, fmt.Errorf("ctl: unknown parameter %q: %w", name, param.ErrUnknown)
		}
		vs.Values[name] = v
	}
	return vs, nil
}

// Params holds the parameter snapshots of a loop.
type Params struct {
	ToModel   param.Snapshot `json:"to_model"`
	FromModel param.Snapshot `json:"from_model"`
}

// TriggerSetup configures the trigger unit of a loop.
// An empty channel disarms the trigger.
type TriggerSetup struct {
	Channel string       `json:"channel"`
	Mode    trigger.Mode `json:"mode"`
	Level   float64      `json:"level"`
	Armed   bool         `json:"armed"`
}

func configureTrigger(lp *loop.Loop, setup TriggerSetup) error {
	u := lp.Trigger()
	if u == nil {
		return fmt.Errorf("ctl: loop has no trigger unit: %w", trigger.ErrNotConfigured)
	}
	if setup.Channel == "" {
		u.Disable()
		return nil
	}

	cur := u.Config()
	same := u.Map() != nil &&
		cur.Channel.Name == setup.Channel &&
		cur.Mode == setup.Mode &&
		cur.Level == setup.Level
	if !same {
		if lp.IsRunning() {
			return fmt.Errorf("ctl: could not reconfigure trigger: %w", loop.ErrRunning)
		}
		u.Disable()
		err := u.Configure(lp.ChannelMap(), setup.Channel, setup.Mode, setup.Level)
		if err != nil {
			return err
		}
	}

	if !setup.Armed {
		u.Disable()
		return nil
	}
	return u.Activate()
}
