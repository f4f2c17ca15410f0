// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clamp holds code for a dynamic-clamp acquisition system.
//
// A dynamic clamp runs a fixed-rate loop that samples membrane potentials,
// evaluates an ionic-current model and injects the resulting current back
// into the cell, while a slower control process tunes model parameters and
// collects diagnostics.
//
// The sub-packages are organized as:
//   - chanmap: logical signal names to (subdevice, channel) slots,
//   - param: lock-free parameter exchange between the loop and its controller,
//   - lut: lookup tables for nonlinear functions used inside the loop,
//   - model: ionic-current models,
//   - trigger: analog-level trigger,
//   - feature: capability bitmask,
//   - daq: acquisition hardware drivers,
//   - loop: the periodic scheduler,
//   - monitor: cycle-duration histograms,
//   - config: YAML configuration,
//   - conddb: condition database of loop setups,
//   - alert: mail alerts,
//   - ctl: control servers (JSON/TCP and tdaq).
package clamp // import "github.com/go-lpc/clamp"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of clamp and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/clamp"
	if b.Main.Path == root {
		return b.Main.Version, b.Main.Sum
	}
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
