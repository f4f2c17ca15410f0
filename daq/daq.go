// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daq defines the contract the real-time loop requires from the
// acquisition hardware, and provides a few drivers implementing it.
//
// Sample values are expressed in the units of the channel: mV for
// potentials, nA for currents. Drivers convert to and from raw converter
// values.
package daq // import "github.com/go-lpc/clamp/daq"

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrChannel is returned when addressing a channel a driver does not have.
	ErrChannel = errors.New("daq: invalid channel")

	// ErrClosed is returned when using a closed driver.
	ErrClosed = errors.New("daq: driver closed")
)

// Driver reads and writes single samples.
// Both operations must complete within a small fraction of the loop period.
type Driver interface {
	ReadSample(sub, ch int) (float64, error)
	WriteSample(sub, ch int, v float64) error
}

// DigitalWriter is implemented by drivers with digital output lines.
type DigitalWriter interface {
	WriteDigital(sub, line int, high bool) error
}

// Config describes how to open a driver.
type Config struct {
	Kind    string  `json:"kind" koanf:"kind" yaml:"kind"`          // memory, sim, mmap or smbus
	Path    string  `json:"path" koanf:"path" yaml:"path"`          // mmap: device file
	Base    int64   `json:"base" koanf:"base" yaml:"base"`          // mmap: offset of the register window
	Bus     int     `json:"bus" koanf:"bus" yaml:"bus"`             // smbus: I2C bus number
	Addrs   []int   `json:"addrs" koanf:"addrs" yaml:"addrs"`       // smbus: converter address per subdevice
	Subs    int     `json:"subs" koanf:"subs" yaml:"subs"`          // number of subdevices
	Chans   int     `json:"chans" koanf:"chans" yaml:"chans"`       // number of channels per subdevice
	Scale   float64 `json:"scale" koanf:"scale" yaml:"scale"`       // channel units per DN
	Offset  float64 `json:"offset" koanf:"offset" yaml:"offset"`    // channel value at DN=0
	Retries int     `json:"retries" koanf:"retries" yaml:"retries"` // open attempts after the first one
}

func (cfg Config) dims() (int, int) {
	subs, chans := cfg.Subs, cfg.Chans
	if subs <= 0 {
		subs = 1
	}
	if chans <= 0 {
		chans = 16
	}
	return subs, chans
}

func (cfg Config) scale() Scale {
	s := Scale{Gain: cfg.Scale, Offset: cfg.Offset}
	if s.Gain == 0 {
		s.Gain = 1
	}
	return s
}

// Open opens the driver described by cfg.
// Opening hardware drivers is retried with an exponential back-off.
func Open(cfg Config) (Driver, error) {
	var open func() (Driver, error)
	subs, chans := cfg.dims()
	switch cfg.Kind {
	case "memory", "":
		open = func() (Driver, error) { return NewMemory(subs, chans), nil }
	case "sim":
		open = func() (Driver, error) { return NewSim(), nil }
	case "mmap":
		open = func() (Driver, error) {
			return OpenMMap(cfg.Path, cfg.Base, subs, chans, cfg.scale())
		}
	case "smbus":
		open = func() (Driver, error) {
			return OpenSMBus(cfg.Bus, cfg.Addrs, chans, cfg.scale())
		}
	default:
		return nil, fmt.Errorf("daq: unknown driver kind %q", cfg.Kind)
	}

	var drv Driver
	op := func() error {
		var err error
		drv, err = open()
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock,
	}, uint64(max(cfg.Retries, 0))))
	if err != nil {
		return nil, fmt.Errorf("daq: could not open %q driver: %w", cfg.Kind, err)
	}
	return drv, nil
}

// Close closes the driver if it implements io.Closer.
func Close(drv Driver) error {
	if c, ok := drv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Scale converts between raw converter values and channel units.
type Scale struct {
	Gain   float64 // channel units per DN
	Offset float64 // channel value at DN=0
}

// Value converts a raw value to channel units.
func (s Scale) Value(dn int32) float64 {
	return float64(dn)*s.Gain + s.Offset
}

// Raw converts a value in channel units to the nearest raw value in [lo, hi].
func (s Scale) Raw(v float64, lo, hi int32) int32 {
	x := (v - s.Offset) / s.Gain
	switch {
	case x != x:
		return 0
	case x <= float64(lo):
		return lo
	case x >= float64(hi):
		return hi
	}
	if x < 0 {
		return int32(x - 0.5)
	}
	return int32(x + 0.5)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
