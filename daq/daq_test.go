// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/clamp/internal/mmap"
)

func TestMemory(t *testing.T) {
	mem := NewMemory(2, 4)

	mem.SetInput(1, 2, -50)
	v, err := mem.ReadSample(1, 2)
	if err != nil {
		t.Fatalf("could not read sample: %+v", err)
	}
	if got, want := v, -50.0; got != want {
		t.Fatalf("invalid sample: got=%v, want=%v", got, want)
	}

	if err := mem.WriteSample(0, 3, 1.5); err != nil {
		t.Fatalf("could not write sample: %+v", err)
	}
	if got, want := mem.Output(0, 3), 1.5; got != want {
		t.Fatalf("invalid output: got=%v, want=%v", got, want)
	}

	for _, tc := range []struct{ sub, ch int }{
		{-1, 0}, {2, 0}, {0, 4}, {0, -1},
	} {
		if _, err := mem.ReadSample(tc.sub, tc.ch); !errors.Is(err, ErrChannel) {
			t.Fatalf("invalid read error for (%d,%d): %+v", tc.sub, tc.ch, err)
		}
		if err := mem.WriteSample(tc.sub, tc.ch, 0); !errors.Is(err, ErrChannel) {
			t.Fatalf("invalid write error for (%d,%d): %+v", tc.sub, tc.ch, err)
		}
	}

	mem.FailReads(1, 2, 2)
	for i := 0; i < 2; i++ {
		if _, err := mem.ReadSample(1, 2); !errors.Is(err, ErrInjected) {
			t.Fatalf("read %d: invalid error: %+v", i, err)
		}
	}
	if _, err := mem.ReadSample(1, 2); err != nil {
		t.Fatalf("injected failures not consumed: %+v", err)
	}

	mem.FailWrites(0, 0, 1)
	if err := mem.WriteSample(0, 0, 42); !errors.Is(err, ErrInjected) {
		t.Fatalf("invalid error: %+v", err)
	}
	if got, want := mem.Output(0, 0), 0.0; got != want {
		t.Fatalf("failed write modified output: got=%v, want=%v", got, want)
	}

	for _, high := range []bool{true, true, false, true, false} {
		if err := mem.WriteDigital(0, 1, high); err != nil {
			t.Fatalf("could not write digital line: %+v", err)
		}
	}
	if got, want := mem.Pulses(), uint64(2); got != want {
		t.Fatalf("invalid number of pulses: got=%d, want=%d", got, want)
	}

	var hist []float64
	mem.OnRead = func(sub, ch int) float64 { return float64(10*sub + ch) }
	mem.OnWrite = func(sub, ch int, v float64) { hist = append(hist, v) }
	if v, _ := mem.ReadSample(1, 3); v != 13 {
		t.Fatalf("invalid hooked read: got=%v, want=13", v)
	}
	_ = mem.WriteSample(1, 0, 1)
	_ = mem.WriteSample(1, 0, 2)
	if got, want := fmt.Sprint(hist), "[1 2]"; got != want {
		t.Fatalf("invalid write history: got=%s, want=%s", got, want)
	}

	if err := Close(mem); err != nil {
		t.Fatalf("could not close: %+v", err)
	}
	if _, err := mem.ReadSample(0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestSim(t *testing.T) {
	sim := NewSim()
	v, err := sim.ReadSample(0, 0)
	if err != nil {
		t.Fatalf("could not read sample: %+v", err)
	}
	if got, want := v, sim.EL; got != want {
		t.Fatalf("membrane not at rest: got=%v, want=%v", got, want)
	}

	// steady state: V = EL + 1e3*I/GL
	if err := sim.WriteSample(0, 0, 0.1); err != nil {
		t.Fatalf("could not write sample: %+v", err)
	}
	for i := 0; i < 20000; i++ {
		v, _ = sim.ReadSample(0, 0)
	}
	if got, want := v, sim.EL+1e3*0.1/sim.GL; math.Abs(got-want) > 1e-6 {
		t.Fatalf("invalid steady state: got=%v, want=%v", got, want)
	}

	sim.Reset()
	if got, want := sim.V(), sim.EL; got != want {
		t.Fatalf("invalid reset: got=%v, want=%v", got, want)
	}

	if _, err := sim.ReadSample(0, 1); !errors.Is(err, ErrChannel) {
		t.Fatalf("invalid error: %+v", err)
	}
	if err := sim.WriteSample(1, 0, 0); !errors.Is(err, ErrChannel) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestScale(t *testing.T) {
	s := Scale{Gain: 0.5, Offset: -10}
	for _, tc := range []struct {
		v   float64
		raw int32
	}{
		{-10, 0},
		{-9, 2},
		{-10.3, -1},
		{-10.2, 0},
		{1e9, RawMax},
		{-1e9, RawMin},
		{math.NaN(), 0},
	} {
		if got, want := s.Raw(tc.v, RawMin, RawMax), tc.raw; got != want {
			t.Fatalf("invalid raw value for %v: got=%d, want=%d", tc.v, got, want)
		}
	}
	if got, want := s.Value(4), -8.0; got != want {
		t.Fatalf("invalid value: got=%v, want=%v", got, want)
	}
}

func TestMMap(t *testing.T) {
	const subs, chans = 2, 4
	buf := make([]byte, MMapSize(subs, chans))
	dev := NewMMap(mmap.FromBytes(buf), subs, chans, Scale{Gain: 0.1})
	defer dev.Close()

	// input register of (1, 2): -100 DN.
	off := 4 * (1*chans + 2)
	raw := uint32(0xffffff9c)
	buf[off+0] = byte(raw)
	buf[off+1] = byte(raw >> 8)
	buf[off+2] = byte(raw >> 16)
	buf[off+3] = byte(raw >> 24)

	v, err := dev.ReadSample(1, 2)
	if err != nil {
		t.Fatalf("could not read sample: %+v", err)
	}
	if got, want := v, -10.0; math.Abs(got-want) > 1e-12 {
		t.Fatalf("invalid sample: got=%v, want=%v", got, want)
	}

	if err := dev.WriteSample(0, 1, 2.5); err != nil {
		t.Fatalf("could not write sample: %+v", err)
	}
	if got, want := buf[4*subs*chans+4], byte(25); got != want {
		t.Fatalf("invalid output register: got=%d, want=%d", got, want)
	}

	if err := dev.WriteDigital(1, 3, true); err != nil {
		t.Fatalf("could not write digital line: %+v", err)
	}
	if got, want := buf[8*subs*chans+4], byte(1<<3); got != want {
		t.Fatalf("invalid digital register: got=0x%x, want=0x%x", got, want)
	}
	_ = dev.WriteDigital(1, 3, false)
	if got, want := buf[8*subs*chans+4], byte(0); got != want {
		t.Fatalf("invalid digital register: got=0x%x, want=0x%x", got, want)
	}

	if _, err := dev.ReadSample(2, 0); !errors.Is(err, ErrChannel) {
		t.Fatalf("invalid error: %+v", err)
	}
	if err := dev.WriteDigital(0, 32, true); !errors.Is(err, ErrChannel) {
		t.Fatalf("invalid error: %+v", err)
	}
}

type fakeI2C struct {
	regs   map[[2]uint8]uint8
	fail   error
	closed bool
}

func (dev *fakeI2C) ReadReg(addr, reg uint8) (uint8, error) {
	if dev.fail != nil {
		return 0, dev.fail
	}
	return dev.regs[[2]uint8{addr, reg}], nil
}

func (dev *fakeI2C) WriteReg(addr, reg, v uint8) error {
	if dev.fail != nil {
		return dev.fail
	}
	dev.regs[[2]uint8{addr, reg}] = v
	return nil
}

func (dev *fakeI2C) Close() error {
	dev.closed = true
	return nil
}

func TestSMBus(t *testing.T) {
	conn := &fakeI2C{regs: make(map[[2]uint8]uint8)}
	dev := newSMBus(conn, []int{0x48, 0x49}, 4, Scale{Gain: 1})

	// ADC channel 1 of the second converter: -2 DN.
	conn.regs[[2]uint8{0x49, 2}] = 0xff
	conn.regs[[2]uint8{0x49, 3}] = 0xfe
	v, err := dev.ReadSample(1, 1)
	if err != nil {
		t.Fatalf("could not read sample: %+v", err)
	}
	if got, want := v, -2.0; got != want {
		t.Fatalf("invalid sample: got=%v, want=%v", got, want)
	}

	if err := dev.WriteSample(0, 2, 258); err != nil {
		t.Fatalf("could not write sample: %+v", err)
	}
	if hi, lo := conn.regs[[2]uint8{0x48, 0x44}], conn.regs[[2]uint8{0x48, 0x45}]; hi != 1 || lo != 2 {
		t.Fatalf("invalid DAC registers: hi=%d, lo=%d", hi, lo)
	}

	if err := dev.WriteDigital(0, 7, true); err != nil {
		t.Fatalf("could not write digital line: %+v", err)
	}
	if got, want := conn.regs[[2]uint8{0x48, smbusDIO}], uint8(0x80); got != want {
		t.Fatalf("invalid digital register: got=0x%x, want=0x%x", got, want)
	}

	if _, err := dev.ReadSample(2, 0); !errors.Is(err, ErrChannel) {
		t.Fatalf("invalid error: %+v", err)
	}

	conn.fail = errors.New("i2c: nack")
	if _, err := dev.ReadSample(0, 0); err == nil {
		t.Fatalf("expected an error")
	}

	if err := Close(dev); err != nil {
		t.Fatalf("could not close: %+v", err)
	}
	if !conn.closed {
		t.Fatalf("bus not closed")
	}
}

func TestOpenSMBusErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		addrs []int
		chans int
		err   string
	}{
		{"no-addr", nil, 4, "daq: no I2C converter address"},
		{"no-chans", []int{0x48}, 0, "daq: invalid number of I2C channels 0"},
		{"dac-bank", []int{0x48}, 33, "daq: invalid number of I2C channels 33 (max=32)"},
		{"addr", []int{0x48, 0x80}, 4, "daq: invalid I2C address 0x80"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := OpenSMBus(0, tc.addrs, tc.chans, Scale{Gain: 1})
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.err; !strings.HasPrefix(got, want) {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "regs.bin")
	if err := os.WriteFile(fname, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("could not create register file: %+v", err)
	}

	for _, tc := range []struct {
		cfg Config
		err bool
	}{
		{cfg: Config{}},
		{cfg: Config{Kind: "memory", Subs: 2, Chans: 8}},
		{cfg: Config{Kind: "sim"}},
		{cfg: Config{Kind: "mmap", Path: fname, Subs: 1, Chans: 4, Scale: 0.1}},
		{cfg: Config{Kind: "mmap", Path: filepath.Join(t.TempDir(), "missing"), Retries: 2}, err: true},
		{cfg: Config{Kind: "smbus"}, err: true},
		{cfg: Config{Kind: "comedi"}, err: true},
	} {
		t.Run(tc.cfg.Kind, func(t *testing.T) {
			drv, err := Open(tc.cfg)
			switch {
			case tc.err && err == nil:
				t.Fatalf("expected an error")
			case !tc.err && err != nil:
				t.Fatalf("could not open driver: %+v", err)
			case err == nil:
				defer Close(drv)
				if err := drv.WriteSample(0, 0, 0); err != nil {
					t.Fatalf("could not write sample: %+v", err)
				}
			}
		})
	}
}
