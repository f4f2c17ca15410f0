// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"

	"github.com/go-lpc/clamp/internal/mmap"
)

const (
	// RawMin and RawMax bound the values of the 16-bit converters.
	RawMin = -1 << 15
	RawMax = 1<<15 - 1
)

// MMap drives converters exposed as a window of 32-bit registers.
//
// The window holds, for each subdevice, one input register per channel,
// then one output register per channel, then one digital output register
// whose bits are the digital lines.
type MMap struct {
	h     *mmap.Handle
	subs  int
	chans int
	scale Scale

	out int64 // offset of the output registers
	dig int64 // offset of the digital registers

	lines []uint32 // shadow of the digital registers
}

// MMapSize returns the size of the register window for subs subdevices
// of chans channels.
func MMapSize(subs, chans int) int {
	return 4 * (2*subs*chans + subs)
}

// OpenMMap maps the register window located at offset base of the named
// device file.
func OpenMMap(fname string, base int64, subs, chans int, scale Scale) (*MMap, error) {
	h, err := mmap.Open(fname, base, MMapSize(subs, chans))
	if err != nil {
		return nil, fmt.Errorf("daq: could not open register window: %w", err)
	}
	return NewMMap(h, subs, chans, scale), nil
}

// NewMMap creates a driver over an already mapped register window.
func NewMMap(h *mmap.Handle, subs, chans int, scale Scale) *MMap {
	n := int64(subs * chans)
	return &MMap{
		h:     h,
		subs:  subs,
		chans: chans,
		scale: scale,
		out:   4 * n,
		dig:   8 * n,
		lines: make([]uint32, subs),
	}
}

func (dev *MMap) reg(sub, ch int) (int64, bool) {
	if sub < 0 || sub >= dev.subs || ch < 0 || ch >= dev.chans {
		return 0, false
	}
	return int64(4 * (sub*dev.chans + ch)), true
}

// ReadSample implements Driver.
func (dev *MMap) ReadSample(sub, ch int) (float64, error) {
	off, ok := dev.reg(sub, ch)
	if !ok {
		return 0, ErrChannel
	}
	raw, err := dev.h.ReadU32(off)
	if err != nil {
		return 0, err
	}
	return dev.scale.Value(int32(raw)), nil
}

// WriteSample implements Driver.
func (dev *MMap) WriteSample(sub, ch int, v float64) error {
	off, ok := dev.reg(sub, ch)
	if !ok {
		return ErrChannel
	}
	raw := dev.scale.Raw(v, RawMin, RawMax)
	return dev.h.WriteU32(dev.out+off, uint32(raw))
}

// WriteDigital implements DigitalWriter.
func (dev *MMap) WriteDigital(sub, line int, high bool) error {
	if sub < 0 || sub >= dev.subs || line < 0 || line >= 32 {
		return ErrChannel
	}
	bits := dev.lines[sub]
	if high {
		bits |= 1 << uint(line)
	} else {
		bits &^= 1 << uint(line)
	}
	err := dev.h.WriteU32(dev.dig+int64(4*sub), bits)
	if err != nil {
		return err
	}
	dev.lines[sub] = bits
	return nil
}

// Close implements io.Closer.
func (dev *MMap) Close() error {
	return dev.h.Close()
}

var (
	_ Driver        = (*MMap)(nil)
	_ DigitalWriter = (*MMap)(nil)
)
