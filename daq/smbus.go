// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daq

import (
	"fmt"

	"github.com/go-daq/smbus"
)

const (
	smbusADC = 0x00 // first ADC result register
	smbusDAC = 0x40 // first DAC code register
	smbusDIO = 0x80 // digital output register

	smbusMaxChans = (smbusDAC - smbusADC) / 2
)

type i2c interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

// SMBus drives I2C converters, one per subdevice.
//
// Each converter exposes its 16-bit signed conversions as big-endian
// register pairs: ADC channel ch at 0x00+2*ch, DAC channel ch at 0x40+2*ch.
type SMBus struct {
	conn  i2c
	addrs []uint8
	chans int
	scale Scale
	lines []uint8
}

// OpenSMBus opens the I2C bus and addresses one converter per subdevice.
// Each converter has at most 32 channels.
func OpenSMBus(bus int, addrs []int, chans int, scale Scale) (*SMBus, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("daq: no I2C converter address")
	}
	if chans <= 0 || chans > smbusMaxChans {
		return nil, fmt.Errorf("daq: invalid number of I2C channels %d (max=%d): %w",
			chans, smbusMaxChans, ErrChannel,
		)
	}
	for _, addr := range addrs {
		if addr < 0 || addr > 0x7f {
			return nil, fmt.Errorf("daq: invalid I2C address 0x%x: %w", addr, ErrChannel)
		}
	}
	conn, err := smbus.Open(bus, uint8(addrs[0]))
	if err != nil {
		return nil, fmt.Errorf("daq: could not open I2C bus %d: %w", bus, err)
	}
	return newSMBus(conn, addrs, chans, scale), nil
}

func newSMBus(conn i2c, addrs []int, chans int, scale Scale) *SMBus {
	dev := &SMBus{
		conn:  conn,
		addrs: make([]uint8, len(addrs)),
		chans: chans,
		scale: scale,
		lines: make([]uint8, len(addrs)),
	}
	for i, addr := range addrs {
		dev.addrs[i] = uint8(addr)
	}
	return dev
}

func (dev *SMBus) valid(sub, ch int) bool {
	return sub >= 0 && sub < len(dev.addrs) && ch >= 0 && ch < dev.chans
}

// ReadSample implements Driver.
func (dev *SMBus) ReadSample(sub, ch int) (float64, error) {
	if !dev.valid(sub, ch) {
		return 0, ErrChannel
	}
	var (
		addr = dev.addrs[sub]
		reg  = uint8(smbusADC + 2*ch)
	)
	hi, err := dev.conn.ReadReg(addr, reg)
	if err != nil {
		return 0, err
	}
	lo, err := dev.conn.ReadReg(addr, reg+1)
	if err != nil {
		return 0, err
	}
	raw := int16(uint16(hi)<<8 | uint16(lo))
	return dev.scale.Value(int32(raw)), nil
}

// WriteSample implements Driver.
func (dev *SMBus) WriteSample(sub, ch int, v float64) error {
	if !dev.valid(sub, ch) {
		return ErrChannel
	}
	var (
		addr = dev.addrs[sub]
		reg  = uint8(smbusDAC + 2*ch)
		raw  = uint16(dev.scale.Raw(v, RawMin, RawMax))
	)
	err := dev.conn.WriteReg(addr, reg, uint8(raw>>8))
	if err != nil {
		return err
	}
	return dev.conn.WriteReg(addr, reg+1, uint8(raw))
}

// WriteDigital implements DigitalWriter.
func (dev *SMBus) WriteDigital(sub, line int, high bool) error {
	if sub < 0 || sub >= len(dev.addrs) || line < 0 || line >= 8 {
		return ErrChannel
	}
	bits := dev.lines[sub]
	if high {
		bits |= 1 << uint(line)
	} else {
		bits &^= 1 << uint(line)
	}
	err := dev.conn.WriteReg(dev.addrs[sub], smbusDIO, bits)
	if err != nil {
		return err
	}
	dev.lines[sub] = bits
	return nil
}

// Close implements io.Closer.
func (dev *SMBus) Close() error {
	return dev.conn.Close()
}

var (
	_ i2c           = (*smbus.Conn)(nil)
	_ Driver        = (*SMBus)(nil)
	_ DigitalWriter = (*SMBus)(nil)
)
