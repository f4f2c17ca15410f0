// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package loop

import (
	"errors"
)

var errNoRT = errors.New("loop: real-time setup not supported on this platform")

func setAffinity(cpu int) error { return errNoRT }
func lockMemory() error         { return errNoRT }
func unlockMemory() error       { return nil }
func errno(err error) float64   { return -1 }
