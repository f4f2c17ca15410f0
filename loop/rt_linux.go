// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package loop

import (
	"golang.org/x/sys/unix"
)

// setAffinity pins the calling OS thread to the given CPU.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// lockMemory locks the current and future pages of the process in RAM.
func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

func unlockMemory() error {
	return unix.Munlockall()
}

func errno(err error) float64 {
	if e, ok := err.(unix.Errno); ok {
		return float64(e)
	}
	return -1
}
