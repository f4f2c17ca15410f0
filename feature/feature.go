// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package feature describes the optional behaviors of the real-time loop.
package feature // import "github.com/go-lpc/clamp/feature"

import (
	"fmt"
	"math/bits"
	"strings"
)

// Set is a bitmask of loop features.
type Set uint32

const (
	Trigger         Set = 1 << iota // analog level trigger
	DigitalPulse                    // TTL pulse output around the model computation
	CycleTime                       // per-cycle duration stamping
	AcquisitionTime                 // input acquisition duration stamping
	WaitTime                        // wait-state duration stamping
	InputMean                       // running mean of the inputs
)

const (
	None Set = 0
	All  Set = Trigger | DigitalPulse | CycleTime | AcquisitionTime | WaitTime | InputMean
)

var names = []struct {
	f    Set
	name string
}{
	{Trigger, "trigger"},
	{DigitalPulse, "digital-pulse"},
	{CycleTime, "cycle-time"},
	{AcquisitionTime, "acquisition-time"},
	{WaitTime, "wait-time"},
	{InputMean, "input-mean"},
}

// Has reports whether all the features of f are in set.
func (set Set) Has(f Set) bool {
	return set&f == f
}

// Len returns the number of features in the set.
func (set Set) Len() int {
	return bits.OnesCount32(uint32(set))
}

func (set Set) String() string {
	if set == None {
		return "none"
	}
	var o []string
	for _, v := range names {
		if set.Has(v.f) {
			o = append(o, v.name)
			set &^= v.f
		}
	}
	if set != 0 {
		o = append(o, fmt.Sprintf("0x%x", uint32(set)))
	}
	return strings.Join(o, "|")
}

// Parse parses a list of feature names separated by '|' or ','.
func Parse(s string) (Set, error) {
	var set Set
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == "none" {
			continue
		}
		found := false
		for _, v := range names {
			if v.name == tok {
				set |= v.f
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("feature: unknown feature %q", tok)
		}
	}
	return set, nil
}

// Features returns the individual features of a set.
func Features(set Set) []Set {
	o := make([]Set, 0, set.Len())
	for _, v := range names {
		if set.Has(v.f) {
			o = append(o, v.f)
		}
	}
	return o
}
