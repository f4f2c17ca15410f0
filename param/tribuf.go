// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package param

import (
	"sync/atomic"
)

const (
	idxMask   = 0x3
	freshFlag = 0x4
)

// tribuf is a single-producer/single-consumer triple buffer.
//
// The producer owns bufs[back], the consumer owns bufs[front] and the third
// buffer is parked in mid. Publishing and acquiring swap the parked buffer
// with an atomic exchange, so neither side ever waits on the other and the
// consumer always observes a complete vector.
type tribuf struct {
	bufs  [3][]float64
	seqs  [3]uint64 // cycle counter stamped at publication
	mid   atomic.Uint32
	back  uint32
	front uint32
}

func newTribuf(init []float64) *tribuf {
	tb := &tribuf{
		back:  0,
		front: 2,
	}
	for i := range tb.bufs {
		tb.bufs[i] = make([]float64, len(init))
		copy(tb.bufs[i], init)
	}
	tb.mid.Store(1)
	return tb
}

// staging returns the producer's buffer.
func (tb *tribuf) staging() []float64 {
	return tb.bufs[tb.back]
}

// publish hands the producer's buffer over to the consumer.
func (tb *tribuf) publish(seq uint64) {
	tb.seqs[tb.back] = seq
	old := tb.mid.Swap(tb.back | freshFlag)
	tb.back = old & idxMask
}

// acquire returns the most recently published buffer.
// The returned slice stays valid until the next call to acquire.
func (tb *tribuf) acquire() ([]float64, uint64) {
	if tb.mid.Load()&freshFlag != 0 {
		old := tb.mid.Swap(tb.front)
		tb.front = old & idxMask
	}
	return tb.bufs[tb.front], tb.seqs[tb.front]
}
