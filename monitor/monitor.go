// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor collects timing statistics of the real-time loop.
package monitor // import "github.com/go-lpc/clamp/monitor"

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go-hep.org/x/hep/hbook"
)

// Source provides cycle durations.
type Source interface {
	DrainDurations(f func(time.Duration)) int
}

// Jitter is a histogram of the cycle durations, in microseconds.
type Jitter struct {
	mu sync.Mutex
	h  *hbook.H1D
}

// NewJitter creates a histogram of cycle durations for a loop running at
// the given interval. Durations above twice the interval are overflows.
func NewJitter(name string, interval time.Duration) *Jitter {
	const nbins = 200
	xmax := 2 * float64(interval) / float64(time.Microsecond)
	h := hbook.NewH1D(nbins, 0, xmax)
	h.Annotation()["name"] = name
	h.Annotation()["title"] = fmt.Sprintf("cycle durations [us] (interval=%v)", interval)
	return &Jitter{h: h}
}

// Fill adds one cycle duration.
func (j *Jitter) Fill(d time.Duration) {
	j.mu.Lock()
	j.h.Fill(float64(d)/float64(time.Microsecond), 1)
	j.mu.Unlock()
}

// Collect drains the durations of src into the histogram.
func (j *Jitter) Collect(src Source) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return src.DrainDurations(func(d time.Duration) {
		j.h.Fill(float64(d)/float64(time.Microsecond), 1)
	})
}

// Run collects the durations of src every period until ctx is done.
func (j *Jitter) Run(ctx context.Context, src Source, period time.Duration) {
	tck := time.NewTicker(period)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			j.Collect(src)
			return
		case <-tck.C:
			j.Collect(src)
		}
	}
}

// Entries returns the number of recorded durations.
func (j *Jitter) Entries() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.h.Entries()
}

// Mean returns the mean cycle duration.
func (j *Jitter) Mean() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return usec(j.h.XMean())
}

// StdDev returns the standard deviation of the cycle durations.
func (j *Jitter) StdDev() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return usec(j.h.XStdDev())
}

// WriteYODA writes the histogram in the YODA format.
func (j *Jitter) WriteYODA(w io.Writer) error {
	j.mu.Lock()
	raw, err := j.h.MarshalYODA()
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("monitor: could not marshal jitter histogram: %w", err)
	}
	_, err = w.Write(raw)
	if err != nil {
		return fmt.Errorf("monitor: could not write jitter histogram: %w", err)
	}
	return nil
}

func usec(v float64) time.Duration {
	if v != v {
		return 0
	}
	return time.Duration(v * float64(time.Microsecond))
}
