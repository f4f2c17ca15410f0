// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loop

import (
	"math"
	"runtime"
)

func (lp *Loop) run(done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer lp.running.Store(false)

	if lp.cfg.cpu >= 0 {
		if err := setAffinity(lp.cfg.cpu); err != nil {
			lp.emit(Event{Kind: EventSetup, Channel: "cpu-affinity", Value: errno(err)})
		}
	}

	var (
		clk  = lp.cfg.clock
		next = clk.Now()
	)
	for !lp.stop.Load() {
		if !lp.step() {
			return
		}

		next = next.Add(lp.interval)
		if end := lp.st.last; end.After(next) {
			next = end
		}
		clk.SleepUntil(next)
		if lp.cfg.stamps {
			lp.timing.wait.Store(int64(clk.Now().Sub(lp.st.last)))
		}
	}
	lp.safeOutputs()
}

// step runs one cycle.
// It reports false when the loop stopped on a fatal failure.
func (lp *Loop) step() bool {
	var (
		st    = &lp.st
		clk   = lp.cfg.clock
		start = clk.Now()
		cycle = st.cycle + 1
	)

	st.io.Par = lp.xch.Acquire()
	st.io.Cycle = cycle

	for i, m := range st.inMaps {
		v, err := lp.drv.ReadSample(m.Subdevice, m.Channel)
		if err != nil {
			lp.stats.reads.Add(1)
			st.rfails[i]++
			lp.emit(Event{Kind: EventReadFailure, Cycle: cycle, Channel: m.Name, Value: float64(st.rfails[i])})
			if st.rfails[i] >= lp.cfg.maxFail {
				lp.fail(EventReadFailure, m.Name, cycle)
				return false
			}
			v = st.good[i]
		} else {
			st.rfails[i] = 0
			st.good[i] = v
		}
		st.ins[i] = v
	}
	if lp.cfg.stamps {
		lp.timing.acq.Store(int64(clk.Now().Sub(start)))
	}

	for i, v := range st.ins {
		if st.hasMean {
			st.mean[i] += st.alpha * (v - st.mean[i])
		} else {
			st.mean[i] = v
		}
		st.means[i].Store(math.Float64bits(st.mean[i]))
	}
	st.hasMean = true

	if lp.dio != nil {
		lp.digital(true)
	}

	for i, j := range st.modelIn {
		st.io.In[i] = st.ins[j]
	}
	lp.mdl.Compute(&st.io)

	if lp.dio != nil {
		lp.digital(false)
	}

	for i, m := range st.outMaps {
		v := lp.cfg.safe.Clamp(st.io.Out[i])
		err := lp.drv.WriteSample(m.Subdevice, m.Channel, v)
		if err != nil {
			lp.stats.writes.Add(1)
			st.wfails[i]++
			lp.emit(Event{Kind: EventWriteFailure, Cycle: cycle, Channel: m.Name, Value: float64(st.wfails[i])})
			if st.wfails[i] >= lp.cfg.maxFail {
				lp.fail(EventWriteFailure, m.Name, cycle)
				return false
			}
			continue
		}
		st.wfails[i] = 0
	}

	if st.trig != nil {
		fired := st.trig.Poll(st.ins)
		if fired {
			lp.stats.triggers.Add(1)
			if !st.fired {
				m := st.inMaps[st.trig.Index()]
				lp.emit(Event{Kind: EventTrigger, Cycle: cycle, Channel: m.Name, Value: st.ins[st.trig.Index()]})
			}
		}
		st.fired = fired
	}

	st.cycle = cycle
	lp.timing.cycles.Store(cycle)
	lp.xch.Publish(st.io.Diag, cycle)

	end := clk.Now()
	dur := end.Sub(start)
	st.last = end
	if lp.cfg.stamps {
		lp.timing.cycle.Store(int64(dur))
		if !lp.durs.push(int64(dur)) {
			lp.stats.ddurs.Add(1)
		}
	}
	if dur > lp.interval {
		lp.timing.overruns.Add(1)
		lp.emit(Event{Kind: EventOverrun, Cycle: cycle, Value: dur.Seconds()})
	}
	return true
}

func (lp *Loop) digital(high bool) {
	err := lp.dio.WriteDigital(lp.cfg.ttlSub, lp.cfg.ttlLine, high)
	if err != nil {
		lp.stats.writes.Add(1)
	}
}

// fail stops the loop on a persistent hardware failure.
func (lp *Loop) fail(kind EventKind, channel string, cycle uint64) {
	lp.safeOutputs()

	ferr := lp.st.ferr
	ferr.kind = kind
	ferr.channel = channel
	ferr.cycle = cycle
	ferr.n = lp.cfg.maxFail
	lp.err.Store(ferr)

	lp.emit(Event{Kind: EventFatal, Cycle: cycle, Channel: channel, Value: float64(lp.cfg.maxFail)})
}

// safeOutputs writes the safe value to every mapped output.
func (lp *Loop) safeOutputs() {
	for _, m := range lp.st.allOuts {
		_ = lp.drv.WriteSample(m.Subdevice, m.Channel, lp.cfg.safeValue)
	}
	if lp.dio != nil {
		lp.digital(false)
	}
}
