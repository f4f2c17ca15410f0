// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loop implements the periodic real-time control loop.
//
// Each cycle, the loop reads all the mapped input channels, evaluates the
// model, writes the model outputs and polls the optional trigger.
// The loop exchanges parameters with the non real-time side through a
// param.Exchange and reports runtime failures as aggregate counters and
// out-of-band events. It never blocks on the non real-time side and does
// not allocate between Start and Stop.
package loop // import "github.com/go-lpc/clamp/loop"

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/clamp/chanmap"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/feature"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/param"
	"github.com/go-lpc/clamp/trigger"
)

var (
	ErrRunning     = errors.New("loop: already running")
	ErrInterval    = errors.New("loop: invalid interval")
	ErrStopTimeout = errors.New("loop: stop timed out")
	ErrFatal       = errors.New("loop: fatal hardware failure")
	ErrConfig      = errors.New("loop: invalid configuration")
)

const (
	MinInterval = model.MinInterval
	MaxInterval = 1 * time.Second

	// DefaultMaxFailures is the default number of consecutive failures on
	// one channel escalating to a fatal stop.
	DefaultMaxFailures = 3

	ringSize = 4096
)

// Timing holds the timing counters of the loop.
type Timing struct {
	Interval        time.Duration `json:"interval"`
	Cycles          uint64        `json:"cycles"`
	Overruns        uint64        `json:"overruns"`
	LastCycle       time.Duration `json:"last_cycle"`       // duration of the last cycle
	LastAcquisition time.Duration `json:"last_acquisition"` // duration of the last input acquisition
	LastWait        time.Duration `json:"last_wait"`        // duration of the last wait state
}

// Stats holds the aggregate runtime failure counters of the loop.
type Stats struct {
	ReadFailures     uint64 `json:"read_failures"`
	WriteFailures    uint64 `json:"write_failures"`
	DroppedEvents    uint64 `json:"dropped_events"`
	DroppedDurations uint64 `json:"dropped_durations"`
	Triggers         uint64 `json:"triggers"`
}

type fatalError struct {
	kind    EventKind
	channel string
	cycle   uint64
	n       int
}

func (e *fatalError) Error() string {
	return fmt.Sprintf("loop: fatal stop at cycle %d: %d consecutive %s on channel %q",
		e.cycle, e.n, e.kind, e.channel,
	)
}

func (e *fatalError) Unwrap() error { return ErrFatal }

// Loop is a periodic real-time control loop.
type Loop struct {
	cfg   config
	msg   log.MsgStream
	drv   daq.Driver
	dio   daq.DigitalWriter
	cmap  *chanmap.Map
	mdl   model.Model
	xch   *param.Exchange
	feats feature.Set

	events chan Event
	durs   *ring

	mu       sync.Mutex // serializes the control operations
	done     chan struct{}
	interval time.Duration
	stop     atomic.Bool
	running  atomic.Bool
	err      atomic.Pointer[fatalError]

	timing struct {
		interval atomic.Int64
		cycles   atomic.Uint64
		overruns atomic.Uint64
		cycle    atomic.Int64
		acq      atomic.Int64
		wait     atomic.Int64
	}
	stats struct {
		reads    atomic.Uint64
		writes   atomic.Uint64
		dropped  atomic.Uint64
		ddurs    atomic.Uint64
		triggers atomic.Uint64
	}

	st state // owned by the loop goroutine while running
}

// state is the arena of the loop.
// All slots are allocated by New and indexed by integer handles resolved
// once from the channel map.
type state struct {
	ins    []float64         // input samples, in chanmap.Inputs order
	good   []float64         // last good input samples
	rfails []int             // consecutive read failures
	inMaps []chanmap.Mapping // hardware address of the inputs

	mean    []float64
	means   []atomic.Uint64 // published running means, math.Float64bits
	hasMean bool
	alpha   float64

	modelIn []int             // io.In[i] = ins[modelIn[i]]
	outMaps []chanmap.Mapping // hardware address of the model outputs
	wfails  []int             // consecutive write failures
	allOuts []chanmap.Mapping // every mapped output

	io    model.IO
	trig  *trigger.Unit
	fired bool

	cycle uint64
	ferr  *fatalError
	last  time.Time // end of the last cycle
}

// New creates a loop evaluating the model mdl with the hardware driver drv.
// Every input and output of the model must be mapped in cmap.
func New(drv daq.Driver, cmap *chanmap.Map, mdl model.Model, opts ...Option) (*Loop, error) {
	switch {
	case drv == nil:
		return nil, fmt.Errorf("loop: nil driver: %w", ErrConfig)
	case cmap == nil:
		return nil, fmt.Errorf("loop: nil channel map: %w", ErrConfig)
	case mdl == nil:
		return nil, fmt.Errorf("loop: nil model: %w", ErrConfig)
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("loop", log.LvlInfo, os.Stdout)
	}

	if err := cfg.safe.Valid(); err != nil {
		return nil, fmt.Errorf("loop: invalid safe range: %w", err)
	}
	if !cfg.safe.Contains(cfg.safeValue) {
		return nil, fmt.Errorf("loop: safe value %v outside safe range [%v, %v]: %w",
			cfg.safeValue, cfg.safe.Min, cfg.safe.Max, ErrConfig,
		)
	}
	if cfg.maxFail < 1 {
		return nil, fmt.Errorf("loop: invalid max failures (%d): %w", cfg.maxFail, ErrConfig)
	}
	if cfg.nevents < 1 {
		return nil, fmt.Errorf("loop: invalid event buffer size (%d): %w", cfg.nevents, ErrConfig)
	}
	if cfg.meanTau < 0 {
		return nil, fmt.Errorf("loop: invalid mean time constant (%v): %w", cfg.meanTau, ErrConfig)
	}

	var cerr chanmap.ConfigError
	for _, err := range []error{
		cmap.Require(chanmap.Input, mdl.Inputs()...),
		cmap.Require(chanmap.Output, mdl.Outputs()...),
	} {
		var e *chanmap.ConfigError
		if errors.As(err, &e) {
			cerr.Unresolved = append(cerr.Unresolved, e.Unresolved...)
			cerr.Problems = append(cerr.Problems, e.Problems...)
		}
	}
	pars := make(map[string]bool)
	for _, d := range mdl.ToModel() {
		pars[d.Name] = true
	}
	for _, d := range mdl.FromModel() {
		pars[d.Name] = true
	}
	for _, m := range cmap.Params() {
		if !pars[m.Name] {
			cerr.Problems = append(cerr.Problems, fmt.Sprintf(
				"parameter %q is not a parameter of model %q", m.Name, mdl.Name(),
			))
		}
	}
	if len(cerr.Unresolved) > 0 || len(cerr.Problems) > 0 {
		return nil, fmt.Errorf("loop: could not map model %q: %w", mdl.Name(), &cerr)
	}

	lp := &Loop{
		cfg:    cfg,
		msg:    cfg.msg,
		drv:    drv,
		cmap:   cmap,
		mdl:    mdl,
		events: make(chan Event, cfg.nevents),
		durs:   newRing(ringSize),
		feats:  feature.InputMean,
	}

	if cfg.ttl {
		dio, ok := drv.(daq.DigitalWriter)
		if !ok {
			return nil, fmt.Errorf("loop: driver %T has no digital output: %w", drv, ErrConfig)
		}
		lp.dio = dio
		lp.feats |= feature.DigitalPulse
	}
	if cfg.trig != nil {
		if m := cfg.trig.Map(); m != nil && m != cmap {
			return nil, fmt.Errorf("loop: trigger configured on another channel map: %w", trigger.ErrInvalidChannel)
		}
		lp.feats |= feature.Trigger
	}
	if cfg.stamps {
		lp.feats |= feature.CycleTime | feature.AcquisitionTime | feature.WaitTime
	}

	defs := model.Defaults(mdl)
	for k, v := range cfg.params {
		defs[k] = v
	}
	if val, ok := mdl.(model.Validator); ok {
		for k, v := range cfg.params {
			if err := val.Validate(k, v); err != nil {
				return nil, fmt.Errorf("loop: invalid parameter %q: %w", k, err)
			}
		}
	}
	xch, err := param.NewExchange(mdl.ToModel(), mdl.FromModel(), defs)
	if err != nil {
		return nil, fmt.Errorf("loop: could not create parameter exchange: %w", err)
	}
	lp.xch = xch

	lp.alloc()
	return lp, nil
}

func (lp *Loop) alloc() {
	var (
		st   = &lp.st
		ins  = lp.cmap.Inputs()
		outs = lp.cmap.Outputs()
		pos  = make(map[string]int, len(ins))
	)

	st.inMaps = ins
	st.ins = make([]float64, len(ins))
	st.good = make([]float64, len(ins))
	st.rfails = make([]int, len(ins))
	st.mean = make([]float64, len(ins))
	st.means = make([]atomic.Uint64, len(ins))
	for i, m := range ins {
		pos[m.Name] = i
	}

	st.modelIn = make([]int, len(lp.mdl.Inputs()))
	for i, name := range lp.mdl.Inputs() {
		st.modelIn[i] = pos[name]
	}

	st.outMaps = make([]chanmap.Mapping, len(lp.mdl.Outputs()))
	for i, name := range lp.mdl.Outputs() {
		m, _ := lp.cmap.Resolve(name)
		st.outMaps[i] = m
	}
	st.wfails = make([]int, len(st.outMaps))
	st.allOuts = outs

	st.io = model.IO{
		In:   make([]float64, len(st.modelIn)),
		Out:  make([]float64, len(st.outMaps)),
		Diag: make([]float64, len(lp.mdl.FromModel())),
	}
	st.trig = lp.cfg.trig
}

// Start validates the interval, initializes the model and starts the loop.
func (lp *Loop) Start(interval time.Duration) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if lp.done != nil {
		select {
		case <-lp.done:
			lp.done = nil
		default:
			return ErrRunning
		}
	}

	err := lp.setup(interval)
	if err != nil {
		return err
	}

	if lp.cfg.memlock {
		if err := lockMemory(); err != nil {
			lp.msg.Warnf("could not lock memory: %+v", err)
		}
	}

	done := make(chan struct{})
	lp.done = done
	lp.stop.Store(false)
	lp.running.Store(true)
	lp.msg.Debugf("starting model %q (interval=%v)", lp.mdl.Name(), interval)

	go lp.run(done)
	return nil
}

// StartSeconds starts the loop with an interval expressed in seconds.
func (lp *Loop) StartSeconds(sec float64) error {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec <= 0 {
		return fmt.Errorf("loop: invalid interval %v s: %w", sec, ErrInterval)
	}
	if sec > MaxInterval.Seconds() {
		return fmt.Errorf("loop: interval %v s above %v: %w", sec, MaxInterval, ErrInterval)
	}
	return lp.Start(time.Duration(math.Round(sec * 1e9)))
}

// setup prepares a new run: the model state and the loop counters are reset.
func (lp *Loop) setup(interval time.Duration) error {
	if interval < MinInterval || interval > MaxInterval {
		return fmt.Errorf("loop: interval %v outside [%v, %v]: %w",
			interval, MinInterval, MaxInterval, ErrInterval,
		)
	}

	if u := lp.cfg.trig; u != nil {
		if m := u.Map(); m != nil && m != lp.cmap {
			return fmt.Errorf("loop: trigger configured on another channel map: %w", trigger.ErrInvalidChannel)
		}
	}

	err := lp.mdl.Init(model.Env{Interval: interval, Safe: lp.cfg.safe})
	if err != nil {
		return fmt.Errorf("loop: could not initialize model %q: %w", lp.mdl.Name(), err)
	}

	lp.reset(interval)
	lp.interval = interval
	return nil
}

func (lp *Loop) reset(interval time.Duration) {
	st := &lp.st
	for i := range st.rfails {
		st.rfails[i] = 0
		st.ins[i] = 0
		st.good[i] = 0
		st.mean[i] = 0
		st.means[i].Store(0)
	}
	for i := range st.wfails {
		st.wfails[i] = 0
	}
	st.hasMean = false
	st.fired = false
	st.cycle = 0
	st.io.Dt = interval.Seconds()
	st.io.Cycle = 0
	lp.xch.ClearFromModel()

	tau := lp.cfg.meanTau
	if tau == 0 {
		tau = 5 * interval
	}
	st.alpha = math.Min(1, interval.Seconds()/tau.Seconds())

	st.ferr = &fatalError{}
	lp.err.Store(nil)

	lp.timing.interval.Store(int64(interval))
	lp.timing.cycles.Store(0)
	lp.timing.overruns.Store(0)
	lp.timing.cycle.Store(0)
	lp.timing.acq.Store(0)
	lp.timing.wait.Store(0)

	lp.stats.reads.Store(0)
	lp.stats.writes.Store(0)
	lp.stats.dropped.Store(0)
	lp.stats.ddurs.Store(0)
	lp.stats.triggers.Store(0)
	lp.durs.reset()
}

// Stop requests the loop to stop and waits for it to exit.
// The wait is bounded by 10 intervals, and at least 100ms.
// Stop is a no-op when the loop is not running.
func (lp *Loop) Stop() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if lp.done == nil {
		return nil
	}
	lp.stop.Store(true)

	timeout := 10 * lp.interval
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-lp.done:
		lp.done = nil
	case <-timer.C:
		return fmt.Errorf("loop: could not stop within %v: %w", timeout, ErrStopTimeout)
	}

	if lp.cfg.memlock {
		_ = unlockMemory()
	}
	lp.msg.Debugf("stopped model %q after %d cycles", lp.mdl.Name(), lp.timing.cycles.Load())
	return nil
}

// IsRunning reports whether the loop is running.
func (lp *Loop) IsRunning() bool { return lp.running.Load() }

// Err returns the cause of the last fatal stop, if any.
// The returned error wraps ErrFatal.
func (lp *Loop) Err() error {
	if e := lp.err.Load(); e != nil {
		return e
	}
	return nil
}

// Timing returns the timing counters of the current, or last, run.
func (lp *Loop) Timing() Timing {
	return Timing{
		Interval:        time.Duration(lp.timing.interval.Load()),
		Cycles:          lp.timing.cycles.Load(),
		Overruns:        lp.timing.overruns.Load(),
		LastCycle:       time.Duration(lp.timing.cycle.Load()),
		LastAcquisition: time.Duration(lp.timing.acq.Load()),
		LastWait:        time.Duration(lp.timing.wait.Load()),
	}
}

// Stats returns the failure counters of the current, or last, run.
func (lp *Loop) Stats() Stats {
	return Stats{
		ReadFailures:     lp.stats.reads.Load(),
		WriteFailures:    lp.stats.writes.Load(),
		DroppedEvents:    lp.stats.dropped.Load(),
		DroppedDurations: lp.stats.ddurs.Load(),
		Triggers:         lp.stats.triggers.Load(),
	}
}

// SupportedFeatures returns the optional behaviors enabled for this loop.
func (lp *Loop) SupportedFeatures() feature.Set { return lp.feats }

// ChannelMap returns the channel map of the loop.
func (lp *Loop) ChannelMap() *chanmap.Map { return lp.cmap }

// Model returns the model evaluated by the loop.
func (lp *Loop) Model() model.Model { return lp.mdl }

// Trigger returns the trigger unit of the loop, if any.
func (lp *Loop) Trigger() *trigger.Unit { return lp.cfg.trig }

// WriteToModel sets the named model parameter.
// The value is seen by the model at the latest in the cycle following the
// call, and never by a cycle that started before the call.
func (lp *Loop) WriteToModel(name string, v float64) error {
	return lp.WriteParams(map[string]float64{name: v})
}

// WriteParams sets several model parameters at once.
// The values are seen together by the model.
func (lp *Loop) WriteParams(vs map[string]float64) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if val, ok := lp.mdl.(model.Validator); ok {
		for name, v := range vs {
			if err := val.Validate(name, v); err != nil {
				return fmt.Errorf("loop: could not write %q: %w", name, err)
			}
		}
	}
	return lp.xch.WriteToModelMulti(vs)
}

// ReadFromModel returns the most recent value of the named model
// diagnostic, and the cycle that computed it.
func (lp *Loop) ReadFromModel(name string) (float64, uint64, error) {
	return lp.xch.ReadFromModel(name)
}

// Params returns the current model parameters and diagnostics.
func (lp *Loop) Params() (to, from param.Snapshot) {
	return lp.xch.ToModelValues(), lp.xch.FromModel()
}

// InputMean returns the running mean of the named input channel.
func (lp *Loop) InputMean(name string) (float64, error) {
	for i, m := range lp.st.inMaps {
		if m.Name == name {
			return math.Float64frombits(lp.st.means[i].Load()), nil
		}
	}
	return 0, fmt.Errorf("loop: no input %q: %w", name, chanmap.ErrNotFound)
}

// DrainDurations calls f with the cycle durations recorded since the last
// call, and returns their number. Durations are only recorded when
// timestamps are enabled.
func (lp *Loop) DrainDurations(f func(time.Duration)) int {
	return lp.durs.drain(func(v int64) { f(time.Duration(v)) })
}
