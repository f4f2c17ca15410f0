// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chanmap translates logical signal names ("V-1", "Current-1") into
// physical (subdevice, channel) slots of the acquisition hardware.
package chanmap // import "github.com/go-lpc/clamp/chanmap"

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxChannels is the default maximum number of channels that can be
// assigned to a single subdevice.
const MaxChannels = 16

// ParamDevice is the pseudo-subdevice holding parameter slots.
// Parameter slots never reach the hardware.
const ParamDevice = -1

var (
	// ErrNotFound is returned when a logical name has no mapping.
	ErrNotFound = errors.New("chanmap: channel not found")
)

// Direction describes the flow of a logical signal.
type Direction int

const (
	Input Direction = iota
	Output
	Parameter
)

func (dir Direction) String() string {
	switch dir {
	case Input:
		return "input"
	case Output:
		return "output"
	case Parameter:
		return "parameter"
	}
	return fmt.Sprintf("Direction(%d)", int(dir))
}

// ParseDirection converts a textual direction into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "input", "ai":
		return Input, nil
	case "out", "output", "ao":
		return Output, nil
	case "par", "param", "parameter":
		return Parameter, nil
	}
	return 0, fmt.Errorf("chanmap: invalid direction %q", s)
}

func (dir Direction) MarshalText() ([]byte, error) {
	switch dir {
	case Input, Output, Parameter:
		return []byte(dir.String()), nil
	}
	return nil, fmt.Errorf("chanmap: invalid direction %d", int(dir))
}

func (dir *Direction) UnmarshalText(p []byte) error {
	v, err := ParseDirection(string(p))
	if err != nil {
		return err
	}
	*dir = v
	return nil
}

// Request is a channel request sent by the control side.
type Request struct {
	Name   string    `json:"name"   koanf:"name"   yaml:"name"`
	Device int       `json:"device" koanf:"device" yaml:"device"`
	Dir    Direction `json:"dir"    koanf:"dir"    yaml:"dir"`
}

// Mapping is a resolved logical channel.
type Mapping struct {
	Name      string
	Subdevice int
	Channel   int
	Dir       Direction
}

func (m Mapping) String() string {
	return fmt.Sprintf("%s[%v](sub=%d, ch=%d)", m.Name, m.Dir, m.Subdevice, m.Channel)
}

// Handle is the index of a mapping inside a Map.
type Handle int

// ConfigError lists every problem found while building or querying a Map.
type ConfigError struct {
	Unresolved []string // names that could not be resolved
	Problems   []string // other configuration problems
}

func (e *ConfigError) Error() string {
	o := new(strings.Builder)
	o.WriteString("chanmap: invalid configuration")
	if len(e.Unresolved) > 0 {
		fmt.Fprintf(o, ": unresolved channels %q", e.Unresolved)
	}
	for _, p := range e.Problems {
		fmt.Fprintf(o, ": %s", p)
	}
	return o.String()
}

func (e *ConfigError) empty() bool {
	return len(e.Unresolved) == 0 && len(e.Problems) == 0
}

// Is reports ErrNotFound for errors carrying unresolved names.
func (e *ConfigError) Is(target error) bool {
	return target == ErrNotFound && len(e.Unresolved) > 0
}

type config struct {
	max  int
	devs map[int]bool // known devices. nil means any.
}

// Option configures how a Map is built.
type Option func(*config)

// WithMaxChannels sets the maximum number of channels per subdevice.
func WithMaxChannels(n int) Option {
	return func(cfg *config) {
		cfg.max = n
	}
}

// WithDevices restricts the set of physical device identifiers.
// Requests for other devices are reported as unresolved.
func WithDevices(ids ...int) Option {
	return func(cfg *config) {
		cfg.devs = make(map[int]bool, len(ids))
		for _, id := range ids {
			cfg.devs[id] = true
		}
	}
}

// Map is an immutable table of channel mappings.
type Map struct {
	maps   []Mapping
	byName map[string]Handle

	ins  []Handle
	outs []Handle
	pars []Handle
}

type slot struct {
	dev int
	dir Direction
}

// Build assigns subdevice and channel slots to the provided requests.
// Channels are numbered sequentially per (device, direction), in request order.
func Build(reqs []Request, opts ...Option) (*Map, error) {
	cfg := config{max: MaxChannels}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		cerr ConfigError
		next = make(map[slot]int)
		cmap = &Map{
			maps:   make([]Mapping, 0, len(reqs)),
			byName: make(map[string]Handle, len(reqs)),
		}
	)

	for i, req := range reqs {
		name := strings.TrimSpace(req.Name)
		switch {
		case name == "":
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("request %d has an empty name", i))
			continue
		case req.Dir != Input && req.Dir != Output && req.Dir != Parameter:
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("channel %q has an invalid direction %d", name, int(req.Dir)))
			continue
		}
		if _, dup := cmap.byName[name]; dup {
			cerr.Problems = append(cerr.Problems, fmt.Sprintf("duplicate channel %q", name))
			continue
		}

		dev := req.Device
		if req.Dir == Parameter {
			dev = ParamDevice
		} else if cfg.devs != nil && !cfg.devs[dev] {
			cerr.Unresolved = append(cerr.Unresolved, name)
			continue
		}

		key := slot{dev: dev, dir: req.Dir}
		ch := next[key]
		next[key]++

		h := Handle(len(cmap.maps))
		cmap.maps = append(cmap.maps, Mapping{
			Name:      name,
			Subdevice: dev,
			Channel:   ch,
			Dir:       req.Dir,
		})
		cmap.byName[name] = h
		switch req.Dir {
		case Input:
			cmap.ins = append(cmap.ins, h)
		case Output:
			cmap.outs = append(cmap.outs, h)
		case Parameter:
			cmap.pars = append(cmap.pars, h)
		}
	}

	keys := make([]slot, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dev != keys[j].dev {
			return keys[i].dev < keys[j].dev
		}
		return keys[i].dir < keys[j].dir
	})
	for _, k := range keys {
		if k.dev == ParamDevice {
			continue
		}
		if n := next[k]; n > cfg.max {
			cerr.Problems = append(cerr.Problems, fmt.Sprintf(
				"subdevice %d (%v) over-subscribed: %d channels (max=%d)",
				k.dev, k.dir, n, cfg.max,
			))
		}
	}

	if !cerr.empty() {
		return nil, &cerr
	}
	return cmap, nil
}

// Len returns the number of mapped channels.
func (m *Map) Len() int { return len(m.maps) }

// Resolve returns the mapping associated with the logical name.
func (m *Map) Resolve(name string) (Mapping, error) {
	h, ok := m.byName[name]
	if !ok {
		return Mapping{}, fmt.Errorf("chanmap: could not resolve %q: %w", name, ErrNotFound)
	}
	return m.maps[h], nil
}

// Handle returns the handle of the logical name.
func (m *Map) Handle(name string) (Handle, bool) {
	h, ok := m.byName[name]
	return h, ok
}

// At returns the mapping for the handle.
func (m *Map) At(h Handle) Mapping { return m.maps[h] }

// Require checks that every name resolves to a mapping of the given direction.
func (m *Map) Require(dir Direction, names ...string) error {
	var cerr ConfigError
	for _, name := range names {
		h, ok := m.byName[name]
		switch {
		case !ok:
			cerr.Unresolved = append(cerr.Unresolved, name)
		case m.maps[h].Dir != dir:
			cerr.Problems = append(cerr.Problems, fmt.Sprintf(
				"channel %q is an %v channel (want %v)", name, m.maps[h].Dir, dir,
			))
		}
	}
	if !cerr.empty() {
		return &cerr
	}
	return nil
}

// Inputs returns the mappings of all input channels, in request order.
func (m *Map) Inputs() []Mapping { return m.subset(m.ins) }

// Outputs returns the mappings of all output channels, in request order.
func (m *Map) Outputs() []Mapping { return m.subset(m.outs) }

// Params returns the mappings of all parameter channels, in request order.
func (m *Map) Params() []Mapping { return m.subset(m.pars) }

// Mappings returns a copy of all mappings.
func (m *Map) Mappings() []Mapping {
	o := make([]Mapping, len(m.maps))
	copy(o, m.maps)
	return o
}

// Requests returns the requests that rebuild an identical map.
func (m *Map) Requests() []Request {
	o := make([]Request, len(m.maps))
	for i, v := range m.maps {
		o[i] = Request{Name: v.Name, Device: v.Subdevice, Dir: v.Dir}
	}
	return o
}

func (m *Map) subset(hs []Handle) []Mapping {
	o := make([]Mapping, len(hs))
	for i, h := range hs {
		o[i] = m.maps[h]
	}
	return o
}
