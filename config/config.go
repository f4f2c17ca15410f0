// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration of a dynamic-clamp setup from a
// YAML file, on top of built-in defaults.
package config // import "github.com/go-lpc/clamp/config"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/go-lpc/clamp/chanmap"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/model"
	"github.com/go-lpc/clamp/trigger"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"

	yml "gopkg.in/yaml.v2"
)

// FileName is the default name of the configuration file.
const FileName = "clamp.yml"

// Config is the configuration of a dynamic-clamp setup.
type Config struct {
	Interval    time.Duration      `koanf:"interval" yaml:"interval"`
	Model       string             `koanf:"model" yaml:"model"`
	Channels    []chanmap.Request  `koanf:"channels" yaml:"channels"`
	Params      map[string]float64 `koanf:"params" yaml:"params,omitempty"`
	Safe        Safe               `koanf:"safe" yaml:"safe"`
	MeanTau     time.Duration      `koanf:"mean-tau" yaml:"mean-tau"`
	Trigger     Trigger            `koanf:"trigger" yaml:"trigger"`
	TTL         TTL                `koanf:"ttl" yaml:"ttl"`
	Timestamps  bool               `koanf:"timestamps" yaml:"timestamps"`
	CPU         int                `koanf:"cpu" yaml:"cpu"`
	MemLock     bool               `koanf:"memlock" yaml:"memlock"`
	MaxFailures int                `koanf:"max-failures" yaml:"max-failures"`

	Driver daq.Config `koanf:"driver" yaml:"driver"`
	DB     DB         `koanf:"db" yaml:"db"`
	Ctl    Ctl        `koanf:"ctl" yaml:"ctl"`
	Mail   Mail       `koanf:"mail" yaml:"mail"`
}

// Safe is the allowed output range and the value written on stop.
type Safe struct {
	Min   float64 `koanf:"min" yaml:"min"`
	Max   float64 `koanf:"max" yaml:"max"`
	Value float64 `koanf:"value" yaml:"value"`
}

// Range returns the allowed output range.
func (s Safe) Range() model.Range {
	return model.Range{Min: s.Min, Max: s.Max}
}

// Trigger configures the trigger unit. An empty channel disables it.
type Trigger struct {
	Channel string       `koanf:"channel" yaml:"channel"`
	Mode    trigger.Mode `koanf:"mode" yaml:"mode"`
	Level   float64      `koanf:"level" yaml:"level"`
	Armed   bool         `koanf:"armed" yaml:"armed"`
}

// TTL configures the digital pulse emitted around each model evaluation.
type TTL struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	Device  int  `koanf:"device" yaml:"device"`
	Line    int  `koanf:"line" yaml:"line"`
}

// DB configures the setup database.
type DB struct {
	Name  string `koanf:"name" yaml:"name"`   // empty to disable
	Setup int64  `koanf:"setup" yaml:"setup"` // 0 selects the last setup
}

// Ctl configures the control server.
type Ctl struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// Mail configures the fatal-stop alerts.
// Credentials are taken from the environment.
type Mail struct {
	Server string   `koanf:"server" yaml:"server"`
	Port   int      `koanf:"port" yaml:"port"`
	To     []string `koanf:"to" yaml:"to"`
}

// Default returns the default configuration: a leak model on the first
// input and output channels of an in-memory driver.
func Default() Config {
	return Config{
		Interval: 100 * time.Microsecond,
		Model:    "leak",
		Channels: []chanmap.Request{
			{Name: model.InputV, Device: 0, Dir: chanmap.Input},
			{Name: model.OutputI, Device: 0, Dir: chanmap.Output},
		},
		Safe:        Safe{Min: -10, Max: +10},
		CPU:         -1,
		MaxFailures: loop.DefaultMaxFailures,
		Driver: daq.Config{
			Kind:  "memory",
			Subs:  1,
			Chans: chanmap.MaxChannels,
		},
		Ctl: Ctl{Addr: ":8877"},
		Mail: Mail{
			Server: "smtp.gmail.com",
			Port:   587,
		},
	}
}

// Load loads the configuration file on top of the defaults.
// A missing file yields the default configuration.
func Load(fname string) (Config, error) {
	k := koanf.New(".")
	err := k.Load(structs.Provider(Default(), "koanf"), nil)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not load defaults: %w", err)
	}

	if fname != "" {
		_, err = os.Stat(fname)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// defaults only.
		case err != nil:
			return Config{}, fmt.Errorf("config: could not stat %q: %w", fname, err)
		default:
			err = k.Load(file.Provider(fname), yaml.Parser())
			if err != nil {
				return Config{}, fmt.Errorf("config: could not load %q: %w", fname, err)
			}
		}
	}

	var cfg Config
	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: could not decode %q: %w", fname, err)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write writes the configuration as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yml.NewEncoder(w)
	err := enc.Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: could not encode configuration: %w", err)
	}
	err = enc.Close()
	if err != nil {
		return fmt.Errorf("config: could not flush configuration: %w", err)
	}
	return nil
}

// Validate checks the parts of the configuration that do not need the
// hardware or the model to be instantiated.
func (cfg Config) Validate() error {
	if cfg.Interval < loop.MinInterval || cfg.Interval > loop.MaxInterval {
		return fmt.Errorf("config: interval %v outside [%v, %v]: %w",
			cfg.Interval, loop.MinInterval, loop.MaxInterval, loop.ErrInterval,
		)
	}
	if cfg.MeanTau < 0 {
		return fmt.Errorf("config: invalid negative mean-tau %v", cfg.MeanTau)
	}
	if err := cfg.Safe.Range().Valid(); err != nil {
		return fmt.Errorf("config: invalid safe range: %w", err)
	}
	if !cfg.Safe.Range().Contains(cfg.Safe.Value) {
		return fmt.Errorf("config: safe value %v outside safe range [%v, %v]",
			cfg.Safe.Value, cfg.Safe.Min, cfg.Safe.Max,
		)
	}
	return nil
}

// ChannelMap builds the channel map of the configured channels.
func (cfg Config) ChannelMap() (*chanmap.Map, error) {
	subs, chans := cfg.Driver.Subs, cfg.Driver.Chans
	if subs <= 0 {
		subs = 1
	}
	if chans <= 0 {
		chans = chanmap.MaxChannels
	}
	devs := make([]int, subs)
	for i := range devs {
		devs[i] = i
	}
	return chanmap.Build(cfg.Channels,
		chanmap.WithMaxChannels(chans),
		chanmap.WithDevices(devs...),
	)
}

// NewModel instantiates the configured model.
func (cfg Config) NewModel() (model.Model, error) {
	mdl, err := model.New(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("config: could not create model: %w", err)
	}
	return mdl, nil
}

// Trig creates the trigger unit monitoring a channel of cmap.
// Trig returns nil when no trigger channel is configured.
func (cfg Config) Trig(cmap *chanmap.Map) (*trigger.Unit, error) {
	if cfg.Trigger.Channel == "" {
		return nil, nil
	}
	u := trigger.New()
	err := u.Configure(cmap, cfg.Trigger.Channel, cfg.Trigger.Mode, cfg.Trigger.Level)
	if err != nil {
		return nil, fmt.Errorf("config: could not configure trigger: %w", err)
	}
	if cfg.Trigger.Armed {
		err = u.Activate()
		if err != nil {
			return nil, fmt.Errorf("config: could not arm trigger: %w", err)
		}
	}
	return u, nil
}

// LoopOptions returns the loop options of the configuration.
// The trigger unit may be nil.
func (cfg Config) LoopOptions(trig *trigger.Unit) []loop.Option {
	opts := []loop.Option{
		loop.WithSafe(cfg.Safe.Range(), cfg.Safe.Value),
		loop.WithTimestamps(cfg.Timestamps),
		loop.WithCPU(cfg.CPU),
	}
	if cfg.MaxFailures > 0 {
		opts = append(opts, loop.WithMaxFailures(cfg.MaxFailures))
	}
	if cfg.MeanTau > 0 {
		opts = append(opts, loop.WithMeanTau(cfg.MeanTau))
	}
	if len(cfg.Params) > 0 {
		opts = append(opts, loop.WithParams(cfg.Params))
	}
	if trig != nil {
		opts = append(opts, loop.WithTrigger(trig))
	}
	if cfg.TTL.Enabled {
		opts = append(opts, loop.WithDigitalPulse(cfg.TTL.Device, cfg.TTL.Line))
	}
	if cfg.MemLock {
		opts = append(opts, loop.WithMemLock())
	}
	return opts
}
