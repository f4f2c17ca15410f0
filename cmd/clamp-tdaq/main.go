// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command clamp-tdaq runs a dynamic-clamp loop as a TDAQ node.
//
// The node publishes the parameters computed by the model on its "/params"
// output and accepts new model parameters on its "/set" input.
package main // import "github.com/go-lpc/clamp/cmd/clamp-tdaq"

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/clamp/conddb"
	"github.com/go-lpc/clamp/config"
	"github.com/go-lpc/clamp/ctl"
	"github.com/go-lpc/clamp/daq"
)

func main() {
	cmd := flags.New()

	fname := os.Getenv("CLAMP_CONFIG")
	if fname == "" {
		fname = config.FileName
	}

	cfg, err := config.Load(fname)
	if err != nil {
		log.Panicf("could not load configuration: %+v", err)
	}

	drv, err := daq.Open(cfg.Driver)
	if err != nil {
		log.Panicf("could not open driver: %+v", err)
	}
	defer daq.Close(drv)

	name := "clamp-tdaq"
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}
	node := ctl.NewNode(name, source(cfg), ctl.NewFactory(drv, cfg.LoopOptions(nil)...))

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", node.OnConfig)
	srv.CmdHandle("/init", node.OnInit)
	srv.CmdHandle("/reset", node.OnReset)
	srv.CmdHandle("/start", node.OnStart)
	srv.CmdHandle("/stop", node.OnStop)
	srv.CmdHandle("/quit", node.OnQuit)

	srv.OutputHandle("/params", node.Params)
	srv.InputHandle("/set", node.SetParams)

	srv.RunHandle(node.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// source returns the setup of the configuration, or the one of the
// condition database when configured. The database is queried on every
// /config command.
func source(cfg config.Config) ctl.Source {
	return func(ctx context.Context) (ctl.Setup, time.Duration, error) {
		setup := ctl.FromConfig(cfg)
		if cfg.DB.Name == "" {
			return setup, cfg.Interval, nil
		}

		db, err := conddb.Open(cfg.DB.Name)
		if err != nil {
			return setup, 0, err
		}
		defer db.Close()

		s, err := db.Load(ctx, cfg.DB.Setup)
		if err != nil {
			return setup, 0, err
		}

		setup.Model = s.Model
		setup.Channels = s.Channels
		setup.Params = s.Params
		interval := cfg.Interval
		if s.Interval > 0 {
			interval = s.Interval
		}
		return setup, interval, nil
	}
}
