// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command clampd runs a dynamic-clamp loop and serves its control commands.
//
// Usage:
//
//	$> clampd [options]
//	$> clampd mkconf > clamp.yml
//	$> clampd -cfg=clamp.yml conf
//
// The loop is built from the configuration file, optionally overridden by a
// setup of the condition database, and is then driven with clamp-ctl.
package main // import "github.com/go-lpc/clamp/cmd/clampd"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-lpc/clamp/alert"
	"github.com/go-lpc/clamp/conddb"
	"github.com/go-lpc/clamp/config"
	"github.com/go-lpc/clamp/ctl"
	"github.com/go-lpc/clamp/daq"
	"github.com/go-lpc/clamp/loop"
	"github.com/go-lpc/clamp/monitor"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("clampd: ")
	log.SetFlags(0)

	var (
		fname  = flag.String("cfg", config.FileName, "path to configuration file")
		start  = flag.Bool("start", false, "start the loop at the configured interval")
		oname  = flag.String("o", "", "path to YODA file where to store cycle durations")
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `clampd runs a dynamic-clamp loop.

Usage: clampd [options] [mkconf|conf]

ex:
 $> clampd -cfg=clamp.yml -start
 $> clampd mkconf > clamp.yml

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	switch flag.Arg(0) {
	case "mkconf":
		err := config.Write(os.Stdout, config.Default())
		if err != nil {
			log.Fatalf("could not write default configuration: %+v", err)
		}
		return
	case "conf":
		cfg, err := config.Load(*fname)
		if err != nil {
			log.Fatalf("could not load configuration: %+v", err)
		}
		err = config.Write(os.Stdout, cfg)
		if err != nil {
			log.Fatalf("could not write configuration: %+v", err)
		}
		return
	case "":
	default:
		flag.Usage()
		log.Fatalf("unknown command %q", flag.Arg(0))
	}

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	if *doMon {
		stop, err := monitorProc(*doFreq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		defer stop()
	}

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("could not create daemon: %+v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)

	err = d.run(*start, *oname, sigc)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type daemon struct {
	interval time.Duration
	drv      daq.Driver
	srv      *ctl.Server
	jitter   *monitor.Jitter
}

func newDaemon(cfg config.Config) (*daemon, error) {
	setup, interval, err := setupOf(cfg)
	if err != nil {
		return nil, err
	}

	drv, err := daq.Open(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("could not open driver: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "clampd"
	}
	mailer := newMailer(cfg.Mail)

	srv, err := ctl.NewServer(cfg.Ctl.Addr, ctl.NewFactory(drv, cfg.LoopOptions(nil)...),
		ctl.WithEvents(func(lp *loop.Loop, ev loop.Event) {
			if ev.Kind != loop.EventFatal {
				return
			}
			err := mailer.Fatal(host, lp.Err(), lp.Timing(), lp.Stats())
			if err != nil {
				log.Printf("could not send fatal-stop alert: %+v", err)
			}
		}),
	)
	if err != nil {
		_ = daq.Close(drv)
		return nil, fmt.Errorf("could not create control server: %w", err)
	}

	err = srv.Configure(setup)
	if err != nil {
		_ = srv.Close()
		_ = daq.Close(drv)
		return nil, fmt.Errorf("could not configure loop: %w", err)
	}

	return &daemon{
		interval: interval,
		drv:      drv,
		srv:      srv,
		jitter:   monitor.NewJitter("clampd", interval),
	}, nil
}

// setupOf returns the loop setup described by the configuration, replaced
// by the one of the condition database when configured.
func setupOf(cfg config.Config) (ctl.Setup, time.Duration, error) {
	setup := ctl.FromConfig(cfg)
	interval := cfg.Interval

	if cfg.DB.Name == "" {
		return setup, interval, nil
	}

	db, err := conddb.Open(cfg.DB.Name)
	if err != nil {
		return setup, interval, fmt.Errorf("could not open condition db: %w", err)
	}
	defer db.Close()

	s, err := db.Load(context.Background(), cfg.DB.Setup)
	if err != nil {
		return setup, interval, fmt.Errorf("could not load setup from condition db: %w", err)
	}
	log.Printf("setup %d (%q) from %v", s.ID, s.Name, s.Date)

	setup.Model = s.Model
	setup.Channels = s.Channels
	setup.Params = s.Params
	if s.Interval > 0 {
		interval = s.Interval
	}
	return setup, interval, nil
}

// newMailer creates the alert mailer from the environment, completed
// with the configured server and recipients.
func newMailer(cfg config.Mail) *alert.Mailer {
	m := alert.FromEnv()
	if m.Server == "" {
		m.Server = cfg.Server
	}
	if m.Port == 0 {
		m.Port = cfg.Port
	}
	if len(m.To) == 0 {
		m.To = cfg.To
	}
	return m
}

func (d *daemon) run(start bool, oname string, stop chan os.Signal) error {
	defer daq.Close(d.drv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Printf("serving control commands on %q...", d.srv.Addr())
		return d.srv.Serve()
	})
	grp.Go(func() error {
		select {
		case <-stop:
			log.Printf("shutting down...")
		case <-ctx.Done():
		}
		defer cancel()
		if lp := d.srv.Loop(); lp != nil {
			err := lp.Stop()
			if err != nil {
				log.Printf("could not stop loop: %+v", err)
			}
		}
		d.jitter.Collect(d.srv)
		return d.srv.Close()
	})
	grp.Go(func() error {
		d.jitter.Run(ctx, d.srv, time.Second)
		return nil
	})

	if start {
		lp := d.srv.Loop()
		err := lp.Start(d.interval)
		if err != nil {
			cancel()
			_ = grp.Wait()
			return fmt.Errorf("could not start loop: %w", err)
		}
		log.Printf("loop started (interval=%v)", d.interval)
	}

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not run clampd: %w", err)
	}

	log.Printf("cycle duration: mean=%v, stddev=%v (n=%d)",
		d.jitter.Mean(), d.jitter.StdDev(), d.jitter.Entries(),
	)

	if oname == "" {
		return nil
	}
	return d.dump(oname)
}

func (d *daemon) dump(oname string) error {
	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create YODA file: %w", err)
	}
	defer f.Close()

	err = d.jitter.WriteYODA(f)
	if err != nil {
		return fmt.Errorf("could not write cycle durations: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close YODA file: %w", err)
	}
	return nil
}

// monitorProc monitors the resources used by the daemon, logging them
// every freq into clampd-pmon.log.
func monitorProc(freq time.Duration) (func(), error) {
	pid := os.Getpid()
	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("could not monitor pid=%d: %w", pid, err)
	}

	f, err := os.Create(filepath.Join(os.TempDir(), "clampd-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}
