// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command clamp-sql inspects the setups stored in the condition database.
//
// Usage:
//
//	$> clamp-sql -list
//	$> clamp-sql -setup=42
//	$> clamp-sql -setup=42 -o clamp.yml
package main // import "github.com/go-lpc/clamp/cmd/clamp-sql"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/go-lpc/clamp/conddb"
	"github.com/go-lpc/clamp/config"
)

func main() {
	log.SetPrefix("clamp-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "clamp", "name of the condition database")
		setup  = flag.Int64("setup", 0, "setup ID to inspect (0: last setup)")
		list   = flag.Bool("list", false, "list all setups")
		oname  = flag.String("o", "", "path to configuration file to create from the setup")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open condition db: %+v", err)
	}
	defer db.Close()

	if *list {
		err = doList(db)
		if err != nil {
			log.Fatalf("could not list setups: %+v", err)
		}
		return
	}

	err = doQuery(db, *setup, *oname)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

func doList(db *conddb.DB) error {
	setups, err := db.Setups(context.Background())
	if err != nil {
		return err
	}
	log.Printf("setups: %d", len(setups))
	for _, s := range setups {
		log.Printf(">>> id=%03d name=%q model=%q interval=%v date=%v",
			s.ID, s.Name, s.Model, s.Interval, s.Date,
		)
	}
	return nil
}

func doQuery(db *conddb.DB, id int64, oname string) error {
	setup, err := db.Load(context.Background(), id)
	if err != nil {
		return err
	}

	log.Printf("setup:    %d (%q)", setup.ID, setup.Name)
	log.Printf("date:     %v", setup.Date)
	log.Printf("model:    %q", setup.Model)
	log.Printf("interval: %v", setup.Interval)
	log.Printf("channels: %d", len(setup.Channels))
	for _, ch := range setup.Channels {
		log.Printf(">>> %-12s device=%d dir=%v", ch.Name, ch.Device, ch.Dir)
	}

	names := make([]string, 0, len(setup.Params))
	for name := range setup.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Printf("params:   %d", len(names))
	for _, name := range names {
		log.Printf(">>> %s = %g", name, setup.Params[name])
	}

	if oname == "" {
		return nil
	}

	cfg := config.Default()
	cfg.Model = setup.Model
	cfg.Channels = setup.Channels
	cfg.Params = setup.Params
	if setup.Interval > 0 {
		cfg.Interval = setup.Interval
	}
	cfg.DB.Setup = setup.ID

	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration from setup %d: %w", setup.ID, err)
	}

	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create configuration file: %w", err)
	}
	defer f.Close()

	err = config.Write(f, cfg)
	if err != nil {
		return err
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close configuration file: %w", err)
	}
	return nil
}
