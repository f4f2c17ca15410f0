// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb gives access to the setup database of the dynamic-clamp
// rigs: the registered setups, their channel maps and parameter defaults.
package conddb // import "github.com/go-lpc/clamp/conddb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/clamp/chanmap"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

var (
	// ErrNoSetup is returned when the requested setup does not exist.
	ErrNoSetup = errors.New("conddb: no such setup")
)

// Setup describes a registered dynamic-clamp setup.
type Setup struct {
	ID       int64
	Name     string
	Model    string
	Interval time.Duration
	Date     time.Time

	Channels []chanmap.Request
	Params   map[string]float64
}

// DB exposes convenience methods to retrieve setups from the database.
type DB struct {
	db   *sql.DB
	name string // name of the setup database
}

// Open opens a connection to the setup database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

const setupColumns = "identifier, name, model, interval_us, datetime"

// LastSetup returns the description of the last registered setup.
// The channels and parameters are not loaded.
func (db *DB) LastSetup(ctx context.Context) (Setup, error) {
	return db.header(ctx,
		"SELECT "+setupColumns+" FROM setups ORDER BY datetime DESC LIMIT 1",
	)
}

// SetupByID returns the description of the setup id.
// The channels and parameters are not loaded.
func (db *DB) SetupByID(ctx context.Context, id int64) (Setup, error) {
	return db.header(ctx,
		"SELECT "+setupColumns+" FROM setups WHERE identifier=?", id,
	)
}

func (db *DB) header(ctx context.Context, query string, args ...interface{}) (Setup, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		setup Setup
		found bool
		usec  int64
	)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return setup, fmt.Errorf("conddb: could not query setup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&setup.ID, &setup.Name, &setup.Model, &usec, &setup.Date)
		if err != nil {
			return setup, fmt.Errorf("conddb: could not get setup value: %w", err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return setup, fmt.Errorf("conddb: could not scan db for setup: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return setup, fmt.Errorf("conddb: context error while retrieving setup: %w", err)
	}

	if !found {
		return setup, ErrNoSetup
	}
	setup.Interval = time.Duration(usec) * time.Microsecond

	return setup, nil
}

// Setups lists the description of all the registered setups, most
// recent first.
func (db *DB) Setups(ctx context.Context) ([]Setup, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var setups []Setup
	rows, err := db.db.QueryContext(ctx,
		"SELECT "+setupColumns+" FROM setups ORDER BY datetime DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query setups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			setup Setup
			usec  int64
		)
		err = rows.Scan(&setup.ID, &setup.Name, &setup.Model, &usec, &setup.Date)
		if err != nil {
			return setups, fmt.Errorf("conddb: could not scan setup %d: %w", len(setups), err)
		}
		setup.Interval = time.Duration(usec) * time.Microsecond
		setups = append(setups, setup)
	}

	if err := rows.Err(); err != nil {
		return setups, fmt.Errorf("conddb: could not scan db for setups: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return setups, fmt.Errorf("conddb: context error while retrieving setups: %w", err)
	}

	return setups, nil
}

// Channels returns the channel requests of the setup, in registration order.
func (db *DB) Channels(ctx context.Context, setup int64) ([]chanmap.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var reqs []chanmap.Request
	rows, err := db.db.QueryContext(ctx,
		"SELECT name, device, dir FROM channels WHERE setup=? ORDER BY identifier",
		setup,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not run channels query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			req chanmap.Request
			dir string
		)
		err = rows.Scan(&req.Name, &req.Device, &dir)
		if err != nil {
			return reqs, fmt.Errorf("conddb: could not scan row %d for channels: %w", len(reqs), err)
		}
		req.Dir, err = chanmap.ParseDirection(dir)
		if err != nil {
			return reqs, fmt.Errorf("conddb: could not parse direction of channel %q: %w", req.Name, err)
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return reqs, fmt.Errorf("conddb: could not scan db for channels: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return reqs, fmt.Errorf("conddb: context error while retrieving channels: %w", err)
	}

	return reqs, nil
}

// Params returns the parameter defaults of the setup.
func (db *DB) Params(ctx context.Context, setup int64) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ps := make(map[string]float64)
	rows, err := db.db.QueryContext(ctx,
		"SELECT name, value FROM params WHERE setup=?",
		setup,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not run params query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			v    float64
		)
		err = rows.Scan(&name, &v)
		if err != nil {
			return ps, fmt.Errorf("conddb: could not scan params: %w", err)
		}
		ps[name] = v
	}

	if err := rows.Err(); err != nil {
		return ps, fmt.Errorf("conddb: could not scan db for params: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return ps, fmt.Errorf("conddb: context error while retrieving params: %w", err)
	}

	return ps, nil
}

// Load returns the complete description of the setup id.
// An id of 0 selects the last registered setup.
func (db *DB) Load(ctx context.Context, id int64) (Setup, error) {
	var (
		setup Setup
		err   error
	)
	switch id {
	case 0:
		setup, err = db.LastSetup(ctx)
	default:
		setup, err = db.SetupByID(ctx, id)
	}
	if err != nil {
		return setup, fmt.Errorf("conddb: could not load setup %d: %w", id, err)
	}

	setup.Channels, err = db.Channels(ctx, setup.ID)
	if err != nil {
		return setup, fmt.Errorf("conddb: could not load setup %d: %w", setup.ID, err)
	}

	setup.Params, err = db.Params(ctx, setup.ID)
	if err != nil {
		return setup, fmt.Errorf("conddb: could not load setup %d: %w", setup.ID, err)
	}

	return setup, nil
}
