// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/clamp/chanmap"
	"github.com/go-lpc/clamp/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

var (
	date = time.Date(2022, 3, 14, 15, 9, 26, 0, time.UTC)

	setupRows = fakedb.Rows{
		Names: []string{"identifier", "name", "model", "interval_us", "datetime"},
		Values: [][]driver.Value{
			{int64(42), "rig-2", "leak-vgate", int64(100), date},
		},
	}

	channelRows = fakedb.Rows{
		Names: []string{"name", "device", "dir"},
		Values: [][]driver.Value{
			{"V-1", int64(0), "input"},
			{"Current-1", int64(0), "output"},
			{"tau", int64(0), "param"},
		},
	}

	paramRows = fakedb.Rows{
		Names: []string{"name", "value"},
		Values: [][]driver.Value{
			{"g", 10.0},
			{"tau", 2.5},
		},
	}
)

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestLastSetup(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	qs, err := fakedb.Run(context.Background(), func(ctx context.Context) error {
		setup, err := db.LastSetup(ctx)
		if err != nil {
			t.Fatalf("could not retrieve last setup: %+v", err)
		}

		want := Setup{
			ID:       42,
			Name:     "rig-2",
			Model:    "leak-vgate",
			Interval: 100 * time.Microsecond,
			Date:     date,
		}
		if !reflect.DeepEqual(setup, want) {
			t.Fatalf("invalid last setup:\ngot= %+v\nwant=%+v", setup, want)
		}
		return nil
	}, setupRows)
	if err != nil {
		t.Fatalf("could not run queries: %+v", err)
	}
	if got, want := len(qs), 1; got != want {
		t.Fatalf("invalid number of queries: got=%d, want=%d", got, want)
	}
	if !strings.Contains(qs[0].SQL, "ORDER BY datetime DESC LIMIT 1") {
		t.Fatalf("invalid query: %q", qs[0].SQL)
	}
}

func TestNoSetup(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	_, _ = fakedb.Run(context.Background(), func(ctx context.Context) error {
		_, err := db.SetupByID(ctx, 7)
		if !errors.Is(err, ErrNoSetup) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNoSetup)
		}
		return nil
	}, fakedb.Rows{Names: setupRows.Names})
}

func TestLoad(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	for _, tc := range []struct {
		id    int64
		query string
		args  []driver.Value
	}{
		{0, "ORDER BY datetime DESC LIMIT 1", nil},
		{42, "WHERE identifier=?", []driver.Value{int64(42)}},
	} {
		qs, err := fakedb.Run(context.Background(), func(ctx context.Context) error {
			setup, err := db.Load(ctx, tc.id)
			if err != nil {
				t.Fatalf("could not load setup %d: %+v", tc.id, err)
			}

			if got, want := setup.ID, int64(42); got != want {
				t.Fatalf("invalid setup id: got=%d, want=%d", got, want)
			}
			if got, want := setup.Channels, []chanmap.Request{
				{Name: "V-1", Device: 0, Dir: chanmap.Input},
				{Name: "Current-1", Device: 0, Dir: chanmap.Output},
				{Name: "tau", Device: 0, Dir: chanmap.Parameter},
			}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid channels:\ngot= %+v\nwant=%+v", got, want)
			}
			if got, want := setup.Params, map[string]float64{"g": 10, "tau": 2.5}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid params:\ngot= %v\nwant=%v", got, want)
			}

			_, err = chanmap.Build(setup.Channels)
			if err != nil {
				t.Fatalf("could not build channel map: %+v", err)
			}
			return nil
		}, clone(setupRows), clone(channelRows), clone(paramRows))
		if err != nil {
			t.Fatalf("could not run queries: %+v", err)
		}

		if got, want := len(qs), 3; got != want {
			t.Fatalf("invalid number of queries: got=%d, want=%d", got, want)
		}
		if !strings.Contains(qs[0].SQL, tc.query) {
			t.Fatalf("invalid setup query: %q", qs[0].SQL)
		}
		if got, want := qs[0].Args, tc.args; len(want) > 0 && !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid setup query args: got=%v, want=%v", got, want)
		}
		for _, q := range qs[1:] {
			if got, want := q.Args, []driver.Value{int64(42)}; !reflect.DeepEqual(got, want) {
				t.Fatalf("invalid args for %q: got=%v, want=%v", q.SQL, got, want)
			}
		}
	}
}

func TestSetups(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	rows := clone(setupRows)
	rows.Values = append(rows.Values, []driver.Value{
		int64(41), "rig-1", "leak", int64(50), date.Add(-time.Hour),
	})

	_, _ = fakedb.Run(context.Background(), func(ctx context.Context) error {
		setups, err := db.Setups(ctx)
		if err != nil {
			t.Fatalf("could not list setups: %+v", err)
		}
		if got, want := len(setups), 2; got != want {
			t.Fatalf("invalid number of setups: got=%d, want=%d", got, want)
		}
		if got, want := setups[1].Interval, 50*time.Microsecond; got != want {
			t.Fatalf("invalid interval: got=%v, want=%v", got, want)
		}
		return nil
	}, rows)
}

func TestErrors(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	for _, tc := range []struct {
		name string
		rows []fakedb.Rows
		want string
	}{
		{
			name: "query",
			rows: []fakedb.Rows{{Err: errors.New("boom")}},
			want: "conddb: could not load setup 0: conddb: could not query setup: boom",
		},
		{
			name: "direction",
			rows: []fakedb.Rows{
				clone(setupRows),
				{
					Names:  channelRows.Names,
					Values: [][]driver.Value{{"V-1", int64(0), "sideways"}},
				},
			},
			want: `conddb: could not load setup 42: conddb: could not parse direction of channel "V-1"`,
		},
		{
			name: "params",
			rows: []fakedb.Rows{
				clone(setupRows),
				clone(channelRows),
				{
					Names:  paramRows.Names,
					Values: [][]driver.Value{{"g", "not-a-number"}},
				},
			},
			want: "conddb: could not load setup 42: conddb: could not scan params",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _ = fakedb.Run(context.Background(), func(ctx context.Context) error {
				_, err := db.Load(ctx, 0)
				if err == nil {
					t.Fatalf("expected an error")
				}
				if got, want := err.Error(), tc.want; !strings.HasPrefix(got, want) {
					t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
				}
				return nil
			}, tc.rows...)
		})
	}
}

func clone(rows fakedb.Rows) fakedb.Rows {
	o := fakedb.Rows{
		Names:  rows.Names,
		Values: make([][]driver.Value, len(rows.Values)),
	}
	copy(o.Values, rows.Values)
	return o
}
