// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
//
// Queries are answered, in order, with the result sets handed to Run.
package fakedb // import "github.com/go-lpc/clamp/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
)

var query struct {
	mu    sync.Mutex
	rows  []Rows
	stmts []Query
}

// Query is a query received by the fake database.
type Query struct {
	SQL  string
	Args []driver.Value
}

// Run runs f, answering the queries it issues with the provided
// result sets, in order.
// Run returns the queries issued by f.
func Run(ctx context.Context, f func(ctx context.Context) error, rows ...Rows) ([]Query, error) {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.stmts = nil

	err := f(ctx)
	return query.stmts, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(q string) (driver.Stmt, error) {
	return &Stmt{sql: q}, nil
}

// Close invalidates the connection.
func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

type Stmt struct {
	sql string
}

// Close closes the statement.
func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns the number of placeholder parameters.
// The fake driver does not know it.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec executes a query that doesn't return rows.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	query.stmts = append(query.stmts, Query{SQL: stmt.sql, Args: args})
	return driver.RowsAffected(1), nil
}

// Query executes a query that may return rows, such as a SELECT.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	query.stmts = append(query.stmts, Query{SQL: stmt.sql, Args: args})
	if len(query.rows) == 0 {
		return nil, fmt.Errorf("fakedb: no result set for query %q", stmt.sql)
	}
	rows := query.rows[0]
	query.rows = query.rows[1:]
	if rows.Err != nil {
		return nil, rows.Err
	}
	return &rows, nil
}

// Rows is a result set.
// A non-nil Err fails the query.
type Rows struct {
	Names  []string
	Values [][]driver.Value
	Err    error
}

// Columns returns the names of the columns.
func (rows *Rows) Columns() []string {
	return rows.Names
}

// Close closes the rows iterator.
func (rows *Rows) Close() error {
	return nil
}

// Next populates the next row of data into dest.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
