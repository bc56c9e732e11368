// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package drivertest provides an in-memory driver for tests.
//
// It counts allocations, frees and execution paths,
// and allows failures to be injected.
package drivertest

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerretDB/asyncodbc/internal/driver"
)

// Opts configures the stub driver behavior.
//
// Connection strings containing "bad" fail to connect with SQLSTATE 08001.
// SQL text starting with "BAD" fails to prepare (or execute directly) with SQLSTATE 42000.
type Opts struct {
	// FailBindAt makes binding of the given 1-based parameter index fail; 0 disables.
	FailBindAt uint16

	// FailExecute makes Execute and ExecDirect fail with SQLSTATE 22012.
	FailExecute bool

	// PanicOnExecute makes Execute and ExecDirect panic.
	PanicOnExecute bool

	// FailDisconnect makes Disconnect fail with SQLSTATE 08S01.
	FailDisconnect bool

	// NoDiagRecords makes failures report no diagnostic records at all.
	NoDiagRecords bool

	// ExtraDiag records are reported after the primary record of every failure.
	ExtraDiag []driver.DiagRecord

	// MoreResults is the reported support of the "more results" function.
	MoreResults bool

	// ExecuteGate, if not nil, blocks Execute and ExecDirect until closed.
	ExecuteGate chan struct{}

	// SerialDelay is slept inside allocate, free, connect and disconnect calls.
	SerialDelay time.Duration

	// Columns and Rows are returned by every successful execution of SQL starting with "SELECT".
	Columns []string
	Rows    [][]any
}

// Execution describes a single successful or failed statement execution.
type Execution struct {
	SQL    string
	Params []any
	Direct bool
}

// bound is a bound parameter as seen by the driver.
type bound struct {
	cType driver.CType
	buf   []byte
	ind   *int64
}

// handle is the driver-side state of a handle.
type handle struct {
	typ       driver.HandleType
	parent    driver.Handle
	connected bool
	sql       string
	bound     map[uint16]bound
	rows      [][]any
	cols      []string
	pos       int
	diag      []driver.DiagRecord
}

// Driver is an in-memory driver.
//
//nolint:vet // for readability
type Driver struct {
	opts Opts

	m       sync.Mutex
	next    driver.Handle
	handles map[driver.Handle]*handle
	execs   []Execution

	allocated   [4]atomic.Int64
	freed       [4]atomic.Int64
	doubleFrees atomic.Int64

	execDirect atomic.Int64
	prepare    atomic.Int64
	bind       atomic.Int64
	reset      atomic.Int64
	execute    atomic.Int64
	connect    atomic.Int64
	disconnect atomic.Int64

	serial  atomic.Int32
	overlap atomic.Int64

	failDisconnect atomic.Bool
}

// New creates a new stub driver.
func New(opts *Opts) *Driver {
	if opts == nil {
		opts = new(Opts)
	}

	d := &Driver{
		opts:    *opts,
		handles: make(map[driver.Handle]*handle),
	}

	d.failDisconnect.Store(opts.FailDisconnect)

	return d
}

// SetFailDisconnect changes whether Disconnect fails.
func (d *Driver) SetFailDisconnect(fail bool) {
	d.failDisconnect.Store(fail)
}

// Stats represents driver call counters.
type Stats struct {
	Allocated   map[driver.HandleType]int64
	Freed       map[driver.HandleType]int64
	DoubleFrees int64

	ExecDirect int64
	Prepare    int64
	Bind       int64
	Reset      int64
	Execute    int64
	Connect    int64
	Disconnect int64

	// SerialOverlaps counts allocate/free/connect/disconnect calls
	// that ran concurrently with another such call.
	SerialOverlaps int64
}

// Live returns the number of allocated but not freed handles of the given type.
func (s *Stats) Live(t driver.HandleType) int64 {
	return s.Allocated[t] - s.Freed[t]
}

// Stats returns a snapshot of call counters.
func (d *Driver) Stats() *Stats {
	res := &Stats{
		Allocated:      make(map[driver.HandleType]int64, 3),
		Freed:          make(map[driver.HandleType]int64, 3),
		DoubleFrees:    d.doubleFrees.Load(),
		ExecDirect:     d.execDirect.Load(),
		Prepare:        d.prepare.Load(),
		Bind:           d.bind.Load(),
		Reset:          d.reset.Load(),
		Execute:        d.execute.Load(),
		Connect:        d.connect.Load(),
		Disconnect:     d.disconnect.Load(),
		SerialOverlaps: d.overlap.Load(),
	}

	for _, t := range []driver.HandleType{driver.HandleEnv, driver.HandleDBC, driver.HandleStmt} {
		res.Allocated[t] = d.allocated[t].Load()
		res.Freed[t] = d.freed[t].Load()
	}

	return res
}

// Executions returns all statement executions in order.
func (d *Driver) Executions() []Execution {
	d.m.Lock()
	defer d.m.Unlock()

	res := make([]Execution, len(d.execs))
	copy(res, d.execs)

	return res
}

// serialized marks a call that the caller must serialize.
func (d *Driver) serialized() func() {
	if d.serial.Add(1) > 1 {
		d.overlap.Add(1)
	}

	if d.opts.SerialDelay > 0 {
		time.Sleep(d.opts.SerialDelay)
	}

	return func() { d.serial.Add(-1) }
}

// get returns the handle state of the given type, or nil.
//
// d.m must be held.
func (d *Driver) get(t driver.HandleType, h driver.Handle) *handle {
	s := d.handles[h]
	if s == nil || s.typ != t {
		return nil
	}

	return s
}

// fail replaces diagnostic records of the handle and returns driver.Error.
//
// d.m must be held.
func (d *Driver) fail(s *handle, state string, native int32, msg string) driver.Return {
	s.diag = nil

	if !d.opts.NoDiagRecords {
		s.diag = append(s.diag, driver.DiagRecord{State: state, NativeCode: native, Message: msg})
		s.diag = append(s.diag, d.opts.ExtraDiag...)
	}

	return driver.Error
}

// AllocHandle implements driver.Driver.
func (d *Driver) AllocHandle(t driver.HandleType, parent driver.Handle) (driver.Handle, driver.Return) {
	defer d.serialized()()

	d.m.Lock()
	defer d.m.Unlock()

	switch t {
	case driver.HandleEnv:
	case driver.HandleDBC:
		if d.get(driver.HandleEnv, parent) == nil {
			return driver.NullHandle, driver.InvalidHandle
		}
	case driver.HandleStmt:
		p := d.get(driver.HandleDBC, parent)
		if p == nil {
			return driver.NullHandle, driver.InvalidHandle
		}

		if !p.connected {
			return driver.NullHandle, d.fail(p, "08003", 0, "connection not open")
		}
	default:
		return driver.NullHandle, driver.Error
	}

	d.next++
	h := d.next
	d.handles[h] = &handle{typ: t, parent: parent}
	d.allocated[t].Add(1)

	return h, driver.Success
}

// FreeHandle implements driver.Driver.
func (d *Driver) FreeHandle(t driver.HandleType, h driver.Handle) driver.Return {
	defer d.serialized()()

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(t, h)
	if s == nil {
		d.doubleFrees.Add(1)
		return driver.InvalidHandle
	}

	if t == driver.HandleDBC && s.connected {
		return d.fail(s, "HY010", 0, "function sequence error: connection is open")
	}

	delete(d.handles, h)
	d.freed[t].Add(1)

	return driver.Success
}

// SetEnvAttr implements driver.Driver.
func (d *Driver) SetEnvAttr(env driver.Handle, attr driver.EnvAttr, value int) driver.Return {
	d.m.Lock()
	defer d.m.Unlock()

	if d.get(driver.HandleEnv, env) == nil {
		return driver.InvalidHandle
	}

	return driver.Success
}

// SetConnectOption implements driver.Driver.
func (d *Driver) SetConnectOption(dbc driver.Handle, opt driver.ConnectOption, value uint64) driver.Return {
	d.m.Lock()
	defer d.m.Unlock()

	if d.get(driver.HandleDBC, dbc) == nil {
		return driver.InvalidHandle
	}

	return driver.Success
}

// DriverConnect implements driver.Driver.
func (d *Driver) DriverConnect(dbc driver.Handle, connStr string) driver.Return {
	defer d.serialized()()

	d.connect.Add(1)

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleDBC, dbc)
	if s == nil {
		return driver.InvalidHandle
	}

	if strings.Contains(connStr, "bad") {
		return d.fail(s, "08001", 17, "unable to connect to data source")
	}

	s.connected = true

	return driver.Success
}

// Disconnect implements driver.Driver.
func (d *Driver) Disconnect(dbc driver.Handle) driver.Return {
	defer d.serialized()()

	d.disconnect.Add(1)

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleDBC, dbc)
	if s == nil {
		return driver.InvalidHandle
	}

	if !s.connected {
		return d.fail(s, "08003", 0, "connection not open")
	}

	if d.failDisconnect.Load() {
		return d.fail(s, "08S01", 0, "communication link failure")
	}

	s.connected = false

	return driver.Success
}

// GetFunctions implements driver.Driver.
func (d *Driver) GetFunctions(dbc driver.Handle, fn driver.Function) (bool, driver.Return) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.get(driver.HandleDBC, dbc) == nil {
		return false, driver.InvalidHandle
	}

	return fn == driver.FuncMoreResults && d.opts.MoreResults, driver.Success
}

// Prepare implements driver.Driver.
func (d *Driver) Prepare(stmt driver.Handle, sql string) driver.Return {
	d.prepare.Add(1)

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return driver.InvalidHandle
	}

	if strings.HasPrefix(sql, "BAD") {
		return d.fail(s, "42000", 1064, "syntax error")
	}

	s.sql = sql
	s.bound = make(map[uint16]bound)

	return driver.Success
}

// BindParameter implements driver.Driver.
func (d *Driver) BindParameter(
	stmt driver.Handle, index uint16, dir driver.ParamDirection,
	cType driver.CType, sqlType driver.SQLType, columnSize uint64, decimalDigits int16,
	buf []byte, ind *int64,
) driver.Return {
	d.bind.Add(1)

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return driver.InvalidHandle
	}

	if s.bound == nil {
		return d.fail(s, "HY010", 0, "function sequence error: statement is not prepared")
	}

	if index == d.opts.FailBindAt {
		return d.fail(s, "07006", 0, "restricted data type attribute violation")
	}

	s.bound[index] = bound{cType: cType, buf: buf, ind: ind}

	return driver.Success
}

// ResetParams implements driver.Driver.
func (d *Driver) ResetParams(stmt driver.Handle) driver.Return {
	d.reset.Add(1)

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return driver.InvalidHandle
	}

	if s.bound != nil {
		s.bound = make(map[uint16]bound)
	}

	return driver.Success
}

// run runs the given SQL on a statement.
func (d *Driver) run(stmt driver.Handle, sql string, direct bool) driver.Return {
	if g := d.opts.ExecuteGate; g != nil {
		<-g
	}

	if d.opts.PanicOnExecute {
		panic("drivertest: execute panic")
	}

	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return driver.InvalidHandle
	}

	exec := Execution{SQL: sql, Direct: direct}

	if !direct {
		if s.bound == nil {
			return d.fail(s, "HY010", 0, "function sequence error: statement is not prepared")
		}

		exec.Params = make([]any, len(s.bound))

		for i := range exec.Params {
			b, ok := s.bound[uint16(i+1)]
			if !ok {
				return d.fail(s, "07002", 0, "COUNT field incorrect")
			}

			v, err := driver.Decode(b.cType, b.buf, *b.ind)
			if err != nil {
				return d.fail(s, "HY000", 0, err.Error())
			}

			exec.Params[i] = v
		}
	}

	d.execs = append(d.execs, exec)

	if d.opts.FailExecute {
		return d.fail(s, "22012", 8134, "division by zero")
	}

	s.cols, s.rows, s.pos = nil, nil, 0

	if strings.HasPrefix(sql, "SELECT") {
		s.cols = d.opts.Columns
		s.rows = d.opts.Rows
	}

	return driver.Success
}

// Execute implements driver.Driver.
func (d *Driver) Execute(stmt driver.Handle) driver.Return {
	d.execute.Add(1)

	d.m.Lock()
	s := d.get(driver.HandleStmt, stmt)
	var sql string
	if s != nil {
		sql = s.sql
	}
	d.m.Unlock()

	return d.run(stmt, sql, false)
}

// ExecDirect implements driver.Driver.
func (d *Driver) ExecDirect(stmt driver.Handle, sql string) driver.Return {
	d.execDirect.Add(1)

	if strings.HasPrefix(sql, "BAD") {
		d.m.Lock()
		defer d.m.Unlock()

		s := d.get(driver.HandleStmt, stmt)
		if s == nil {
			return driver.InvalidHandle
		}

		return d.fail(s, "42000", 1064, "syntax error")
	}

	return d.run(stmt, sql, true)
}

// Columns implements driver.Driver.
func (d *Driver) Columns(stmt driver.Handle) ([]string, driver.Return) {
	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return nil, driver.InvalidHandle
	}

	return s.cols, driver.Success
}

// Fetch implements driver.Driver.
func (d *Driver) Fetch(stmt driver.Handle) ([]any, driver.Return) {
	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(driver.HandleStmt, stmt)
	if s == nil {
		return nil, driver.InvalidHandle
	}

	if s.pos >= len(s.rows) {
		return nil, driver.NoData
	}

	row := s.rows[s.pos]
	s.pos++

	return row, driver.Success
}

// MoreResults implements driver.Driver.
func (d *Driver) MoreResults(stmt driver.Handle) driver.Return {
	d.m.Lock()
	defer d.m.Unlock()

	if d.get(driver.HandleStmt, stmt) == nil {
		return driver.InvalidHandle
	}

	return driver.NoData
}

// GetDiagRec implements driver.Driver.
func (d *Driver) GetDiagRec(t driver.HandleType, h driver.Handle, rec int16) (driver.DiagRecord, driver.Return) {
	d.m.Lock()
	defer d.m.Unlock()

	s := d.get(t, h)
	if s == nil {
		return driver.DiagRecord{}, driver.InvalidHandle
	}

	if rec < 1 || int(rec) > len(s.diag) {
		return driver.DiagRecord{}, driver.NoData
	}

	return s.diag[rec-1], driver.Success
}

// check interfaces
var (
	_ driver.Driver = (*Driver)(nil)
)
