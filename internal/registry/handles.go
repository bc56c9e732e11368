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

package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// ConnHandle owns a single native connection handle
// and all statement handles allocated from it.
//
//nolint:vet // for readability
type ConnHandle struct {
	r *Registry

	m           sync.Mutex
	h           driver.Handle
	connected   bool
	moreResults bool
	stmts       map[*StmtHandle]struct{}

	token *resource.Token
}

// Handle returns the native handle, or driver.NullHandle if it was freed.
func (c *ConnHandle) Handle() driver.Handle {
	c.m.Lock()
	defer c.m.Unlock()

	return c.h
}

// Connected returns true if the handle is connected.
func (c *ConnHandle) Connected() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.connected
}

// MoreResults returns true if the driver reported support for multiple result sets.
//
// It is probed once on successful Connect.
func (c *ConnHandle) MoreResults() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.moreResults
}

// Connect sets the login timeout and connects using the given connection string.
//
// A zero timeout leaves the driver default.
// On success, it probes the driver for multiple result sets support.
// On failure, it returns a ConnectFailure; the handle stays allocated and unconnected.
func (c *ConnHandle) Connect(connStr string, timeout time.Duration) error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.h == driver.NullHandle {
		return diag.Internal(lazyerrors.New("connection handle is freed"))
	}

	if c.connected {
		return diag.InvalidState("connection is already open")
	}

	r := c.r
	var ret driver.Return

	r.lock.Do(func() {
		if timeout > 0 {
			if ret := r.drv.SetConnectOption(c.h, driver.LoginTimeout, uint64(timeout/time.Second)); !ret.Succeeded() {
				r.l.Warn("Failed to set login timeout.", zap.Stringer("ret", ret), zap.Duration("timeout", timeout))
			}
		}

		ret = r.call("DriverConnect", c.h, func() driver.Return {
			return r.drv.DriverConnect(c.h, connStr)
		})

		if !ret.Succeeded() {
			return
		}

		c.connected = true
		c.moreResults = c.probeMoreResults()
	})

	if !ret.Succeeded() {
		return r.t.Error(diag.ErrorCodeConnect, driver.HandleDBC, c.h)
	}

	return nil
}

// probeMoreResults asks the driver whether it supports multiple result sets.
//
// Both c.m and the driver lock must be held.
func (c *ConnHandle) probeMoreResults() bool {
	r := c.r

	// some drivers report functions only with an allocated statement
	tmp, ret := r.drv.AllocHandle(driver.HandleStmt, c.h)
	if !ret.Succeeded() {
		return false
	}

	defer func() {
		if ret := r.drv.FreeHandle(driver.HandleStmt, tmp); !ret.Succeeded() {
			r.l.Warn("Failed to free probe statement handle.", zap.Stringer("ret", ret))
		}
	}()

	supported, ret := r.drv.GetFunctions(c.h, driver.FuncMoreResults)

	return ret.Succeeded() && supported
}

// AllocStatement allocates a new statement handle on a connected handle.
func (c *ConnHandle) AllocStatement() (*StmtHandle, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if !c.connected {
		return nil, diag.InvalidState("connection is not open")
	}

	r := c.r

	var h driver.Handle
	var ret driver.Return

	r.lock.Do(func() {
		ret = r.call("AllocHandle(STMT)", c.h, func() driver.Return {
			h, ret = r.drv.AllocHandle(driver.HandleStmt, c.h)
			return ret
		})
	})

	if !ret.Succeeded() {
		return nil, r.t.Error(diag.ErrorCodeInternal, driver.HandleDBC, c.h)
	}

	s := &StmtHandle{
		c:     c,
		h:     h,
		token: resource.NewToken(),
	}

	resource.Track(s, s.token)

	c.stmts[s] = struct{}{}
	r.liveStmts.Add(1)

	return s, nil
}

// Disconnect frees all statement handles and disconnects.
//
// It does nothing if the handle is not connected.
// On driver failure, it returns a CloseFailure and the handle stays connected.
func (c *ConnHandle) Disconnect() error {
	c.m.Lock()
	defer c.m.Unlock()

	return c.disconnect()
}

// disconnect implements Disconnect.
//
// c.m must be held.
func (c *ConnHandle) disconnect() error {
	if !c.connected {
		return nil
	}

	for s := range c.stmts {
		s.free()
	}

	r := c.r
	var ret driver.Return

	r.lock.Do(func() {
		ret = r.call("Disconnect", c.h, func() driver.Return {
			return r.drv.Disconnect(c.h)
		})
	})

	if !ret.Succeeded() {
		return r.t.Error(diag.ErrorCodeClose, driver.HandleDBC, c.h)
	}

	c.connected = false

	return nil
}

// Free disconnects and frees the native handle.
//
// It does nothing if the handle was already freed.
// If disconnect fails, the handle is not freed and Free may be called again.
func (c *ConnHandle) Free() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.h == driver.NullHandle {
		return nil
	}

	if err := c.disconnect(); err != nil {
		return err
	}

	r := c.r
	var ret driver.Return

	r.lock.Do(func() {
		ret = r.call("FreeHandle(DBC)", c.h, func() driver.Return {
			return r.drv.FreeHandle(driver.HandleDBC, c.h)
		})
	})

	var err error
	if !ret.Succeeded() {
		err = r.t.Error(diag.ErrorCodeInternal, driver.HandleDBC, c.h)
		r.l.Error("Failed to free connection handle.", zap.Error(err))
	}

	// never free twice, even if the driver failed
	c.h = driver.NullHandle

	r.liveConns.Add(-1)
	r.forget(c)
	resource.Untrack(c, c.token)

	return err
}

// StmtHandle owns a single native statement handle.
//
// Only allocate and free are serialized with the driver lock;
// other calls may run concurrently on distinct statements.
// A single statement must not be used concurrently.
type StmtHandle struct {
	c *ConnHandle

	// protected by c.m
	h driver.Handle

	token *resource.Token
}

// Handle returns the native handle, or driver.NullHandle if it was freed.
func (s *StmtHandle) Handle() driver.Handle {
	s.c.m.Lock()
	defer s.c.m.Unlock()

	return s.h
}

// Connection returns the connection handle this statement belongs to.
func (s *StmtHandle) Connection() *ConnHandle {
	return s.c
}

// Free frees the native handle.
//
// It does nothing if the handle was already freed, including by freeing the connection.
func (s *StmtHandle) Free() {
	s.c.m.Lock()
	defer s.c.m.Unlock()

	s.free()
}

// free implements Free.
//
// s.c.m must be held.
func (s *StmtHandle) free() {
	if s.h == driver.NullHandle {
		return
	}

	r := s.c.r
	var ret driver.Return

	r.lock.Do(func() {
		ret = r.call("FreeHandle(STMT)", s.h, func() driver.Return {
			return r.drv.FreeHandle(driver.HandleStmt, s.h)
		})
	})

	if !ret.Succeeded() {
		r.l.Error("Failed to free statement handle.", zap.Uint64("handle", uint64(s.h)), zap.Stringer("ret", ret))
	}

	s.h = driver.NullHandle

	delete(s.c.stmts, s)
	r.liveStmts.Add(-1)
	resource.Untrack(s, s.token)
}

// Error returns a caller-facing error with the statement's diagnostic records.
func (s *StmtHandle) Error(code diag.ErrorCode) *diag.Error {
	return s.c.r.t.Error(code, driver.HandleStmt, s.Handle())
}

// Prepare calls driver's Prepare.
func (s *StmtHandle) Prepare(sql string) driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("Prepare", h, func() driver.Return {
		return r.drv.Prepare(h, sql)
	})
}

// BindParameter calls driver's BindParameter for an input parameter.
func (s *StmtHandle) BindParameter(
	index uint16, cType driver.CType, sqlType driver.SQLType, columnSize uint64, decimalDigits int16,
	buf []byte, ind *int64,
) driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("BindParameter", h, func() driver.Return {
		return r.drv.BindParameter(h, index, driver.ParamInput, cType, sqlType, columnSize, decimalDigits, buf, ind)
	})
}

// Execute calls driver's Execute.
func (s *StmtHandle) Execute() driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("Execute", h, func() driver.Return {
		return r.drv.Execute(h)
	})
}

// ExecDirect calls driver's ExecDirect.
func (s *StmtHandle) ExecDirect(sql string) driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("ExecDirect", h, func() driver.Return {
		return r.drv.ExecDirect(h, sql)
	})
}

// ResetParams calls driver's ResetParams.
func (s *StmtHandle) ResetParams() driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("ResetParams", h, func() driver.Return {
		return r.drv.ResetParams(h)
	})
}

// Columns calls driver's Columns.
func (s *StmtHandle) Columns() ([]string, driver.Return) {
	h := s.Handle()
	r := s.c.r

	var cols []string

	ret := r.call("Columns", h, func() driver.Return {
		var ret driver.Return
		cols, ret = r.drv.Columns(h)

		return ret
	})

	return cols, ret
}

// Fetch calls driver's Fetch.
func (s *StmtHandle) Fetch() ([]any, driver.Return) {
	h := s.Handle()
	r := s.c.r

	var row []any

	ret := r.call("Fetch", h, func() driver.Return {
		var ret driver.Return
		row, ret = r.drv.Fetch(h)

		return ret
	})

	return row, ret
}

// MoreResults calls driver's MoreResults.
func (s *StmtHandle) MoreResults() driver.Return {
	h := s.Handle()
	r := s.c.r

	return r.call("MoreResults", h, func() driver.Return {
		return r.drv.MoreResults(h)
	})
}
