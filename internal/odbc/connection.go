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

package odbc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/dispatch"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/registry"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// State represents a Connection state.
type State int

// Connection states.
const (
	StateUnopened State = iota
	StateOpening
	StateConnected
	StateFailedOpen
	StateClosing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateOpening:
		return "Opening"
	case StateConnected:
		return "Connected"
	case StateFailedOpen:
		return "FailedOpen"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// pendingClose is a close request waiting for statement tasks to complete.
type pendingClose struct {
	ctx context.Context
	cb  func(error)
}

// Connection is a caller-facing database connection.
//
// It is reference counted: the caller, every in-flight task,
// and every Statement and Result created from it hold a reference.
// Native handles are freed when the last reference is dropped.
//
//nolint:vet // for readability
type Connection struct {
	e *Env
	l *zap.Logger

	refs atomic.Int32

	m           sync.Mutex
	state       State
	conn        *registry.ConnHandle // non-nil iff connected, opening, or closing
	moreResults bool
	busy        int // statement tasks in flight
	closing     *pendingClose
	released    bool

	token *resource.Token
}

// newConnection creates a new unopened connection with a single reference.
func newConnection(e *Env) *Connection {
	c := &Connection{
		e:     e,
		l:     e.l.Named("conn"),
		token: resource.NewToken(),
	}

	c.refs.Store(1)
	resource.Track(c, c.token)

	return c
}

// Ref implements dispatch.Referent.
func (c *Connection) Ref() {
	c.refs.Add(1)
}

// Unref implements dispatch.Referent.
func (c *Connection) Unref() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		c.teardown()
	case n < 0:
		panic("odbc.Connection: negative reference count")
	}
}

// Release drops the caller's reference.
//
// Native handles are freed once no task is in flight and all Statements and Results are closed.
// It does nothing if called again.
func (c *Connection) Release() {
	c.m.Lock()

	if c.released {
		c.m.Unlock()
		return
	}

	c.released = true
	c.m.Unlock()

	c.Unref()
}

// teardown frees the native connection handle after the last reference is dropped.
func (c *Connection) teardown() {
	c.m.Lock()
	h := c.conn
	c.conn = nil
	c.state = StateUnopened
	c.m.Unlock()

	// Env.Close frees remaining handles itself
	if h == nil || c.e.closed.Load() {
		resource.Untrack(c, c.token)
		return
	}

	c.l.Debug("Freeing connection handle of released connection.")

	dispatch.Submit(c.e.d, context.Background(), "teardown", nil, func() (struct{}, error) {
		return struct{}{}, h.Free()
	}, func(_ struct{}, err error) {
		if err != nil && !c.e.closed.Load() {
			c.l.Error("Failed to free connection handle of released connection.", zap.Error(err))
		}

		resource.Untrack(c, c.token)
	})
}

// State returns the current state.
func (c *Connection) State() State {
	c.m.Lock()
	defer c.m.Unlock()

	return c.state
}

// Connected returns true if the connection is open.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Handle returns the native connection handle, or driver.NullHandle if there is none.
func (c *Connection) Handle() driver.Handle {
	c.m.Lock()
	defer c.m.Unlock()

	if c.conn == nil {
		return driver.NullHandle
	}

	return c.conn.Handle()
}

// MoreResults returns true if the driver supports multiple result sets.
//
// It is probed once on successful Open.
func (c *Connection) MoreResults() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.moreResults
}

// done adapts a callback without a success value.
func done(cb func(error)) func(struct{}, error) {
	return func(_ struct{}, err error) {
		cb(err)
	}
}

// Open connects using the given connection string and login timeout.
//
// Zero timeout means the Env's login timeout.
// It is valid only for unopened connections, or to retry after a failed open.
// Cb is called with nil after Connected starts returning true.
func (c *Connection) Open(ctx context.Context, connStr string, timeout time.Duration, cb func(error)) {
	if timeout <= 0 {
		timeout = c.e.loginTimeout
	}

	c.m.Lock()

	if c.state != StateUnopened && c.state != StateFailedOpen {
		err := diag.InvalidState("connection is %s", c.state)
		c.m.Unlock()
		reject(c.e, done(cb), err)

		return
	}

	c.state = StateOpening
	c.m.Unlock()

	reg := c.e.reg

	dispatch.Submit(c.e.d, ctx, "open", c, func() (*registry.ConnHandle, error) {
		h, err := reg.AllocConnection()
		if err != nil {
			return nil, err
		}

		if err = h.Connect(connStr, timeout); err != nil {
			if freeErr := h.Free(); freeErr != nil {
				c.l.Error("Failed to free connection handle after failed open.", zap.Error(freeErr))
			}

			return nil, err
		}

		return h, nil
	}, func(h *registry.ConnHandle, err error) {
		c.m.Lock()

		if err != nil {
			c.state = StateFailedOpen
		} else {
			c.state = StateConnected
			c.conn = h
			c.moreResults = h.MoreResults()
		}

		c.m.Unlock()

		cb(err)
	})
}

// Close disconnects and frees the native connection handle.
//
// Closing an unopened connection, including a closed one, succeeds without doing anything.
// A close while opening or closing is rejected.
// If statement tasks are in flight, the close starts after the last one completes.
// On failure, the connection stays open.
func (c *Connection) Close(ctx context.Context, cb func(error)) {
	c.m.Lock()

	switch c.state {
	case StateUnopened, StateFailedOpen:
		c.m.Unlock()
		c.e.post(func() { cb(nil) })

		return

	case StateOpening, StateClosing:
		err := diag.InvalidState("connection is %s", c.state)
		c.m.Unlock()
		reject(c.e, done(cb), err)

		return

	case StateConnected:
	}

	c.state = StateClosing

	if c.busy > 0 {
		c.l.Debug("Close queued.", zap.Int("busy", c.busy))
		c.closing = &pendingClose{ctx: ctx, cb: cb}
		c.m.Unlock()

		return
	}

	c.m.Unlock()

	c.close(ctx, cb)
}

// close submits the close task. State must be StateClosing.
func (c *Connection) close(ctx context.Context, cb func(error)) {
	c.m.Lock()
	h := c.conn
	c.m.Unlock()

	dispatch.Submit(c.e.d, ctx, "close", c, func() (struct{}, error) {
		return struct{}{}, h.Free()
	}, func(_ struct{}, err error) {
		c.m.Lock()

		if h.Handle() == driver.NullHandle {
			c.state = StateUnopened
			c.conn = nil
			c.moreResults = false
		} else {
			c.state = StateConnected
		}

		c.m.Unlock()

		cb(err)
	})
}

// begin registers a statement task.
func (c *Connection) begin() (*registry.ConnHandle, error) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.state != StateConnected {
		return nil, diag.InvalidState("connection is %s", c.state)
	}

	c.busy++

	return c.conn, nil
}

// end unregisters a statement task and starts a queued close.
func (c *Connection) end() {
	c.m.Lock()

	c.busy--

	p := c.closing
	if c.busy > 0 || p == nil {
		c.m.Unlock()
		return
	}

	c.closing = nil
	c.m.Unlock()

	c.close(p.ctx, p.cb)
}

// submitStmt runs work on a worker as a statement task.
//
// It rejects the operation if the connection is not open.
// Done is called before a queued close may start.
func submitStmt[T any](
	c *Connection, ctx context.Context, name string,
	work func(h *registry.ConnHandle) (T, error), done func(T, error),
) {
	h, err := c.begin()
	if err != nil {
		reject(c.e, done, err)
		return
	}

	dispatch.Submit(c.e.d, ctx, name, c, func() (T, error) {
		return work(h)
	}, func(v T, err error) {
		defer c.end()
		done(v, err)
	})
}

// CreateStatement allocates a new Statement without executing anything.
func (c *Connection) CreateStatement(ctx context.Context, cb func(*Statement, error)) {
	submitStmt(c, ctx, "createStatement", func(h *registry.ConnHandle) (*registry.StmtHandle, error) {
		return h.AllocStatement()
	}, func(st *registry.StmtHandle, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		cb(newStatement(c, st), nil)
	})
}

// CreateStatementSync is a synchronous variant of CreateStatement.
//
// It blocks the caller for the duration of the handle allocation.
func (c *Connection) CreateStatementSync() (*Statement, error) {
	h, err := c.begin()
	if err != nil {
		return nil, err
	}

	defer c.end()

	st, err := h.AllocStatement()
	if err != nil {
		return nil, err
	}

	return newStatement(c, st), nil
}

// Query executes SQL with the given parameters on a new statement handle.
//
// Without parameters, SQL is executed directly;
// otherwise it is prepared, parameters are bound, and it is executed.
// On success, cb receives a Result that owns the statement handle.
// On failure, the statement handle is freed.
func (c *Connection) Query(ctx context.Context, sql string, args []any, cb func(*Result, error)) {
	enc := c.e.enc

	submitStmt(c, ctx, "query", func(h *registry.ConnHandle) (res *registry.StmtHandle, err error) {
		st, err := h.AllocStatement()
		if err != nil {
			return nil, err
		}

		defer func() {
			if res == nil {
				st.Free()
			}
		}()

		if len(args) == 0 {
			err = execDirect(st, sql)
		} else {
			err = execBound(st, enc, sql, args)
		}

		if err != nil {
			return nil, err
		}

		return st, nil
	}, func(st *registry.StmtHandle, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		cb(newResult(c, st, true), nil)
	})
}
