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
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/dispatch"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/params"
	"github.com/FerretDB/asyncodbc/internal/registry"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// guard rejects concurrent and post-close operations on a statement handle.
type guard struct {
	what string

	m      sync.Mutex
	busy   bool
	closed bool
	held   bool // a Result sharing the handle is open
}

// enter marks the start of an operation.
func (g *guard) enter() error {
	g.m.Lock()
	defer g.m.Unlock()

	if g.closed {
		return diag.InvalidState("%s is closed", g.what)
	}

	if g.busy {
		return diag.InvalidState("%s is busy", g.what)
	}

	if g.held {
		return diag.InvalidState("%s has an open result", g.what)
	}

	g.busy = true

	return nil
}

// leave marks the end of an operation.
func (g *guard) leave() {
	g.m.Lock()
	g.busy = false
	g.m.Unlock()
}

// close marks the handle closed.
// It returns false if it was already closed.
func (g *guard) close() (bool, error) {
	g.m.Lock()
	defer g.m.Unlock()

	if g.closed {
		return false, nil
	}

	if g.busy {
		return false, diag.InvalidState("%s is busy", g.what)
	}

	if g.held {
		return false, diag.InvalidState("%s has an open result", g.what)
	}

	g.closed = true

	return true, nil
}

// hold marks the handle as used by an open Result until release is called.
// It must be called by the operation holding g.
func (g *guard) hold() {
	g.m.Lock()
	g.held = true
	g.m.Unlock()
}

// release undoes hold.
func (g *guard) release() {
	g.m.Lock()
	g.held = false
	g.m.Unlock()
}

// guarded runs work as a statement task of c, rejecting reentry with g.
func guarded[T any](
	g *guard, c *Connection, ctx context.Context, name string,
	work func() (T, error), done func(T, error),
) {
	if err := g.enter(); err != nil {
		reject(c.e, done, err)
		return
	}

	submitStmt(c, ctx, name, func(*registry.ConnHandle) (T, error) {
		return work()
	}, func(v T, err error) {
		g.leave()
		done(v, err)
	})
}

// execDirect executes SQL without parameters.
func execDirect(st *registry.StmtHandle, sql string) error {
	if ret := st.ExecDirect(sql); !ret.Succeeded() {
		return st.Error(diag.ErrorCodeExecute)
	}

	return nil
}

// bind binds encoded parameters in order, stopping at the first failure.
func bind(st *registry.StmtHandle, ps []*params.Parameter) error {
	if len(ps) > math.MaxUint16 {
		return diag.NewError(diag.ErrorCodeBind, []diag.Record{{State: "07002", Message: "too many parameters"}}, nil)
	}

	for i, p := range ps {
		ret := st.BindParameter(uint16(i+1), p.CType, p.SQLType, p.ColumnSize, p.DecimalDigits, p.Buffer(), &p.Indicator)
		if !ret.Succeeded() {
			return st.Error(diag.ErrorCodeBind)
		}
	}

	return nil
}

// execBound prepares SQL, encodes and binds parameters, and executes it.
//
// Encoded parameters are released after execute, or after the first failure.
func execBound(st *registry.StmtHandle, enc *params.Encoder, sql string, args []any) error {
	ps, err := enc.Encode(args)
	if err != nil {
		return err
	}

	defer func() {
		st.ResetParams()
		enc.Release(ps)
	}()

	if ret := st.Prepare(sql); !ret.Succeeded() {
		return st.Error(diag.ErrorCodePrepare)
	}

	if err = bind(st, ps); err != nil {
		return err
	}

	if ret := st.Execute(); !ret.Succeeded() {
		return st.Error(diag.ErrorCodeExecute)
	}

	return nil
}

// Statement is a caller-facing statement handle for step-by-step execution.
//
// It holds a reference to its Connection until closed.
// Only one operation may be in flight at a time; others are rejected.
//
//nolint:vet // for readability
type Statement struct {
	c *Connection
	l *zap.Logger
	g guard

	st *registry.StmtHandle

	// accessed only by the operation holding g
	prepared bool
	unbound  bool // the last Bind failed
	params   []*params.Parameter

	token *resource.Token
}

// newStatement wraps a statement handle.
func newStatement(c *Connection, st *registry.StmtHandle) *Statement {
	c.Ref()

	s := &Statement{
		c:     c,
		l:     c.l.Named("stmt"),
		g:     guard{what: "statement"},
		st:    st,
		token: resource.NewToken(),
	}

	resource.Track(s, s.token)

	return s
}

// Handle returns the native statement handle, or driver.NullHandle if it was freed.
func (s *Statement) Handle() driver.Handle {
	return s.st.Handle()
}

// releaseParams unbinds and releases bound parameters, if any.
func (s *Statement) releaseParams() {
	if s.params == nil {
		return
	}

	s.resetParams()

	s.c.e.enc.Release(s.params)
	s.params = nil
}

// resetParams makes the driver drop references to bound buffers.
func (s *Statement) resetParams() {
	if ret := s.st.ResetParams(); !ret.Succeeded() {
		s.l.Debug("Failed to reset parameters.", zap.Stringer("ret", ret))
	}
}

// Prepare prepares SQL for execution. Previously bound parameters are released.
func (s *Statement) Prepare(ctx context.Context, sql string, cb func(error)) {
	guarded(&s.g, s.c, ctx, "prepare", func() (struct{}, error) {
		s.releaseParams()
		s.prepared = false
		s.unbound = false

		if ret := s.st.Prepare(sql); !ret.Succeeded() {
			return struct{}{}, s.st.Error(diag.ErrorCodePrepare)
		}

		s.prepared = true

		return struct{}{}, nil
	}, done(cb))
}

// Bind encodes and binds parameters of the prepared statement,
// replacing previously bound ones.
//
// Bound parameters are kept until the next Execute completes.
// If encoding fails, previously bound parameters stay bound.
// If the driver rejects a parameter, no parameters stay bound,
// and Execute is rejected until the next successful Bind or Prepare.
func (s *Statement) Bind(ctx context.Context, args []any, cb func(error)) {
	enc := s.c.e.enc

	guarded(&s.g, s.c, ctx, "bind", func() (struct{}, error) {
		if !s.prepared {
			return struct{}{}, diag.InvalidState("statement is not prepared")
		}

		ps, err := enc.Encode(args)
		if err != nil {
			return struct{}{}, err
		}

		s.releaseParams()

		if err = bind(s.st, ps); err != nil {
			s.resetParams()
			enc.Release(ps)
			s.unbound = true

			return struct{}{}, err
		}

		s.params = ps
		s.unbound = false

		return struct{}{}, nil
	}, done(cb))
}

// Execute executes the prepared statement with bound parameters.
//
// Bound parameters are released after execute, whether it succeeded or not.
// The Result shares the statement handle; closing it does not free the handle.
// Until the Result is closed, other operations on the statement are rejected.
func (s *Statement) Execute(ctx context.Context, cb func(*Result, error)) {
	guarded(&s.g, s.c, ctx, "execute", func() (struct{}, error) {
		if !s.prepared {
			return struct{}{}, diag.InvalidState("statement is not prepared")
		}

		if s.unbound {
			return struct{}{}, diag.InvalidState("statement parameters are not bound")
		}

		defer s.releaseParams()

		if ret := s.st.Execute(); !ret.Succeeded() {
			return struct{}{}, s.st.Error(diag.ErrorCodeExecute)
		}

		s.g.hold()

		return struct{}{}, nil
	}, s.result(cb))
}

// ExecuteDirect executes SQL without preparing it.
//
// Bound parameters are released. The Result is handled as for Execute.
func (s *Statement) ExecuteDirect(ctx context.Context, sql string, cb func(*Result, error)) {
	guarded(&s.g, s.c, ctx, "executeDirect", func() (struct{}, error) {
		s.releaseParams()
		s.prepared = false
		s.unbound = false

		if err := execDirect(s.st, sql); err != nil {
			return struct{}{}, err
		}

		s.g.hold()

		return struct{}{}, nil
	}, s.result(cb))
}

// result adapts a callback receiving a Result of this statement.
func (s *Statement) result(cb func(*Result, error)) func(struct{}, error) {
	return func(_ struct{}, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		res := newResult(s.c, s.st, false)
		res.parent = &s.g

		cb(res, nil)
	}
}

// Close releases bound parameters, frees the statement handle,
// and drops the reference to the Connection.
//
// Closing a closed statement does nothing.
// Closing a busy statement, or one with an open Result, is rejected.
func (s *Statement) Close(ctx context.Context, cb func(error)) {
	first, err := s.g.close()
	if err != nil {
		reject(s.c.e, done(cb), err)
		return
	}

	if !first {
		s.c.e.post(func() { cb(nil) })
		return
	}

	dispatch.Submit(s.c.e.d, ctx, "closeStatement", s.c, func() (struct{}, error) {
		s.releaseParams()
		s.st.Free()

		return struct{}{}, nil
	}, func(_ struct{}, err error) {
		resource.Untrack(s, s.token)
		s.c.Unref()

		cb(err)
	})
}
