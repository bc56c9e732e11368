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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/driver/drivertest"
	tu "github.com/FerretDB/asyncodbc/internal/util/testutil"
)

// closeStatement closes s and checks that it succeeded.
func closeStatement(t *testing.T, ctx context.Context, s *Statement) {
	t.Helper()

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Close(ctx, cb)
	}))
}

func TestStatement(t *testing.T) {
	t.Parallel()

	ctx, e, drv := setup(t, nil)
	c := open(t, ctx, e)

	s, err := call(t, ctx, func(cb func(*Statement, error)) {
		c.CreateStatement(ctx, cb)
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEqual(t, driver.NullHandle, s.Handle())
	assert.Zero(t, drv.Stats().ExecDirect+drv.Stats().Prepare, "nothing is executed")

	// binding before prepare is rejected
	err = callErr(t, ctx, func(cb func(error)) {
		s.Bind(ctx, []any{1}, cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "INSERT INTO t VALUES (?, ?)", cb)
	}))

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Bind(ctx, []any{"a", nil}, cb)
	}))
	assert.Equal(t, int64(2), e.Encoder().Live(), "bound parameters live until execute")

	res, err := call(t, ctx, func(cb func(*Result, error)) {
		s.Execute(ctx, cb)
	})
	require.NoError(t, err)
	assert.Zero(t, e.Encoder().Live())

	expected := []drivertest.Execution{{SQL: "INSERT INTO t VALUES (?, ?)", Params: []any{"a", nil}}}
	assert.Equal(t, expected, drv.Executions())

	// the statement result does not own the handle
	closeResult(t, ctx, res)
	assert.Equal(t, s.Handle(), res.Handle())
	assert.NotEqual(t, driver.NullHandle, s.Handle())

	res, err = call(t, ctx, func(cb func(*Result, error)) {
		s.ExecuteDirect(ctx, "SELECT 1", cb)
	})
	require.NoError(t, err)
	closeResult(t, ctx, res)

	assert.Equal(t, int64(1), drv.Stats().ExecDirect)

	closeStatement(t, ctx, s)
	assert.Equal(t, driver.NullHandle, s.Handle())
	assert.Zero(t, drv.Stats().Live(driver.HandleStmt))

	// closing again does nothing; other operations are rejected
	closeStatement(t, ctx, s)

	err = callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "SELECT 1", cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")
}

func TestStatementFailures(t *testing.T) {
	t.Parallel()

	ctx, e, drv := setup(t, &drivertest.Opts{FailBindAt: 3})
	c := open(t, ctx, e)

	s, err := c.CreateStatementSync()
	require.NoError(t, err)

	err = callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "BAD", cb)
	})
	requireError(t, err, diag.ErrorCodePrepare, "42000")

	_, err = call(t, ctx, func(cb func(*Result, error)) {
		s.Execute(ctx, cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "SELECT ?, ?, ?", cb)
	}))

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Bind(ctx, []any{1, 2}, cb)
	}))

	// failed encoding keeps the previous parameters
	err = callErr(t, ctx, func(cb func(error)) {
		s.Bind(ctx, []any{1, struct{}{}}, cb)
	})
	requireError(t, err, diag.ErrorCodeBind, "07006")
	assert.Equal(t, int64(2), e.Encoder().Live())

	// failed bind unbinds and releases all parameters
	err = callErr(t, ctx, func(cb func(error)) {
		s.Bind(ctx, []any{1, 2, 3}, cb)
	})
	requireError(t, err, diag.ErrorCodeBind, "07006")
	assert.Zero(t, e.Encoder().Live())

	_, err = call(t, ctx, func(cb func(*Result, error)) {
		s.Execute(ctx, cb)
	})
	de := requireError(t, err, diag.ErrorCodeInvalidState, "HY010")
	assert.Contains(t, de.Message(), "not bound")

	// re-preparing releases bound parameters
	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "SELECT ?", cb)
	}))
	assert.Zero(t, e.Encoder().Live())

	closeStatement(t, ctx, s)
	assert.Zero(t, drv.Stats().Live(driver.HandleStmt))
}

func TestStatementRebind(t *testing.T) {
	t.Parallel()

	t.Run("FailedBind", func(t *testing.T) {
		t.Parallel()

		ctx, e, drv := setup(t, &drivertest.Opts{FailBindAt: 2})
		c := open(t, ctx, e)

		s, err := c.CreateStatementSync()
		require.NoError(t, err)

		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Prepare(ctx, "INSERT INTO t VALUES (?)", cb)
		}))

		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Bind(ctx, []any{42}, cb)
		}))

		err = callErr(t, ctx, func(cb func(error)) {
			s.Bind(ctx, []any{7, 8}, cb)
		})
		requireError(t, err, diag.ErrorCodeBind, "07006")
		assert.Zero(t, e.Encoder().Live())

		// released buffers are never executed
		_, err = call(t, ctx, func(cb func(*Result, error)) {
			s.Execute(ctx, cb)
		})
		requireError(t, err, diag.ErrorCodeInvalidState, "HY010")
		assert.Empty(t, drv.Executions())

		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Bind(ctx, []any{42}, cb)
		}))

		res, err := call(t, ctx, func(cb func(*Result, error)) {
			s.Execute(ctx, cb)
		})
		require.NoError(t, err)
		closeResult(t, ctx, res)

		expected := []drivertest.Execution{{SQL: "INSERT INTO t VALUES (?)", Params: []any{int64(42)}}}
		assert.Equal(t, expected, drv.Executions())

		closeStatement(t, ctx, s)
	})

	t.Run("FewerValues", func(t *testing.T) {
		t.Parallel()

		ctx, e, drv := setup(t, nil)
		c := open(t, ctx, e)

		s, err := c.CreateStatementSync()
		require.NoError(t, err)

		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Prepare(ctx, "INSERT INTO t VALUES (?, ?)", cb)
		}))

		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Bind(ctx, []any{1, 2}, cb)
		}))

		// rebinding drops all previous bindings
		require.NoError(t, callErr(t, ctx, func(cb func(error)) {
			s.Bind(ctx, []any{3}, cb)
		}))
		assert.Equal(t, int64(1), e.Encoder().Live())

		res, err := call(t, ctx, func(cb func(*Result, error)) {
			s.Execute(ctx, cb)
		})
		require.NoError(t, err)
		closeResult(t, ctx, res)

		// parameters released by execute are not bound anymore
		res, err = call(t, ctx, func(cb func(*Result, error)) {
			s.Execute(ctx, cb)
		})
		require.NoError(t, err)
		closeResult(t, ctx, res)

		expected := []drivertest.Execution{
			{SQL: "INSERT INTO t VALUES (?, ?)", Params: []any{int64(3)}},
			{SQL: "INSERT INTO t VALUES (?, ?)", Params: []any{}},
		}
		assert.Equal(t, expected, drv.Executions())
		assert.Zero(t, e.Encoder().Live())

		closeStatement(t, ctx, s)
	})
}

func TestStatementOpenResult(t *testing.T) {
	t.Parallel()

	ctx, e, _ := setup(t, &drivertest.Opts{
		Columns: []string{"a"},
		Rows:    [][]any{{int64(1)}, {int64(2)}},
	})
	c := open(t, ctx, e)

	s, err := c.CreateStatementSync()
	require.NoError(t, err)

	res, err := call(t, ctx, func(cb func(*Result, error)) {
		s.ExecuteDirect(ctx, "SELECT a FROM t", cb)
	})
	require.NoError(t, err)

	// closing the statement and fetching the result at the same time
	closed := make(chan error, 1)
	fetched := make(chan result[[][]any], 1)

	s.Close(ctx, func(err error) { closed <- err })
	res.FetchAll(ctx, func(rows [][]any, err error) { fetched <- result[[][]any]{v: rows, err: err} })

	de := requireError(t, tu.Wait(t, ctx, closed), diag.ErrorCodeInvalidState, "HY010")
	assert.Contains(t, de.Message(), "open result")

	f := tu.Wait(t, ctx, fetched)
	require.NoError(t, f.err)
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, f.v)
	assert.NotEqual(t, driver.NullHandle, res.Handle())

	err = callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "SELECT 1", cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	_, err = call(t, ctx, func(cb func(*Result, error)) {
		s.ExecuteDirect(ctx, "SELECT 1", cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	// closing the result makes the statement usable again
	closeResult(t, ctx, res)

	res, err = call(t, ctx, func(cb func(*Result, error)) {
		s.ExecuteDirect(ctx, "SELECT a FROM t", cb)
	})
	require.NoError(t, err)
	closeResult(t, ctx, res)

	closeStatement(t, ctx, s)
	assert.Equal(t, driver.NullHandle, s.Handle())
}

func TestStatementBusy(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	ctx, e, _ := setup(t, &drivertest.Opts{ExecuteGate: gate})
	c := open(t, ctx, e)

	s, err := c.CreateStatementSync()
	require.NoError(t, err)

	executed := make(chan error, 1)
	var res *Result

	s.ExecuteDirect(ctx, "INSERT 1", func(r *Result, err error) {
		res = r
		executed <- err
	})

	err = callErr(t, ctx, func(cb func(error)) {
		s.Prepare(ctx, "SELECT 1", cb)
	})
	de := requireError(t, err, diag.ErrorCodeInvalidState, "HY010")
	assert.Contains(t, de.Message(), "busy")

	err = callErr(t, ctx, func(cb func(error)) {
		s.Close(ctx, cb)
	})
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	close(gate)

	require.NoError(t, <-executed)
	closeResult(t, ctx, res)
	closeStatement(t, ctx, s)
}

func TestCreateStatementSync(t *testing.T) {
	t.Parallel()

	ctx, e, drv := setup(t, nil)

	c := e.NewConnection()
	defer c.Release()

	_, err := c.CreateStatementSync()
	requireError(t, err, diag.ErrorCodeInvalidState, "HY010")

	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		c.Open(ctx, "DSN=test", 0, cb)
	}))

	s, err := c.CreateStatementSync()
	require.NoError(t, err)
	assert.Equal(t, int64(1), drv.Stats().Live(driver.HandleStmt))

	// closing the connection frees the statement handle; closing the statement after that only drops the reference
	require.NoError(t, callErr(t, ctx, func(cb func(error)) {
		c.Close(ctx, cb)
	}))
	assert.Zero(t, drv.Stats().Live(driver.HandleStmt))
	assert.Equal(t, driver.NullHandle, s.Handle())

	closeStatement(t, ctx, s)
	assert.Zero(t, drv.Stats().DoubleFrees)
}
