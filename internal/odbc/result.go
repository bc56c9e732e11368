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

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/dispatch"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/registry"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// Result wraps a statement handle after successful execution.
//
// It holds a reference to its Connection until closed.
// Only one operation may be in flight at a time; others are rejected.
//
//nolint:vet // for readability
type Result struct {
	c *Connection
	g guard

	st     *registry.StmtHandle
	owned  bool   // Close frees st
	parent *guard // guard of the Statement sharing st, if not owned

	moreResults bool

	token *resource.Token
}

// newResult wraps an executed statement handle.
func newResult(c *Connection, st *registry.StmtHandle, owned bool) *Result {
	c.Ref()

	res := &Result{
		c:           c,
		g:           guard{what: "result"},
		st:          st,
		owned:       owned,
		moreResults: c.MoreResults(),
		token:       resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// CanHaveMoreResultSets returns true if the driver supports multiple result sets.
func (res *Result) CanHaveMoreResultSets() bool {
	return res.moreResults
}

// Handle returns the native statement handle, or driver.NullHandle if it was freed.
func (res *Result) Handle() driver.Handle {
	return res.st.Handle()
}

// Columns returns column names of the current result set.
func (res *Result) Columns(ctx context.Context, cb func([]string, error)) {
	guarded(&res.g, res.c, ctx, "columns", func() ([]string, error) {
		cols, ret := res.st.Columns()
		if !ret.Succeeded() {
			return nil, res.st.Error(diag.ErrorCodeFetch)
		}

		return cols, nil
	}, cb)
}

// fetch fetches a single row; nil row means there are no more rows.
func (res *Result) fetch() ([]any, error) {
	row, ret := res.st.Fetch()

	switch {
	case ret == driver.NoData:
		return nil, nil
	case !ret.Succeeded():
		return nil, res.st.Error(diag.ErrorCodeFetch)
	}

	if row == nil {
		row = []any{}
	}

	return row, nil
}

// Fetch fetches the next row of the current result set.
//
// Cb receives a nil row when there are no more rows.
func (res *Result) Fetch(ctx context.Context, cb func([]any, error)) {
	guarded(&res.g, res.c, ctx, "fetch", res.fetch, cb)
}

// FetchAll fetches all remaining rows of the current result set.
func (res *Result) FetchAll(ctx context.Context, cb func([][]any, error)) {
	guarded(&res.g, res.c, ctx, "fetchAll", func() ([][]any, error) {
		var rows [][]any

		for {
			row, err := res.fetch()
			if err != nil {
				return nil, err
			}

			if row == nil {
				return rows, nil
			}

			rows = append(rows, row)
		}
	}, cb)
}

// NextResultSet advances to the next result set.
//
// Cb receives false if there are no more result sets,
// or if the driver does not support them; then the driver is not asked.
func (res *Result) NextResultSet(ctx context.Context, cb func(bool, error)) {
	if !res.moreResults {
		res.c.e.post(func() { cb(false, nil) })
		return
	}

	guarded(&res.g, res.c, ctx, "nextResultSet", func() (bool, error) {
		switch ret := res.st.MoreResults(); {
		case ret == driver.NoData:
			return false, nil
		case !ret.Succeeded():
			return false, res.st.Error(diag.ErrorCodeFetch)
		default:
			return true, nil
		}
	}, cb)
}

// Close drops the reference to the Connection.
// If the Result was produced by Connection.Query, it also frees the statement handle;
// otherwise, it makes the Statement usable again.
//
// Closing a closed result does nothing. Closing a busy result is rejected.
func (res *Result) Close(ctx context.Context, cb func(error)) {
	first, err := res.g.close()
	if err != nil {
		reject(res.c.e, done(cb), err)
		return
	}

	if !first {
		res.c.e.post(func() { cb(nil) })
		return
	}

	dispatch.Submit(res.c.e.d, ctx, "closeResult", res.c, func() (struct{}, error) {
		if res.owned {
			res.st.Free()
		}

		return struct{}{}, nil
	}, func(_ struct{}, err error) {
		if res.parent != nil {
			res.parent.release()
		}

		resource.Untrack(res, res.token)
		res.c.Unref()

		cb(err)
	})
}
