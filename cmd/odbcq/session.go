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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/FerretDB/asyncodbc/internal/odbc"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
)

// queryOpts represents a single odbcq invocation.
type queryOpts struct {
	ConnString   string
	Statements   []string
	Args         []any // for the last statement
	LoginTimeout time.Duration
	JSON         bool
}

// session runs statements one after another on a single connection.
//
// All methods except start are called from the environment's loop.
type session struct {
	ctx  context.Context
	opts *queryOpts
	c    *odbc.Connection
	w    io.Writer
	done func(error)
}

// query opens a connection, runs all statements and writes results to w.
//
// It drives the environment's loop until done, so the loop must not be run elsewhere.
func query(ctx context.Context, env *odbc.Env, opts *queryOpts, w io.Writer) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res error
	finished := false

	s := &session{
		ctx:  ctx,
		opts: opts,
		c:    env.NewConnection(),
		w:    w,
		done: func(err error) {
			res, finished = err, true
			cancel()
		},
	}
	defer s.c.Release()

	s.start()

	env.Loop().Run(loopCtx)

	if !finished {
		return lazyerrors.Error(context.Cause(ctx))
	}

	return res
}

// start opens the connection.
func (s *session) start() {
	s.c.Open(s.ctx, s.opts.ConnString, s.opts.LoginTimeout, func(err error) {
		if err != nil {
			s.finish(err)
			return
		}

		s.exec(0)
	})
}

// exec runs the i-th statement.
func (s *session) exec(i int) {
	if i == len(s.opts.Statements) {
		s.finish(nil)
		return
	}

	var args []any
	if i == len(s.opts.Statements)-1 {
		args = s.opts.Args
	}

	s.c.Query(s.ctx, s.opts.Statements[i], args, func(res *odbc.Result, err error) {
		if err != nil {
			s.finish(err)
			return
		}

		s.print(res, func(err error) {
			if err != nil {
				s.finish(err)
				return
			}

			s.exec(i + 1)
		})
	})
}

// print writes all result sets of res, closes it and calls cb.
func (s *session) print(res *odbc.Result, cb func(error)) {
	closeRes := func(err error) {
		res.Close(s.ctx, func(closeErr error) {
			cb(combine(err, closeErr))
		})
	}

	res.Columns(s.ctx, func(cols []string, err error) {
		if err != nil || len(cols) == 0 {
			closeRes(err)
			return
		}

		res.FetchAll(s.ctx, func(rows [][]any, err error) {
			if err != nil {
				closeRes(err)
				return
			}

			if err = s.write(cols, rows); err != nil {
				closeRes(err)
				return
			}

			res.NextResultSet(s.ctx, func(more bool, err error) {
				if err != nil || !more {
					closeRes(err)
					return
				}

				// the result is closed by the nested call
				s.print(res, cb)
			})
		})
	})
}

// write writes a single result set.
func (s *session) write(cols []string, rows [][]any) error {
	if s.opts.JSON {
		e := json.NewEncoder(s.w)

		for _, row := range rows {
			obj := make(map[string]any, len(cols))
			for i, col := range cols {
				obj[col] = row[i]
			}

			if err := e.Encode(obj); err != nil {
				return lazyerrors.Error(err)
			}
		}

		return nil
	}

	tw := tabwriter.NewWriter(s.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(cols, "\t"))

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}

		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}

	if err := tw.Flush(); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// finish closes the connection and reports the first error.
func (s *session) finish(err error) {
	s.c.Close(s.ctx, func(closeErr error) {
		s.done(combine(err, closeErr))
	})
}

// combine returns an operation error combined with a subsequent close error.
func combine(err, closeErr error) error {
	switch {
	case closeErr == nil:
		return err
	case err == nil:
		return closeErr
	default:
		return multierror.Append(err, closeErr)
	}
}

// formatValue formats a row value for text output.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// parseParam converts a command-line parameter to the most specific value type.
//
// "NULL" (in any case) is a null value; quote a value with single quotes to keep it a string.
func parseParam(s string) any {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}

	if strings.EqualFold(s, "null") {
		return nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}

	return s
}
