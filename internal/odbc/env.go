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

// Package odbc provides caller-facing connections, statements and results.
//
// Every asynchronous operation takes a completion callback that is called exactly once
// on the Env's dispatch.Loop, with either an error or a success value.
// Operations never block the caller.
// Errors delivered to callbacks are *diag.Error values.
package odbc

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/dispatch"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/params"
	"github.com/FerretDB/asyncodbc/internal/registry"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
)

// DefaultLoginTimeout is used by Open when no timeout is given.
const DefaultLoginTimeout = 5 * time.Second

// NewEnvOpts represents configuration for a new Env.
type NewEnvOpts struct {
	Driver driver.Driver
	L      *zap.Logger

	// Env is the environment handle injected by the host.
	// If nil, a new one is allocated and freed by Close.
	Env *registry.Environment

	// Loop receives completions. If nil, a new one is created;
	// the caller then drives it with Env.Loop().Run or Step.
	Loop *dispatch.Loop

	Workers        int           // dispatch.DefaultWorkers if 0
	LoginTimeout   time.Duration // DefaultLoginTimeout if 0
	MaxDiagRecords int16         // diag.DefaultMaxRecords if 0

	// TracerProvider is used for task spans; the global provider if nil.
	TracerProvider trace.TracerProvider
}

// Env wires together the handle registry, parameter encoder and dispatcher
// shared by all connections.
//
//nolint:vet // for readability
type Env struct {
	l *zap.Logger

	env     *registry.Environment
	ownsEnv bool

	reg  *registry.Registry
	enc  *params.Encoder
	loop *dispatch.Loop
	d    *dispatch.Dispatcher

	loginTimeout time.Duration

	closed atomic.Bool
}

// NewEnv creates a new Env.
func NewEnv(opts *NewEnvOpts) (*Env, error) {
	l := opts.L

	env := opts.Env
	ownsEnv := env == nil

	if ownsEnv {
		var err error
		if env, err = registry.NewEnvironment(opts.Driver, l); err != nil {
			return nil, lazyerrors.Error(err)
		}
	}

	reg, err := registry.New(&registry.NewOpts{
		Driver:         opts.Driver,
		Env:            env,
		L:              l,
		MaxDiagRecords: opts.MaxDiagRecords,
	})
	if err != nil {
		if ownsEnv {
			env.Close()
		}

		return nil, lazyerrors.Error(err)
	}

	loop := opts.Loop
	if loop == nil {
		loop = dispatch.NewLoop(l)
	}

	loginTimeout := opts.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = DefaultLoginTimeout
	}

	return &Env{
		l:       l.Named("odbc"),
		env:     env,
		ownsEnv: ownsEnv,
		reg:     reg,
		enc:     params.NewEncoder(l),
		loop:    loop,
		d: dispatch.New(&dispatch.NewOpts{
			Loop:           loop,
			Workers:        opts.Workers,
			L:              l,
			TracerProvider: opts.TracerProvider,
		}),
		loginTimeout: loginTimeout,
	}, nil
}

// Loop returns the loop completions are delivered on.
func (e *Env) Loop() *dispatch.Loop {
	return e.loop
}

// Registry returns the handle registry.
func (e *Env) Registry() *registry.Registry {
	return e.reg
}

// Encoder returns the parameter encoder.
func (e *Env) Encoder() *params.Encoder {
	return e.enc
}

// NewConnection returns a new unopened connection.
//
// The caller holds a single reference to it and must call Release when done.
func (e *Env) NewConnection() *Connection {
	return newConnection(e)
}

// post delivers f on the loop.
func (e *Env) post(f func()) {
	e.loop.Post(f)
}

// reject delivers err to cb on the loop.
func reject[T any](e *Env, cb func(T, error), err error) {
	e.l.Debug("Operation rejected.", zap.Error(err))

	e.post(func() {
		var zero T
		cb(zero, err)
	})
}

// Close stops the dispatcher after all queued tasks have run,
// frees all remaining handles, and frees the environment if it was allocated by NewEnv.
//
// Completions of tasks that ran during Close are still queued on the loop.
func (e *Env) Close() error {
	e.closed.Store(true)
	e.d.Close()

	var errs *multierror.Error

	if err := e.reg.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if e.ownsEnv {
		e.env.Close()
	}

	return errs.ErrorOrNil()
}

// Describe implements prometheus.Collector.
func (e *Env) Describe(ch chan<- *prometheus.Desc) {
	e.d.Describe(ch)
	e.enc.Describe(ch)
	e.reg.Describe(ch)
}

// Collect implements prometheus.Collector.
func (e *Env) Collect(ch chan<- prometheus.Metric) {
	e.d.Collect(ch)
	e.enc.Collect(ch)
	e.reg.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Env)(nil)
)
