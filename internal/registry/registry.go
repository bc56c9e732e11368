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

// Package registry owns native driver handles.
//
// It maintains the environment/connection/statement hierarchy,
// enforces allocation and free ordering,
// and serializes driver calls that are not reentrant.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "asyncodbc"
	subsystem = "registry"
)

// DriverLock serializes driver calls that are not guaranteed to be reentrant:
// allocate, free, connect, and disconnect.
//
// It is created by the Registry and passed explicitly to code that needs it.
type DriverLock struct {
	m sync.Mutex
}

// Do calls f with the lock held.
func (dl *DriverLock) Do(f func()) {
	dl.m.Lock()
	defer dl.m.Unlock()

	f()
}

// NewOpts represents configuration for a new Registry.
type NewOpts struct {
	Driver driver.Driver
	Env    *Environment
	L      *zap.Logger

	// MaxDiagRecords limits diagnostic records per failure; see diag.NewTranslator.
	MaxDiagRecords int16
}

// Registry allocates and frees connection and statement handles.
//
// All methods are thread-safe.
//
//nolint:vet // for readability
type Registry struct {
	drv  driver.Driver
	env  *Environment
	lock *DriverLock
	t    *diag.Translator
	l    *zap.Logger

	rw     sync.RWMutex
	conns  map[*ConnHandle]struct{}
	closed bool

	liveConns atomic.Int64
	liveStmts atomic.Int64

	token *resource.Token
}

// New creates a new Registry for the given environment.
func New(opts *NewOpts) (*Registry, error) {
	if opts.Env == nil || opts.Env.Handle() == driver.NullHandle {
		return nil, lazyerrors.New("environment is not allocated")
	}

	r := &Registry{
		drv:   opts.Driver,
		env:   opts.Env,
		lock:  new(DriverLock),
		t:     diag.NewTranslator(opts.Driver, opts.MaxDiagRecords, opts.L),
		l:     opts.L.Named("registry"),
		conns: make(map[*ConnHandle]struct{}),
		token: resource.NewToken(),
	}

	resource.Track(r, r.token)

	return r, nil
}

// Lock returns the driver lock.
func (r *Registry) Lock() *DriverLock {
	return r.lock
}

// Driver returns the driver.
func (r *Registry) Driver() driver.Driver {
	return r.drv
}

// Translator returns the diagnostic translator.
func (r *Registry) Translator() *diag.Translator {
	return r.t
}

// call logs a driver call and its result.
func (r *Registry) call(name string, h driver.Handle, f func() driver.Return) driver.Return {
	start := time.Now()

	r.l.Debug(">>> "+name, zap.Uint64("handle", uint64(h)))

	ret := f()

	r.l.Debug(
		"<<< "+name,
		zap.Uint64("handle", uint64(h)), zap.Stringer("ret", ret), zap.Duration("time", time.Since(start)),
	)

	return ret
}

// AllocConnection allocates a new connection handle.
//
// The returned handle is not connected.
func (r *Registry) AllocConnection() (*ConnHandle, error) {
	r.rw.Lock()
	defer r.rw.Unlock()

	if r.closed {
		return nil, diag.Internal(lazyerrors.New("registry is closed"))
	}

	var h driver.Handle
	var ret driver.Return

	r.lock.Do(func() {
		ret = r.call("AllocHandle(DBC)", r.env.Handle(), func() driver.Return {
			h, ret = r.drv.AllocHandle(driver.HandleDBC, r.env.Handle())
			return ret
		})
	})

	if !ret.Succeeded() {
		return nil, r.t.Error(diag.ErrorCodeInternal, driver.HandleEnv, r.env.Handle())
	}

	c := &ConnHandle{
		r:     r,
		h:     h,
		stmts: make(map[*StmtHandle]struct{}),
		token: resource.NewToken(),
	}

	resource.Track(c, c.token)

	r.conns[c] = struct{}{}
	r.liveConns.Add(1)

	return c, nil
}

// Stats represents the number of live handles.
type Stats struct {
	Connections int64
	Statements  int64
}

// Stats returns the number of live handles.
func (r *Registry) Stats() Stats {
	return Stats{
		Connections: r.liveConns.Load(),
		Statements:  r.liveStmts.Load(),
	}
}

// Close frees all remaining handles.
//
// Further allocations fail. The environment is not freed; it is owned by the caller.
func (r *Registry) Close() error {
	r.rw.Lock()

	if r.closed {
		r.rw.Unlock()
		return nil
	}

	r.closed = true

	conns := make([]*ConnHandle, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}

	r.rw.Unlock()

	var errs *multierror.Error

	for _, c := range conns {
		r.l.Warn("Freeing connection handle on registry close.", zap.Uint64("handle", uint64(c.Handle())))

		if err := c.Free(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	resource.Untrack(r, r.token)

	return errs.ErrorOrNil()
}

// forget removes a freed connection handle.
func (r *Registry) forget(c *ConnHandle) {
	r.rw.Lock()
	defer r.rw.Unlock()

	delete(r.conns, c)
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	s := r.Stats()

	for name, v := range map[string]int64{
		"connections": s.Connections,
		"statements":  s.Statements,
	} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, name),
				"The current number of allocated "+name+" handles.",
				nil, nil,
			),
			prometheus.GaugeValue,
			float64(v),
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Registry)(nil)
)
