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

// Package dispatch runs blocking driver calls on a pool of worker goroutines
// and delivers their completions on the caller's Loop.
//
// Every submitted task is completed exactly once, even if it panics
// or the dispatcher is closed. The object a task works on is referenced
// from submission until completion delivery.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
)

// Parts of Prometheus metric names.
const (
	namespace = "asyncodbc"
	subsystem = "dispatch"
)

// DefaultWorkers is the default number of worker goroutines.
const DefaultWorkers = 4

// Referent is an object kept alive while a task works on it.
type Referent interface {
	Ref()
	Unref()
}

// task is a unit of dispatched work.
type task struct {
	id   uuid.UUID
	name string
	ctx  context.Context
	obj  Referent

	run  func() (any, error)
	done func(any, error)

	submitted time.Time
}

// NewOpts represents configuration for a new Dispatcher.
type NewOpts struct {
	Loop           *Loop
	Workers        int // DefaultWorkers if 0
	L              *zap.Logger
	TracerProvider trace.TracerProvider // global provider if nil
}

// Dispatcher is a fixed-size pool of workers for blocking calls.
//
//nolint:vet // for readability
type Dispatcher struct {
	loop   *Loop
	l      *zap.Logger
	tracer trace.Tracer

	workers int
	wg      sync.WaitGroup

	m      sync.Mutex
	cond   *sync.Cond
	queue  []*task
	closed bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	faulted   atomic.Int64
	inFlight  atomic.Int64
}

// New creates a new Dispatcher and starts its workers.
func New(opts *NewOpts) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	d := &Dispatcher{
		loop:    opts.Loop,
		l:       opts.L.Named("dispatch"),
		tracer:  tp.Tracer("github.com/FerretDB/asyncodbc/internal/dispatch"),
		workers: workers,
	}

	d.cond = sync.NewCond(&d.m)

	for i := range workers {
		d.wg.Add(1)

		go func() {
			defer d.wg.Done()
			d.worker(i)
		}()
	}

	d.l.Debug("Dispatcher started.", zap.Int("workers", workers))

	return d
}

// Loop returns the loop completions are delivered on.
func (d *Dispatcher) Loop() *Loop {
	return d.loop
}

// Submit schedules work to run on a worker and done to be called on the loop with its result.
//
// It never blocks the caller. Obj, if not nil, is referenced until done returns.
// Ctx is used only as the parent of the task's trace span; cancellation is not supported.
// If work panics, or the dispatcher is closed, done receives an InternalFault.
func Submit[T any](d *Dispatcher, ctx context.Context, name string, obj Referent, work func() (T, error), done func(T, error)) {
	t := &task{
		id:   uuid.New(),
		name: name,
		ctx:  context.WithoutCancel(ctx),
		obj:  obj,
		run: func() (any, error) {
			return work()
		},
		done: func(v any, err error) {
			res, _ := v.(T)
			done(res, err)
		},
		submitted: time.Now(),
	}

	d.submit(t)
}

// submit implements Submit.
func (d *Dispatcher) submit(t *task) {
	if t.obj != nil {
		t.obj.Ref()
	}

	d.submitted.Add(1)
	d.inFlight.Add(1)

	d.m.Lock()

	if d.closed {
		d.m.Unlock()

		d.l.Warn("Task submitted to closed dispatcher.", zap.String("task", t.name), zap.Stringer("id", t.id))
		d.complete(t, nil, diag.Internal(lazyerrors.New("dispatcher is closed")))

		return
	}

	d.queue = append(d.queue, t)
	d.m.Unlock()

	d.cond.Signal()
}

// next blocks until a task is available, or returns nil when the dispatcher is closed and drained.
func (d *Dispatcher) next() *task {
	d.m.Lock()
	defer d.m.Unlock()

	for len(d.queue) == 0 {
		if d.closed {
			return nil
		}

		d.cond.Wait()
	}

	t := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]

	return t
}

// worker runs tasks until the dispatcher is closed.
func (d *Dispatcher) worker(id int) {
	l := d.l.With(zap.Int("worker", id))

	for {
		t := d.next()
		if t == nil {
			return
		}

		start := time.Now()

		_, span := d.tracer.Start(t.ctx, t.name, trace.WithAttributes(attribute.String("task.id", t.id.String())))

		res, err := d.execute(t, l)

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()

		l.Debug(
			"Task executed.",
			zap.String("task", t.name), zap.Stringer("id", t.id),
			zap.Duration("wait", start.Sub(t.submitted)), zap.Duration("time", time.Since(start)),
			zap.Error(err),
		)

		d.complete(t, res, err)
	}
}

// execute runs the task's work, converting panics to InternalFault.
func (d *Dispatcher) execute(t *task, l *zap.Logger) (res any, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}

		d.faulted.Add(1)

		l.Error(
			"Task panicked.",
			zap.String("task", t.name), zap.Stringer("id", t.id),
			zap.Any("panic", p), zap.ByteString("stack", debug.Stack()),
		)

		res = nil
		err = diag.Internal(lazyerrors.Errorf("task %s panicked: %v", t.name, p))
	}()

	return t.run()
}

// complete posts the completion to the loop.
func (d *Dispatcher) complete(t *task, res any, err error) {
	d.loop.Post(func() {
		defer func() {
			d.inFlight.Add(-1)

			if t.obj != nil {
				t.obj.Unref()
			}
		}()

		if err == nil {
			d.succeeded.Add(1)
		} else {
			d.failed.Add(1)
		}

		t.done(res, err)
	})
}

// InFlight returns the number of tasks submitted but not yet completed.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Close stops accepting new tasks, waits for queued tasks to run, and stops workers.
//
// Completions of those tasks are still delivered on the loop.
// Tasks submitted after Close are completed with InternalFault.
func (d *Dispatcher) Close() {
	d.m.Lock()
	d.closed = true
	d.m.Unlock()

	d.cond.Broadcast()
	d.wg.Wait()

	d.l.Debug("Dispatcher stopped.")
}

// Describe implements prometheus.Collector.
func (d *Dispatcher) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(d, ch)
}

// Collect implements prometheus.Collector.
func (d *Dispatcher) Collect(ch chan<- prometheus.Metric) {
	d.m.Lock()
	queued := len(d.queue)
	d.m.Unlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "submitted_total"),
			"The total number of submitted tasks.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(d.submitted.Load()),
	)

	completed := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "completed_total"),
		"The total number of delivered completions by result.",
		[]string{"result"}, nil,
	)

	ch <- prometheus.MustNewConstMetric(completed, prometheus.CounterValue, float64(d.succeeded.Load()), "ok")
	ch <- prometheus.MustNewConstMetric(completed, prometheus.CounterValue, float64(d.failed.Load()), "error")

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "faults_total"),
			"The total number of tasks that panicked.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(d.faulted.Load()),
	)

	for _, g := range []struct {
		name string
		help string
		v    int64
	}{
		{"queued", "tasks waiting for a worker", int64(queued)},
		{"in_flight", "tasks submitted but not yet completed", d.inFlight.Load()},
		{"workers", "worker goroutines", int64(d.workers)},
	} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, g.name),
				fmt.Sprintf("The current number of %s.", g.help),
				nil, nil,
			),
			prometheus.GaugeValue,
			float64(g.v),
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Dispatcher)(nil)
)
